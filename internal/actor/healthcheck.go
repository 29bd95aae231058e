package actor

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// HealthStatus represents the health status of an actor
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

const (
	mailboxPressurePercent = 90
	recentErrorWindow      = 5 * time.Minute
)

// HealthReport is a snapshot of an actor's mailbox and error counters.
type HealthReport struct {
	ActorID         string        `json:"actor_id"`
	Status          HealthStatus  `json:"status"`
	MailboxDepth    int           `json:"mailbox_depth"`
	MailboxCapacity int           `json:"mailbox_capacity"`
	Processed       int64         `json:"processed"`
	ErrorCount      int64         `json:"error_count"`
	LastError       string        `json:"last_error,omitempty"`
	LastErrorAt     time.Time     `json:"last_error_at,omitempty"`
	LastActivity    time.Time     `json:"last_activity"`
	Uptime          time.Duration `json:"uptime"`
	Message         string        `json:"message"`
}

type healthRecorder struct {
	id      string
	mailbox chan Message

	mu           sync.Mutex
	startTime    time.Time
	lastActivity time.Time
	processed    int64
	errorCount   int64
	lastError    string
	lastErrorAt  time.Time
}

func newHealthRecorder(id string, mailbox chan Message) *healthRecorder {
	return &healthRecorder{id: id, mailbox: mailbox}
}

func (h *healthRecorder) markStarted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.startTime = time.Now()
	h.lastActivity = h.startTime
}

func (h *healthRecorder) recordActivity() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivity = time.Now()
	h.processed++
}

func (h *healthRecorder) recordError(err error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount++
	h.lastError = err.Error()
	h.lastErrorAt = time.Now()
}

func (h *healthRecorder) report(stopped bool) HealthReport {
	h.mu.Lock()
	r := HealthReport{
		ActorID:         h.id,
		MailboxDepth:    len(h.mailbox),
		MailboxCapacity: cap(h.mailbox),
		Processed:       h.processed,
		ErrorCount:      h.errorCount,
		LastError:       h.lastError,
		LastErrorAt:     h.lastErrorAt,
		LastActivity:    h.lastActivity,
	}
	if !h.startTime.IsZero() {
		r.Uptime = time.Since(h.startTime)
	}
	h.mu.Unlock()

	if stopped {
		r.Status = HealthStatusUnhealthy
		r.Message = "actor is stopped"
		return r
	}

	var issues []string
	if r.MailboxCapacity > 0 && r.MailboxDepth*100 >= r.MailboxCapacity*mailboxPressurePercent {
		issues = append(issues, fmt.Sprintf("mailbox at %d/%d", r.MailboxDepth, r.MailboxCapacity))
	}
	if r.ErrorCount > 0 && time.Since(r.LastErrorAt) < recentErrorWindow {
		issues = append(issues, "recent error: "+r.LastError)
	}

	if len(issues) == 0 {
		r.Status = HealthStatusHealthy
		r.Message = "operating normally"
	} else {
		r.Status = HealthStatusDegraded
		r.Message = strings.Join(issues, "; ")
	}
	return r
}
