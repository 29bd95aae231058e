package actor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/codefionn/robust/internal/logger"
)

// HealthSummary aggregates the reports of every actor in a System.
type HealthSummary struct {
	Status    HealthStatus
	Healthy   int
	Degraded  int
	Unhealthy int
	Issues    []string
}

// Summarize reduces per-actor reports to the worst status plus one issue
// line per actor that is not healthy. Issues are sorted by actor id.
func Summarize(reports map[string]HealthReport) HealthSummary {
	sum := HealthSummary{Status: HealthStatusHealthy}
	for id, r := range reports {
		switch r.Status {
		case HealthStatusHealthy:
			sum.Healthy++
			continue
		case HealthStatusDegraded:
			sum.Degraded++
		default:
			sum.Unhealthy++
		}
		sum.Issues = append(sum.Issues, fmt.Sprintf("%s: %s", id, r.Message))
	}
	sort.Strings(sum.Issues)

	switch {
	case sum.Unhealthy > 0:
		sum.Status = HealthStatusUnhealthy
	case sum.Degraded > 0:
		sum.Status = HealthStatusDegraded
	}
	return sum
}

// Monitor checks the system every interval and logs actors that are not
// healthy. It blocks until ctx is done.
func Monitor(ctx context.Context, s *System, interval time.Duration) error {
	log := logger.For("health")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sum := Summarize(s.HealthCheck())
			if sum.Status == HealthStatusHealthy {
				log.Debug("%d actors healthy", sum.Healthy)
				continue
			}
			log.Warn("status %s (healthy=%d degraded=%d unhealthy=%d): %v",
				sum.Status, sum.Healthy, sum.Degraded, sum.Unhealthy, sum.Issues)
		}
	}
}
