package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/robust/internal/config"
	"github.com/codefionn/robust/internal/consts"
	"github.com/codefionn/robust/internal/dispatch"
	"github.com/codefionn/robust/internal/logger"
	"github.com/codefionn/robust/internal/protocol"
	"github.com/codefionn/robust/internal/session"
	"github.com/codefionn/robust/internal/store"
	"github.com/codefionn/robust/internal/users"
)

var errQuit = errors.New("quit requested")

const defaultBacklogCount = 50

// command is one parsed input line. Plain text has an empty name.
type command struct {
	name string
	args []string
	text string
}

func parseCommand(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, false
	}
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return command{text: strings.TrimPrefix(line, "/")}, true
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return command{}, false
	}
	return command{name: strings.ToLower(fields[0]), args: fields[1:]}, true
}

// app is the line-oriented collaborator: it turns input into registry calls
// and prints dispatcher events.
type app struct {
	cfgPath  string
	registry *session.Registry
	worker   *store.Worker
	users    *users.Directory
	log      *logger.Logger

	outMu sync.Mutex
	out   io.Writer

	mu  sync.Mutex
	cfg *config.Config
}

func newApp(cfg *config.Config, cfgPath string, out io.Writer) *app {
	return &app{
		cfg:     cfg,
		cfgPath: cfgPath,
		out:     out,
		log:     logger.For("cli"),
	}
}

func (a *app) printf(format string, args ...interface{}) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format+"\n", args...)
}

func (a *app) endpoint() session.Endpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Endpoint()
}

func (a *app) target() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.LastUsedTarget
}

func (a *app) setTarget(target string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cfg.LastUsedTarget == target {
		return
	}
	a.cfg.LastUsedTarget = target
	if err := a.cfg.Save(a.cfgPath); err != nil {
		a.log.Warn("failed to persist target: %v", err)
	}
}

func (a *app) subscribe(bus *dispatch.Dispatcher) {
	dispatch.Subscribe(bus, a.onStateChanged)
	dispatch.Subscribe(bus, a.onAuth)
	dispatch.Subscribe(bus, a.onMessage)
	dispatch.Subscribe(bus, a.onBacklog)
	dispatch.Subscribe(bus, a.onHighlight)
	dispatch.Subscribe(bus, func(cmd protocol.ErrorCommand) {
		a.printf("!! server error: %s", cmd.Message)
	})
	dispatch.Subscribe(bus, func(ev session.AuthenticatorMissing) {
		a.printf("-- %s requires a login", ev.Endpoint)
	})
	dispatch.Subscribe(bus, func(ev session.ReconnectScheduled) {
		a.printf("-- reconnecting to %s in %s (attempt %d)", ev.Endpoint, ev.Delay, ev.Attempt)
	})
	dispatch.Subscribe(bus, func(ev session.Dropped) {
		a.printf("!! giving up on %s: %v", ev.Endpoint, ev.Err)
	})
	dispatch.Subscribe(bus, func(cmd protocol.JoinCommand) {
		a.printf("-- joined %s", cmd.Target)
	})
	dispatch.Subscribe(bus, func(cmd protocol.PartCommand) {
		a.printf("-- left %s", cmd.Target)
	})
}

func (a *app) onStateChanged(ev session.StateChanged) {
	if !ev.ConnectionChanged && !ev.AuthChanged {
		return
	}
	a.printf("-- %s", describeState(ev.State))
}

func describeState(st session.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s, %s", st.Endpoint, st.Connection, st.Auth)
	if st.User != nil {
		fmt.Fprintf(&b, " as @%s", st.User.Handle)
	}
	if st.Retries > 0 {
		fmt.Fprintf(&b, ", retries %d", st.Retries)
	}
	if st.LastError != nil {
		fmt.Fprintf(&b, ", last error: %v", st.LastError)
	}
	return b.String()
}

// onAuth persists credentials handed out by the server and shows login
// challenges.
func (a *app) onAuth(cmd protocol.AuthCommand) {
	if !cmd.Succeeded() {
		if cmd.Challenge != nil && cmd.Challenge.URL != "" {
			a.printf("-- log in at %s", cmd.Challenge.URL)
		} else {
			a.printf("!! login rejected")
		}
		return
	}

	if cmd.Data == nil || cmd.Data.Key == "" || cmd.Data.Secret == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.SetAuthentication(cmd.Mode, cmd.Data.Key, cmd.Data.Secret)
	if err := a.cfg.Save(a.cfgPath); err != nil {
		a.log.Error("failed to persist credentials: %v", err)
		return
	}
	a.log.Info("credentials saved to %s", a.cfgPath)
}

func formatMessage(msg protocol.MessageCommand) string {
	ts := time.UnixMilli(msg.Timestamp).Format("15:04")
	from := msg.From.Handle
	if from == "" {
		from = msg.From.ID
	}
	return fmt.Sprintf("[%s] %s <%s> %s", msg.Target, ts, from, msg.Body)
}

func (a *app) onMessage(msg protocol.MessageCommand) {
	a.printf("%s", formatMessage(msg))
}

func (a *app) onHighlight(ev session.Highlight) {
	a.printf("** mention in %s from @%s", ev.Message.Target, ev.Message.From.Handle)
}

func (a *app) onBacklog(cmd protocol.BacklogCommand) {
	msgs := slices.Clone(cmd.Messages)
	protocol.SortMessages(msgs)
	for _, m := range msgs {
		a.printf("%s", formatMessage(m))
	}
	a.printf("-- %d backlog messages for %s", len(msgs), cmd.Target)
}

// readLoop feeds lines from r to handle until ctx is done, /quit or EOF.
func (a *app) readLoop(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			if err != nil {
				return err
			}
			return errQuit
		case line := <-lines:
			if err := a.handle(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				a.printf("!! %v", err)
			}
		}
	}
}

func (a *app) handle(ctx context.Context, line string) error {
	cmd, ok := parseCommand(line)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, consts.WriteTimeout)
	defer cancel()
	ep := a.endpoint()

	switch cmd.name {
	case "":
		target := a.target()
		if target == "" {
			return errors.New("no target, use /target or /join first")
		}
		return a.registry.Send(ctx, ep, protocol.MessageCommand{
			Target:    target,
			Body:      cmd.text,
			Timestamp: time.Now().UnixMilli(),
		})
	case "join":
		if len(cmd.args) != 1 {
			return errors.New("usage: /join <target>")
		}
		if err := a.registry.Send(ctx, ep, protocol.JoinCommand{Target: cmd.args[0]}); err != nil {
			return err
		}
		a.setTarget(cmd.args[0])
		return nil
	case "part":
		target := a.target()
		if len(cmd.args) > 0 {
			target = cmd.args[0]
		}
		if target == "" {
			return errors.New("usage: /part <target>")
		}
		return a.registry.Send(ctx, ep, protocol.PartCommand{Target: target})
	case "target":
		if len(cmd.args) != 1 {
			a.printf("-- target: %s", a.target())
			return nil
		}
		a.setTarget(cmd.args[0])
		return nil
	case "backlog":
		return a.requestBacklog(ctx, ep, cmd.args)
	case "history":
		return a.history(ctx)
	case "user":
		if len(cmd.args) != 1 {
			return errors.New("usage: /user <id>")
		}
		return a.users.Lookup(cmd.args[0], func(u *protocol.User) {
			a.printf("-- @%s (%s) %s", u.Handle, u.Name, strings.Join(u.Channels, " "))
		})
	case "reconnect":
		return a.registry.Restart(ctx, ep)
	case "tls":
		a.printf("%s", a.registry.TLSInfo(ep).Describe())
		return nil
	case "state":
		st, ok := a.registry.State(ep)
		if !ok {
			a.printf("-- no session for %s", ep)
			return nil
		}
		a.printf("-- %s", describeState(st))
		return nil
	case "health":
		for id, report := range a.registry.Health() {
			a.printf("-- %s: %s (%d/%d queued)", id, report.Status, report.MailboxDepth, report.MailboxCapacity)
		}
		return nil
	case "quit":
		return errQuit
	default:
		return fmt.Errorf("unknown command /%s", cmd.name)
	}
}

// requestBacklog asks for messages older than the oldest stored one.
func (a *app) requestBacklog(ctx context.Context, ep session.Endpoint, args []string) error {
	target := a.target()
	if target == "" {
		return errors.New("no target, use /target first")
	}
	count := defaultBacklogCount
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid count %q", args[0])
		}
		count = n
	}

	bounds, err := a.worker.Bounds(ctx, target)
	if err != nil {
		return err
	}
	before := bounds.Oldest
	if before == 0 {
		before = time.Now().UnixMilli()
	}
	return a.registry.RequestBacklog(ctx, ep, protocol.BacklogBefore(target, before, count))
}

func (a *app) history(ctx context.Context) error {
	target := a.target()
	if target == "" {
		return errors.New("no target, use /target first")
	}
	msgs, err := a.worker.Query(ctx, target)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		a.printf("%s", formatMessage(m))
	}
	a.printf("-- %d stored messages for %s", len(msgs), target)
	return nil
}

// reload applies a changed config file. A new endpoint or new credentials
// restart the session.
func (a *app) reload(ctx context.Context, next *config.Config) {
	a.mu.Lock()
	prev := a.cfg
	if err := next.ApplySecretsPassword(prev.SecretsPassword()); err != nil {
		a.mu.Unlock()
		a.log.Warn("reloaded config not applied: %v", err)
		return
	}
	if !next.HasValidServerSettings() {
		a.mu.Unlock()
		a.log.Warn("reloaded config has no valid server, keeping %s", prev.Endpoint())
		return
	}
	endpointChanged := next.Endpoint() != prev.Endpoint()
	authChanged := next.Auth != prev.Auth
	a.cfg = next
	a.mu.Unlock()

	if !endpointChanged && !authChanged {
		return
	}

	auth, err := next.Authenticator()
	if err != nil {
		a.log.Warn("reloaded config: %v", err)
		return
	}
	if endpointChanged {
		if err := a.registry.Close(ctx, prev.Endpoint()); err != nil {
			a.log.Debug("close %s: %v", prev.Endpoint(), err)
		}
		a.printf("-- switching to %s", next.Endpoint())
	}
	if err := a.registry.Initialize(ctx, next.Endpoint(), auth); err != nil {
		a.log.Error("failed to initialize %s: %v", next.Endpoint(), err)
	}
}
