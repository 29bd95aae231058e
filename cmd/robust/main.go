package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/codefionn/robust/internal/actor"
	"github.com/codefionn/robust/internal/config"
	"github.com/codefionn/robust/internal/conn"
	"github.com/codefionn/robust/internal/consts"
	"github.com/codefionn/robust/internal/dispatch"
	"github.com/codefionn/robust/internal/lockfile"
	"github.com/codefionn/robust/internal/logger"
	"github.com/codefionn/robust/internal/protocol"
	"github.com/codefionn/robust/internal/secrets"
	"github.com/codefionn/robust/internal/securemem"
	"github.com/codefionn/robust/internal/session"
	"github.com/codefionn/robust/internal/store"
	"github.com/codefionn/robust/internal/users"
)

const (
	maxPasswordAttempts = 3
	shutdownTimeout     = 5 * time.Second
)

type options struct {
	configPath string
	logLevel   string
	logPath    string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("robust", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts options
	fs.StringVar(&opts.configPath, "config", config.GetConfigPath(), "Path to the JSON or YAML configuration file")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error, none")
	fs.StringVar(&opts.logPath, "log-path", "", "Log file, or - for stderr")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options]\n\n", fs.Name())
		fmt.Fprintln(fs.Output(), "Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return opts, nil
}

func run() (err error) {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Environment overrides the file, flags override both.
	if envLevel := strings.TrimSpace(os.Getenv("ROBUST_LOG_LEVEL")); envLevel != "" {
		cfg.LogLevel = envLevel
	}
	if envPath := strings.TrimSpace(os.Getenv("ROBUST_LOG_PATH")); envPath != "" {
		cfg.LogPath = envPath
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logPath != "" {
		cfg.LogPath = opts.logPath
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	securemem.Init()
	defer securemem.Purge()

	if err := ensureSecretsPassword(cfg); err != nil {
		return fmt.Errorf("failed to unlock credentials: %w", err)
	}
	if !cfg.HasValidServerSettings() {
		return fmt.Errorf("no server configured: set server.host and server.port in %s", opts.configPath)
	}

	logger.Info("robust starting, server %s", cfg.Endpoint())

	// SIGINT is handled by memguard, which wipes credentials before exiting.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	lock := lockfile.ForDatabase(cfg.DatabasePath)
	if err := lock.TryAcquire(); err != nil {
		return err
	}
	defer lock.Release()

	backlog, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer backlog.Close()

	system := actor.NewSystem()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = system.StopAll(stopCtx)
	}()

	worker := store.NewWorker(backlog)
	if err := worker.Spawn(context.Background(), system, consts.StoreMailboxSize); err != nil {
		return fmt.Errorf("failed to start backlog worker: %w", err)
	}

	connOpts, err := cfg.ConnOptions()
	if err != nil {
		return err
	}
	manager, err := conn.NewManager(connOpts)
	if err != nil {
		return err
	}

	bus := dispatch.New()
	defer bus.Close()

	registry, err := session.NewRegistry(session.Options{
		Transport: manager,
		Bus:       bus,
		Backlog:   worker,
		System:    system,
	})
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := registry.Shutdown(stopCtx); err != nil {
			logger.Warn("registry shutdown: %v", err)
		}
	}()

	a := newApp(cfg, opts.configPath, os.Stdout)
	a.registry = registry
	a.worker = worker
	a.users = users.NewDirectory(bus, func(cmd protocol.Command) error {
		sendCtx, cancel := context.WithTimeout(ctx, consts.WriteTimeout)
		defer cancel()
		return registry.Send(sendCtx, a.endpoint(), cmd)
	}, users.NewCache(consts.UserCacheSize))
	defer a.users.Close()
	a.subscribe(bus)

	auth, err := cfg.Authenticator()
	if err != nil {
		return err
	}
	if err := registry.Initialize(ctx, cfg.Endpoint(), auth); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bus.Run(gctx)
	})
	g.Go(func() error {
		return config.Watch(gctx, opts.configPath, func(next *config.Config) {
			a.reload(gctx, next)
		})
	})
	g.Go(func() error {
		return actor.Monitor(gctx, system, consts.HealthCheckInterval)
	})
	g.Go(func() error {
		return a.readLoop(gctx, os.Stdin)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	logger.Info("robust stopped")
	return nil
}

// ensureSecretsPassword unseals the stored credentials, prompting when the
// config was saved with a password. ROBUST_PASSWORD skips the prompt.
func ensureSecretsPassword(cfg *config.Config) error {
	if !cfg.NeedsPassword() {
		return cfg.ApplySecretsPassword("")
	}

	if pw, ok := os.LookupEnv("ROBUST_PASSWORD"); ok {
		return cfg.ApplySecretsPassword(pw)
	}

	for attempt := 0; attempt < maxPasswordAttempts; attempt++ {
		pw, err := promptForPassword("Enter encryption password: ")
		if err != nil {
			return err
		}
		if err := cfg.ApplySecretsPassword(pw); err != nil {
			if errors.Is(err, secrets.ErrInvalidPassword) {
				fmt.Fprintln(os.Stderr, "Invalid password, try again.")
				continue
			}
			return err
		}
		return nil
	}
	return errors.New("too many invalid password attempts")
}

func promptForPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	fmt.Fprint(os.Stderr, prompt)

	if term.IsTerminal(fd) {
		bytes, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(bytes)), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
