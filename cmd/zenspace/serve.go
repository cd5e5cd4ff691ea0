package main

import (
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

	"github.com/odvcencio/zenspace/pkg/api"
	"github.com/odvcencio/zenspace/pkg/auth"
	"github.com/odvcencio/zenspace/pkg/bus"
	"github.com/odvcencio/zenspace/pkg/config"
	"github.com/odvcencio/zenspace/pkg/filetree"
	"github.com/odvcencio/zenspace/pkg/logging"
	"github.com/odvcencio/zenspace/pkg/model"
	"github.com/odvcencio/zenspace/pkg/room"
	"github.com/odvcencio/zenspace/pkg/router"
	"github.com/odvcencio/zenspace/pkg/storage"
	"github.com/odvcencio/zenspace/pkg/telemetry"
)

const (
	revocationSweepInterval = time.Hour
	drainTimeout            = 15 * time.Second
)

type stringListValue []string

func (s *stringListValue) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ",")
}

func (s *stringListValue) Set(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	*s = append(*s, value)
	return nil
}

type serveOptions struct {
	configPath   string
	bind         string
	allowOrigins []string
}

func parseServeFlags(args []string, stderr io.Writer) (serveOptions, error) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts serveOptions
	var origins stringListValue
	fs.StringVar(&opts.configPath, "config", "", "path to a config file (default ~/.zenspace/config.yaml, ./zenspace.yaml)")
	fs.StringVar(&opts.bind, "bind", "", "listen address, overrides server.bind")
	fs.Var(&origins, "allow-origin", "additional allowed browser origin (repeatable)")

	if err := fs.Parse(args); err != nil {
		return serveOptions{}, withExitCode(err, exitConfig)
	}
	if fs.NArg() > 0 {
		return serveOptions{}, withExitCode(fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " ")), exitConfig)
	}
	opts.allowOrigins = origins
	return opts, nil
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if strings.TrimSpace(path) != "" {
		cfg, err = config.LoadFromPath(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, withExitCode(err, exitConfig)
	}
	return cfg, nil
}

func applyServeOverrides(cfg *config.Config, opts serveOptions) error {
	if opts.bind != "" {
		cfg.Server.Bind = opts.bind
	}
	cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, opts.allowOrigins...)
	if err := cfg.Validate(); err != nil {
		return withExitCode(err, exitConfig)
	}
	return nil
}

func runServeCommand(args []string) error {
	opts, err := parseServeFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if err := applyServeOverrides(cfg, opts); err != nil {
		return err
	}
	for _, warning := range cfg.ValidationWarnings() {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg)
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.NewLogger(os.Stdout, cfg.Logging.Dir)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Close()
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return withExitCode(err, exitConfig)
	}
	logger.SetMinLevel(level)

	if cfg.Telemetry.Tracing {
		tp, err := telemetry.NewTracerProvider(cfg.Telemetry.ServiceName, version, os.Stderr)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, store)
	rooms := room.NewRegistry(logger)

	syncer := filetree.NewSyncer(store, filetree.Options{
		Window: cfg.Workspace.SaveDebounce,
		Logger: logger,
		OnSave: router.SaveStatusReporter(rooms),
	})
	generator := model.NewClient(model.Config{
		APIKey:  cfg.AI.APIKey,
		Model:   cfg.AI.Model,
		BaseURL: cfg.AI.BaseURL,
		Timeout: cfg.AI.Timeout,
		Breaker: model.CircuitBreakerConfig{
			MaxFailures:  uint32(cfg.AI.MaxFailures),
			ResetTimeout: cfg.AI.ResetTimeout,
		},
	}, logger)
	rt := router.New(router.Options{
		Rooms:           rooms,
		Generator:       generator,
		Files:           syncer,
		Logger:          logger,
		GenerateTimeout: cfg.AI.Timeout,
	})

	msgBus, err := openBus(cfg.Bus)
	if err != nil {
		return err
	}
	if msgBus != nil {
		defer msgBus.Close()
		bridge := room.NewBusBridge(msgBus, rooms, logger)
		bridge.OnRemote(func(roomID string, env room.Envelope) {
			rt.ApplyRemote(ctx, roomID, env)
		})
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("start room bridge: %w", err)
		}
		defer bridge.Stop()
		logger.Info(logging.CategoryBus, "bridge_started", "room fan-out over nats", map[string]any{
			"url":  cfg.Bus.URL,
			"node": bridge.NodeID(),
		})
	}

	server := api.NewServer(api.Config{
		BindAddress:       cfg.Server.Bind,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MaxConnections:    cfg.Server.MaxConnections,
		MessagesPerSecond: cfg.Server.MessagesPerSecond,
		MessageBurst:      cfg.Server.MessageBurst,
		ReadLimitBytes:    cfg.Server.ReadLimitBytes,
		PublicMetrics:     cfg.Server.PublicMetrics,
		CookieSecure:      cfg.Auth.CookieSecure,
	}, api.Deps{
		Store:     store,
		Tokens:    tokens,
		Syncer:    syncer,
		Rooms:     rooms,
		Router:    rt,
		Generator: generator,
		Logger:    logger,
	})

	logger.Info(logging.CategoryConfig, "server_starting", "zenspace listening", map[string]any{
		"bind":    cfg.Server.Bind,
		"model":   cfg.AI.Model,
		"bus":     cfg.Bus.Backend,
		"version": version,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return server.RunRevocationCleanup(gctx, revocationSweepInterval) })
	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := rt.Wait(drainCtx); err != nil {
		logger.Warn(logging.CategoryModel, "drain_timeout", "generation requests still running at shutdown", map[string]any{"error": err.Error()})
	}
	if err := syncer.Close(drainCtx); err != nil {
		logger.Error(logging.CategoryPersistence, "flush_failed", "pending edits not saved at shutdown", map[string]any{"error": err.Error()})
	}
	logger.Info(logging.CategoryConfig, "server_stopped", "zenspace stopped", nil)
	return runErr
}

// openBus returns nil for the in-process backend; rooms then need no bridge.
func openBus(cfg config.BusConfig) (bus.MessageBus, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "nats":
		busCfg := bus.DefaultConfig()
		busCfg.URL = cfg.URL
		if cfg.Name != "" {
			busCfg.Name = cfg.Name
		}
		b, err := bus.NewNATSBus(busCfg)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		return b, nil
	default:
		return nil, nil
	}
}

func runMigrateCommand(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitConfig)
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	// Opening the store applies the schema.
	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("migrate %s: %w", cfg.Storage.Path, err)
	}
	if err := store.Close(); err != nil {
		return err
	}
	fmt.Printf("Database ready at %s\n", cfg.Storage.Path)
	return nil
}

func runConfigCommand(args []string) error {
	if len(args) == 0 {
		return withExitCode(errors.New("usage: zenspace config check|show [--config path]"), exitConfig)
	}
	sub := args[0]
	fs := flag.NewFlagSet("config "+sub, flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file")
	if err := fs.Parse(args[1:]); err != nil {
		return withExitCode(err, exitConfig)
	}

	switch sub {
	case "check":
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		for _, warning := range cfg.ValidationWarnings() {
			fmt.Printf("warning: %s\n", warning)
		}
		fmt.Println("config ok")
		return nil
	case "show":
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	default:
		return withExitCode(fmt.Errorf("unknown config subcommand %q", sub), exitConfig)
	}
}
