package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/PROCEED-Labs/proceed-native/internal/api"
	"github.com/PROCEED-Labs/proceed-native/internal/capability"
	"github.com/PROCEED-Labs/proceed-native/internal/config"
	"github.com/PROCEED-Labs/proceed-native/internal/discovery"
	"github.com/PROCEED-Labs/proceed-native/internal/listener"
	"github.com/PROCEED-Labs/proceed-native/internal/messaging"
	"github.com/PROCEED-Labs/proceed-native/internal/model"
	"github.com/PROCEED-Labs/proceed-native/internal/native"
	"github.com/PROCEED-Labs/proceed-native/internal/store"
	"github.com/PROCEED-Labs/proceed-native/internal/supervisor"
)

const runnerDrainTimeout = 5 * time.Second

type serveFlags struct {
	listenAddr      string
	callbackAddr    string
	callbackBackend string
	dbPath          string
	engineCmd       string
	logLevel        string
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve native commands to the engine and supervise script runners",
		Long: `serve talks to the engine over its stdin and stdout, or over the stdio
of an engine child process when --engine is given. The admin API and the
runner callback listener are served on their own addresses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if path, _ := cmd.Flags().GetString("config"); path != "" {
				cfg, err = config.LoadFrom(path)
			}
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			f.apply(cmd, &cfg)
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&f.listenAddr, "listen", "", "admin and ingress API address")
	cmd.Flags().StringVar(&f.callbackAddr, "callback-addr", "", "runner callback listener address")
	cmd.Flags().StringVar(&f.callbackBackend, "callback-backend", "", "callback routing: direct or shared")
	cmd.Flags().StringVar(&f.dbPath, "db", "", "SQLite database path")
	cmd.Flags().StringVar(&f.engineCmd, "engine", "", "engine command line to spawn instead of using stdio")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

// apply overrides cfg with the flags given on the command line.
func (f *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.ListenAddr = f.listenAddr
	}
	if flags.Changed("callback-addr") {
		cfg.CallbackAddr = f.callbackAddr
	}
	if flags.Changed("callback-backend") {
		cfg.CallbackBackend = f.callbackBackend
	}
	if flags.Changed("db") {
		cfg.DBPath = f.dbPath
	}
	if flags.Changed("engine") {
		cfg.EngineCmd = f.engineCmd
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = config.ParseLogLevel(f.logLevel)
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	// Stdout may carry the engine channel, so logs go to stderr.
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	logger.Info("proceed-native: starting",
		"listen_addr", cfg.ListenAddr,
		"callback_addr", cfg.CallbackAddr,
		"callback_backend", cfg.CallbackBackend,
		"db_path", cfg.DBPath,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	backend, err := listener.ParseBackend(cfg.CallbackBackend)
	if err != nil {
		return err
	}
	cb, err := listener.Listen(cfg.CallbackAddr, backend, capability.DefaultTable(), logger)
	if err != nil {
		return err
	}

	services := capability.NewServices()
	services.Register("network", capability.NewNetwork(nil))

	var pub *messaging.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		pub, err = messaging.NewPublisher(messaging.Config{Brokers: cfg.KafkaBrokers, DefaultTopic: cfg.KafkaTopic})
		if err != nil {
			return fmt.Errorf("messaging: %w", err)
		}
		defer pub.Close()
		services.Register("messaging", messaging.NewService(pub))
	}

	spawner, err := supervisor.NewSelfSpawner(cfg.RunnerMemoryMB)
	if err != nil {
		return err
	}
	sup := supervisor.New(supervisor.Options{
		Spawner:        spawner,
		Callback:       cb,
		Services:       services,
		Logger:         logger,
		History:        db,
		ForwardTimeout: cfg.ForwardTimeout,
	})

	port, err := discovery.PortOf(cfg.ListenAddr)
	if err != nil {
		logger.Warn("no port to advertise", "listen_addr", cfg.ListenAddr, "error", err)
	}
	disc := discovery.NewModule(discovery.Options{
		Service: cfg.DiscoveryService,
		Port:    port,
		Logger:  logger,
	})
	defer disc.Close()

	reg := native.NewRegistry(logger)
	reg.Register(disc)
	reg.Register(store.NewDurableModule(db))
	reg.Register(messaging.NewModule(pub))
	reg.Register(supervisor.NewModule(sup))
	if err := reg.Require(native.RequiredCommands...); err != nil {
		return err
	}
	logger.Info("native modules registered",
		"commands", reg.Commands(),
		"script_services", services.Names(),
	)

	transport, engine, err := openTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Go(func() {
		logger.Info("callback listener", "addr", cb.Addr().String(), "backend", backend.Name())
		if err := cb.Serve(ctx, sup); err != nil {
			errCh <- fmt.Errorf("callback listener: %w", err)
		}
	})
	wg.Go(func() {
		if err := api.NewServer(cfg.ListenAddr, db, sup, logger).Run(ctx); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	})

	// The host loop is not waited for: a blocked read on stdin cannot be
	// interrupted.
	hostDone := make(chan error, 1)
	go func() {
		hostDone <- native.NewHost(reg, logger).Serve(ctx, transport)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-hostDone:
		if err != nil {
			runErr = err
		}
		logger.Info("engine channel closed, shutting down")
	case runErr = <-errCh:
	}
	cancel()

	stopRunners(sup, logger)
	wg.Wait()
	if err := transport.Close(); err != nil {
		logger.Debug("close engine transport", "error", err)
	}
	if engine != nil {
		if err := engine.Wait(); err != nil {
			logger.Debug("engine exited", "error", err)
		}
	}

	logger.Info("proceed-native: stopped")
	return runErr
}

// openTransport returns the engine channel: the stdio of a spawned engine
// when one is configured, otherwise this process's own stdio.
func openTransport(ctx context.Context, cfg config.Config, logger *slog.Logger) (native.Transport, *exec.Cmd, error) {
	if cfg.EngineCmd == "" {
		return native.NewStreamTransport(os.Stdin, os.Stdout), nil, nil
	}
	t, cmd, err := native.SpawnEngine(ctx, strings.Fields(cfg.EngineCmd), logger)
	if err != nil {
		return nil, nil, err
	}
	return t, cmd, nil
}

// stopRunners kills every live runner and waits briefly for their exits to
// be recorded.
func stopRunners(sup *supervisor.Supervisor, logger *slog.Logger) {
	all := model.ExecutionKey{
		ProcessID:         model.Wildcard,
		ProcessInstanceID: model.Wildcard,
		ScriptID:          model.Wildcard,
	}
	if err := sup.Stop(all); err != nil {
		logger.Error("stop runners", "error", err)
	}

	done := make(chan struct{})
	go func() {
		sup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(runnerDrainTimeout):
		logger.Warn("runners still exiting after shutdown timeout")
	}
}
