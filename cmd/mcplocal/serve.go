package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/mcplocal/internal/api"
	"github.com/mattjoyce/mcplocal/internal/audit"
	"github.com/mattjoyce/mcplocal/internal/bridge"
	"github.com/mattjoyce/mcplocal/internal/config"
	"github.com/mattjoyce/mcplocal/internal/console"
	"github.com/mattjoyce/mcplocal/internal/dispatch"
	"github.com/mattjoyce/mcplocal/internal/events"
	"github.com/mattjoyce/mcplocal/internal/lock"
	"github.com/mattjoyce/mcplocal/internal/log"
	"github.com/mattjoyce/mcplocal/internal/notes"
	"github.com/mattjoyce/mcplocal/internal/peer"
	"github.com/mattjoyce/mcplocal/internal/storage"
	"github.com/mattjoyce/mcplocal/internal/telemetry"
	"github.com/mattjoyce/mcplocal/internal/tool"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	pidFile := fs.String("pidfile", "", "Hold a PID lock at this path while serving")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logStartup(logger, "serve", cfg)

	release, ok := acquireLock(logger, *pidFile)
	if !ok {
		return 1
	}
	defer release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error("failed to set up telemetry", "error", err)
		return 1
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	reg, db, err := buildRegistry(ctx, cfg)
	if err != nil {
		logger.Error("failed to register tools", "error", err)
		return 1
	}
	if db != nil {
		defer db.Close()
	}

	auditLog := audit.Open(cfg.Audit.Path, audit.Options{
		MaxBytes:  cfg.Audit.MaxBytes,
		MaxString: cfg.Audit.MaxString,
	})
	defer func() {
		if n := auditLog.Dropped(); n > 0 {
			logger.Warn("audit events dropped", "count", n)
		}
		_ = auditLog.Close()
	}()

	disp, err := dispatch.New(cfg.Service.Name, reg, dispatch.WithAudit(auditLog))
	if err != nil {
		logger.Error("failed to create dispatcher", "error", err)
		return 1
	}
	logger.Info("serving on stdio", "tools", reg.Len(), "session_id", disp.SessionID(), "audit", cfg.Audit.Path)

	errCh := make(chan error, 1)
	go func() { errCh <- disp.Serve(ctx, os.Stdin, os.Stdout) }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("dispatch loop ended", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	logger.Info("mcplocal stopped")
	return 0
}

// buildRegistry installs the built-in tools and, when enabled, the notes
// tools. The returned database is nil unless notes are enabled.
func buildRegistry(ctx context.Context, cfg *config.Config) (*tool.Registry, *sql.DB, error) {
	reg := tool.NewRegistry()
	if err := tool.RegisterBuiltins(reg); err != nil {
		return nil, nil, err
	}
	if !cfg.Notes.Enabled {
		return reg, nil, nil
	}

	db, err := storage.OpenSQLite(ctx, cfg.Notes.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open notes database %s: %w", cfg.Notes.DBPath, err)
	}
	if err := notes.Register(reg, notes.NewStore(db)); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return reg, db, nil
}

func runBridge(args []string) int {
	fs := flag.NewFlagSet("bridge", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	peerName := fs.String("peer", "", "Peer to expose (default: bridge.peer, or the only configured peer)")
	listen := fs.String("listen", "", "Listen address (default: bridge.listen)")
	pidFile := fs.String("pidfile", "", "Hold a PID lock at this path while running")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	name := *peerName
	if name == "" {
		name = cfg.Bridge.Peer
	}
	if name == "" && len(cfg.Peers) == 1 {
		name = cfg.Peers[0].Name
	}
	pc, found := cfg.Peer(name)
	if !found {
		fmt.Fprintf(os.Stderr, "No peer to bridge: set --peer or bridge.peer (got %q)\n", name)
		return 1
	}
	if *listen == "" {
		*listen = cfg.Bridge.Listen
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logStartup(logger, "bridge", cfg)

	release, ok := acquireLock(logger, *pidFile)
	if !ok {
		return 1
	}
	defer release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error("failed to set up telemetry", "error", err)
		return 1
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	pool, err := peer.NewPool([]peer.Config{toPeerConfig(pc)})
	if err != nil {
		logger.Error("failed to create peer", "error", err)
		return 1
	}
	defer func() {
		pool.StopHealth()
		if err := pool.StopAll(context.Background()); err != nil {
			logger.Warn("peer did not stop cleanly", "error", err)
		}
	}()
	conn, _ := pool.Get(pc.Name)

	if pc.Autostart {
		if err := conn.Start(ctx); err != nil {
			// The first /rpc request retries the start.
			logger.Warn("peer autostart failed", "peer", pc.Name, "error", err)
		}
	}

	srv := api.New(api.Config{
		Listen:    *listen,
		AuthToken: cfg.Bridge.AuthToken,
	}, conn, log.WithComponent("api"))

	pool.OnHealth(func(r peer.HealthResult) {
		srv.Events().Publish(events.TypePeerHealth, healthEvent(r))
	})
	if cfg.Health.Schedule != "" {
		if err := pool.StartHealth(cfg.Health.Schedule); err != nil {
			logger.Error("failed to schedule health checks", "error", err)
			return 1
		}
	}

	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bridge server failed", "error", err)
		return 1
	}
	logger.Info("mcplocal bridge stopped")
	return 0
}

func healthEvent(r peer.HealthResult) map[string]any {
	ev := map[string]any{
		"peer":        r.Name,
		"state":       r.State.String(),
		"tools":       r.Tools,
		"duration_ms": r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		ev["error"] = r.Err.Error()
	}
	return ev
}

func runConsole(args []string) int {
	fs := flag.NewFlagSet("console", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	noLocal := fs.Bool("no-local", false, "Do not spawn the local tool server")
	verbose := fs.Bool("verbose", false, "Log at the configured level instead of warn")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	level := "warn"
	if *verbose {
		level = cfg.Service.LogLevel
	}
	log.Setup(level, cfg.Service.LogFormat)
	logger := log.WithComponent("console")

	worker := bridge.NewWorker()
	defer func() { _ = worker.Close(bridge.DefaultJoinTimeout) }()

	var local console.Peer
	if !*noLocal {
		lp, err := localServer(cfg, worker)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Local server unavailable: %v\n", err)
		} else {
			defer func() { _ = lp.Stop() }()
			if err := lp.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Local server did not start: %v\n", err)
			}
			local = lp
		}
	}

	pool, err := peer.NewPool(peerConfigs(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create peers: %v\n", err)
		return 1
	}
	defer func() {
		pool.StopHealth()
		_ = pool.StopAll(context.Background())
	}()

	peers := make([]console.Peer, 0, len(cfg.Peers))
	for _, name := range pool.Names() {
		conn, _ := pool.Get(name)
		sp := bridge.NewSyncPeer(conn, worker)
		if pc, _ := cfg.Peer(name); pc.Autostart {
			if err := sp.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Peer %s did not start: %v\n", name, err)
			}
		}
		peers = append(peers, sp)
	}
	if cfg.Health.Schedule != "" {
		if err := pool.StartHealth(cfg.Health.Schedule); err != nil {
			logger.Warn("health checks disabled", "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := console.New(local, peers, os.Stdout, console.NewDefaultTheme())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, os.Stdin) }()

	select {
	case err := <-done:
		if err != nil {
			fmt.Fprintf(os.Stderr, "Console error: %v\n", err)
			return 1
		}
	case <-ctx.Done():
		fmt.Fprintln(os.Stdout)
	}
	return 0
}

// localServer spawns this binary's serve command as a peer.
func localServer(cfg *config.Config, w *bridge.Worker) (*bridge.SyncPeer, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	args := []string{"serve"}
	if cfg.SourcePath != "" {
		args = append(args, "--config", cfg.SourcePath)
	}
	conn := peer.NewConn(peer.Config{
		Name:          "local",
		Command:       exe,
		Args:          args,
		ClientName:    "mcplocal-console",
		ClientVersion: currentVersionInfo().Version,
	})
	return bridge.NewSyncPeer(conn, w), nil
}

func logStartup(logger *slog.Logger, mode string, cfg *config.Config) {
	fingerprint, err := cfg.Fingerprint()
	if err != nil {
		logger.Warn("could not fingerprint config", "path", cfg.SourcePath, "error", err)
	}
	logger.Info("mcplocal starting",
		"mode", mode,
		"version", currentVersionInfo().Version,
		"config", cfg.SourcePath,
		"config_blake3", fingerprint,
	)
}

// acquireLock takes the PID lock when path is set. The release func is always
// safe to call.
func acquireLock(logger *slog.Logger, path string) (func(), bool) {
	if path == "" {
		return func() {}, true
	}
	l, err := lock.AcquirePIDLock(path)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", path, "error", err)
		return nil, false
	}
	logger.Info("acquired PID lock", "path", path)
	return func() { _ = l.Release() }, true
}
