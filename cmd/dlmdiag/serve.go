package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dlmdiag/internal/config"
	"dlmdiag/internal/gateway"
	"dlmdiag/internal/ledger"
	"dlmdiag/internal/mcpserver"
	"dlmdiag/internal/pwsh"
	"dlmdiag/internal/security"
	"dlmdiag/internal/tool"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio (default)",
		Long: `Starts the MCP server on stdin/stdout and bootstraps the PowerShell session in
the background. Tools are listed immediately; commands fail with "not initialized"
until the session is ready. Logs go to stderr.`,
		RunE: runServe,
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// sessionConfig maps the file config onto the session manager.
func sessionConfig(sc config.SessionConfig) pwsh.Config {
	cfg := pwsh.DefaultConfig()
	cfg.Shell = sc.Shell
	cfg.Principal = sc.Principal
	cfg.Organization = sc.Organization
	cfg.Modules = sc.Modules
	cfg.TokenScope = sc.TokenScope
	cfg.ComplianceCmdlets = security.ComplianceCmdlets
	cfg.ReadyTimeout = seconds(sc.ReadyTimeout)
	cfg.ImportTimeout = seconds(sc.ImportTimeout)
	cfg.TokenTimeout = seconds(sc.TokenTimeout)
	cfg.ConnectTimeout = seconds(sc.ConnectTimeout)
	cfg.CommandTimeout = seconds(sc.CommandTimeout)
	cfg.ResyncTimeout = seconds(sc.ResyncTimeout)
	cfg.MaxOutputBytes = sc.MaxOutputBytes
	return cfg
}

func newBootstrapper(sc config.SessionConfig) *pwsh.Bootstrapper {
	b := pwsh.NewBootstrapper(sc.Shell, logger)
	if sc.AppID != "" {
		b.AppID = sc.AppID
	}
	if sc.RedirectURI != "" {
		b.RedirectURI = sc.RedirectURI
	}
	if len(sc.Modules) > 0 {
		b.Module = sc.Modules[0]
	}
	return b
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return err
	}

	l, closeLog, err := newLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = l

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	execLog := ledger.New(logger)
	var audit security.AuditLogger
	if cfg.Ledger.Persist {
		store, err := ledger.NewSQLiteStore(cfg.Ledger.DBPath, logger)
		if err != nil {
			logger.Warn("ledger persistence disabled", "path", cfg.Ledger.DBPath, "err", err)
		} else {
			defer store.Close()
			host, _ := os.Hostname()
			runID, err := store.StartRun(ctx, host, cfg.Session.Organization, cfg.Session.Principal)
			if err != nil {
				logger.Warn("ledger persistence disabled", "err", err)
			} else {
				execLog.WithSink(store.Sink(runID))
				audit = store
				logger.Info("ledger run started", "run", runID, "db", cfg.Ledger.DBPath)
			}
		}
	}

	policy := security.NewEngine(audit, logger)
	session := pwsh.NewManager(sessionConfig(cfg.Session), nil, newBootstrapper(cfg.Session), logger)
	gw := gateway.New(session, policy, execLog, seconds(cfg.Session.CommandTimeout), logger)

	reg := tool.NewRegistry(logger)
	if err := reg.Register(
		tool.NewRunPowerShellTool(gw),
		tool.NewExecutionLogTool(execLog),
		tool.NewValidateCommandTool(),
		tool.NewSessionStatusTool(session, execLog),
	); err != nil {
		return err
	}

	srv, err := mcpserver.New(cfg.Server.Name, cfg.Server.Version, reg, logger)
	if err != nil {
		return err
	}

	// The host answers tool discovery while the session connects.
	stopSession := startInBackground(ctx, session, cfg.Session.Organization)

	serveErr := srv.Serve(ctx, os.Stdin, os.Stdout)
	if serveErr == nil && ctx.Err() == nil {
		logger.Info("stdin closed, shutting down")
	}

	if err := stopSession(shutdownTimeout); err != nil {
		logger.Warn("session shutdown", "err", err)
	}
	logger.Info("stopped", "commands", execLog.Count(), "failures", execLog.Failures())

	if serveErr != nil {
		return fmt.Errorf("serve: %w", serveErr)
	}
	return nil
}

// sessionRunner is the part of the session manager that serve drives.
type sessionRunner interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// startInBackground bootstraps the session on its own goroutine. The returned
// stop cancels a bootstrap still in flight, waits for it to return, and shuts
// the session down, all within timeout.
func startInBackground(ctx context.Context, session sessionRunner, org string) (stop func(timeout time.Duration) error) {
	startCtx, cancelStart := context.WithCancel(ctx)
	started := make(chan struct{})
	go func() {
		defer close(started)
		if err := session.Start(startCtx); err != nil {
			logger.Error("session bootstrap failed; run_powershell will report not initialized", "err", err)
			return
		}
		logger.Info("session ready", "organization", org)
	}()

	return func(timeout time.Duration) error {
		cancelStart()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		select {
		case <-started:
		case <-shutdownCtx.Done():
			logger.Warn("session bootstrap still running at shutdown")
		}
		return session.Shutdown(shutdownCtx)
	}
}
