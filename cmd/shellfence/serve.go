package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/shellfence/internal/audit"
	"github.com/jkaninda/shellfence/internal/config"
	"github.com/jkaninda/shellfence/internal/executor"
	"github.com/jkaninda/shellfence/internal/history"
	"github.com/jkaninda/shellfence/internal/httpapi"
	"github.com/jkaninda/shellfence/internal/observability"
	"github.com/jkaninda/shellfence/internal/policy"
	"github.com/jkaninda/shellfence/internal/process"
	"github.com/jkaninda/shellfence/internal/ratelimit"
	"github.com/jkaninda/shellfence/internal/server"
	"github.com/jkaninda/shellfence/internal/workspace"
)

var (
	serveConfigPath string
	serveDebug      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP stdio server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `shellfence --config path` and `shellfence serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug logging")
	}
}

// runServe wires the engine together and serves MCP on stdio. Logs go to
// stderr: stdout belongs to the MCP transport.
func runServe(_ *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if serveDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	cfg, err := config.Load(goutils.Env("SHELLFENCE_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	var ws *workspace.Workspace
	if cfg.Workspace != "" {
		ws, err = workspace.New(cfg.Workspace)
	} else {
		ws, err = workspace.Default()
	}
	if err != nil {
		return err
	}

	pol := policy.New(cfg.AllowedCommands(), cfg.AllowedPatterns(), logger)
	if pol.Empty() {
		logger.Warn("no commands allowed, every execution will be rejected")
	}

	supOpts := []process.Option{}
	if cfg.Execution.Shell != "" {
		supOpts = append(supOpts, process.WithShell(cfg.Execution.Shell))
	}
	if cfg.Execution.NonInteractive {
		supOpts = append(supOpts, process.WithInteractive(false))
	}
	if cfg.Execution.MaxOutputBytes > 0 {
		supOpts = append(supOpts, process.WithMaxOutputBytes(cfg.Execution.MaxOutputBytes))
	}
	sup := process.NewSupervisor(logger, supOpts...)
	stopSignals := sup.HandleSignals()
	defer stopSignals()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	execOpts := []executor.Option{
		executor.WithDefaultTimeout(cfg.Execution.DefaultTimeout()),
	}

	// Audit trail.
	if cfg.Audit != nil && cfg.Audit.Enabled {
		path := cfg.Audit.Path
		if path == "" {
			path = ws.AuditPath()
		}
		auditLog, auditErr := audit.NewLogger(path, logger)
		if auditErr != nil {
			return auditErr
		}
		defer auditLog.Close()
		execOpts = append(execOpts, executor.WithAudit(auditLog))
		logger.Info("audit trail enabled", slog.String("path", path))
	}

	// Execution history.
	var hist *history.Store
	if cfg.History != nil {
		histCfg := *cfg.History
		if histCfg.Path == "" {
			histCfg.Path = ws.HistoryDBPath()
		}
		hist, err = history.Open(histCfg, logger)
		if err != nil {
			return err
		}
		defer hist.Close()
		stopRetention := hist.StartRetention(ctx)
		defer stopRetention()
		execOpts = append(execOpts, executor.WithHistory(hist))
	}

	// Rate limiting.
	if cfg.RateLimit != nil {
		execOpts = append(execOpts, executor.WithRateLimiter(ratelimit.NewLimiter(*cfg.RateLimit)))
	}

	// Metrics and tracing.
	var metrics *observability.MetricsCollector
	if cfg.Observability.MetricsEnabled() {
		metrics = observability.NewMetricsCollector()
		execOpts = append(execOpts, executor.WithMetrics(metrics))
	}
	var tracingCfg *observability.TracingConfig
	if cfg.Observability != nil {
		tracingCfg = cfg.Observability.Tracing
	}
	tracing, err := observability.NewTracerSetup(tracingCfg)
	if err != nil {
		return err
	}
	if tracing != nil {
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if shutdownErr := tracing.Shutdown(shutdownCtx); shutdownErr != nil {
				logger.Warn("tracing shutdown", slog.String("error", shutdownErr.Error()))
			}
		}()
		execOpts = append(execOpts, executor.WithTracer(tracing.Tracer()))
	}

	exec := executor.New(pol, sup, logger, execOpts...)

	// Operational HTTP endpoints.
	if cfg.HTTP != nil && cfg.HTTP.Enabled {
		health := observability.NewHealthChecker(logger)
		if hist != nil {
			health.AddCheck("history", hist.Ping)
		}
		httpCfg := httpapi.Config{
			ListenAddr:    cfg.HTTP.ListenAddr(),
			APIKeys:       cfg.HTTP.APIKeys,
			MetricsPath:   cfg.Observability.MetricsPath(),
			HealthChecker: health,
		}
		if metrics != nil {
			httpCfg.MetricsRegistry = metrics.Registry
		}
		httpSrv := httpapi.NewServer(httpCfg, pol, hist, logger)
		go func() {
			if httpErr := httpSrv.Start(ctx); httpErr != nil {
				logger.Error("http server exited", slog.String("error", httpErr.Error()))
			}
		}()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if stopErr := httpSrv.Stop(stopCtx); stopErr != nil {
				logger.Warn("http server stop", slog.String("error", stopErr.Error()))
			}
		}()
	}

	logger.Info("shellfence starting",
		slog.String("version", version),
		slog.String("shell", sup.Shell()),
		slog.Int("allowed_commands", len(pol.AllowedCommands())),
	)

	return server.New(exec, pol, version, logger).Serve(ctx)
}
