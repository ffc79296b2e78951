package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/fundi/internal/config"
	"github.com/jkaninda/fundi/internal/httpapi"
	"github.com/jkaninda/fundi/internal/workspace"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	serveAddr       string
	serveDocs       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the status server and workspace janitor",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
	serveCmd.Flags().BoolVar(&serveDocs, "docs", false, "serve OpenAPI docs")
}

// runServe runs the read-only status API plus the scheduled workspace sweep.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := config.Load(goutils.Env("FUNDI_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Janitor: sweep old workspaces on the configured cron schedule.
	janitor := workspace.NewJanitor(sc.Workspaces, cfg.Workspace.Schedule(), cfg.Workspace.MaxAge(), logger)
	if m := sc.Obs.MetricsOrNil(); m != nil {
		janitor = janitor.WithSweptCounter(m.WorkspacesSwept)
	}
	stopJanitor, err := janitor.Start(ctx)
	if err != nil {
		return err
	}
	defer stopJanitor()

	addr := cfg.Server.ListenAddr()
	if serveAddr != "" {
		addr = serveAddr
	}

	metrics := sc.Obs.MetricsOrNil()
	metricsPath := ""
	if metrics != nil && cfg.Observability != nil && cfg.Observability.Metrics != nil {
		metricsPath = cfg.Observability.Metrics.Path
	}
	var tracer trace.Tracer
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		tracer = ts.Tracer()
	}

	server := httpapi.NewServer(httpapi.Config{
		ListenAddr:  addr,
		EnableDocs:  serveDocs,
		Metrics:     metrics,
		Tracer:      tracer,
		MetricsPath: metricsPath,
	}, sc.Store, sc.Workspaces, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("stopping status server", slog.String("error", err.Error()))
	}
	return nil
}
