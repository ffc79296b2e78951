// Package httpapi exposes a read-only status API over the run archive and
// workspace registry: run history, run detail, workspaces on disk, health
// probes, and Prometheus metrics. The mutating surface of the system is the
// CLI; this server exists for dashboards and operators.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/fundi/internal/observability"
	"github.com/jkaninda/fundi/internal/store"
	"github.com/jkaninda/fundi/internal/workspace"
)

// defaultRunListLimit caps GET /v1/runs.
const defaultRunListLimit = 100

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the status server.
type Config struct {
	ListenAddr string // e.g., ":8080"
	EnableDocs bool

	Metrics     *observability.MetricsCollector // Request counting and the /metrics registry.
	Tracer      trace.Tracer                    // OTel tracer for per-request spans.
	MetricsPath string                          // Path for metrics endpoint. Default: "/metrics".
}

// Server is the HTTP status server.
type Server struct {
	config     Config
	runs       *store.Store
	workspaces *workspace.Manager
	logger     *slog.Logger
	server     *http.Server
	okapi      *okapi.Okapi
}

// NewServer creates a status server. workspaces may be nil when only the
// run archive is served.
func NewServer(cfg Config, runs *store.Store, workspaces *workspace.Manager, logger *slog.Logger) *Server {
	return &Server{
		config:     cfg,
		runs:       runs,
		workspaces: workspaces,
		logger:     logger,
		okapi:      okapi.New(),
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	// Request counting and tracing, applied to every route.
	if s.config.Metrics != nil || s.config.Tracer != nil {
		s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(s.config.Metrics, s.config.Tracer, next)
		})
	}

	group := s.okapi.Group("/v1")

	group.Get("/runs", s.handleRunList,
		okapi.DocSummary("List archived runs, newest first"),
		okapi.DocTags("Runs"),
		okapi.DocResponse([]RunResponse{}),
	)
	group.Get("/runs/{id}", s.handleRunGet,
		okapi.DocSummary("Get one run by ID"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse(RunResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	group.Get("/workspaces", s.handleWorkspaceList,
		okapi.DocSummary("List workspaces on disk"),
		okapi.DocTags("Workspaces"),
		okapi.DocResponse([]WorkspaceResponse{}),
	)

	// Observability endpoints (unauthenticated).
	s.okapi.Get("/healthz", s.handleLiveness)

	if s.config.Metrics != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.okapi.HandleStd("GET", path, promhttp.HandlerFor(s.config.Metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if s.config.EnableDocs {
		s.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "Fundi",
			Version: "v0.1.0",
		})
	}

	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("status server starting", slog.String("addr", s.config.ListenAddr))
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(_ context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("status server stopping")
	return s.okapi.Shutdown(s.server)
}

// --- Handlers ---

// RunResponse is the JSON shape of one archived run.
type RunResponse struct {
	ID           string `json:"id"`
	InstanceID   string `json:"instance_id"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	State        string `json:"state"`
	Reason       string `json:"reason,omitempty"`
	Steps        int    `json:"steps"`
	Retries      int    `json:"retries"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	DurationMS   int64  `json:"duration_ms"`
	WorkspaceDir string `json:"workspace_dir,omitempty"`
	PatchPath    string `json:"patch_path,omitempty"`
	CreatedAt    string `json:"created_at"`
}

func toRunResponse(rec *store.RunRecord) RunResponse {
	return RunResponse{
		ID:           rec.ID.String(),
		InstanceID:   rec.InstanceID,
		Model:        rec.Model,
		Provider:     rec.Provider,
		State:        rec.State,
		Reason:       rec.Reason,
		Steps:        rec.Steps,
		Retries:      rec.Retries,
		InputTokens:  rec.InputTokens,
		OutputTokens: rec.OutputTokens,
		DurationMS:   rec.Duration.Milliseconds(),
		WorkspaceDir: rec.WorkspaceDir,
		PatchPath:    rec.PatchPath,
		CreatedAt:    rec.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleRunList(c *okapi.Context) error {
	records, err := s.runs.ListRuns(c.Context(), store.ListFilter{Limit: defaultRunListLimit})
	if err != nil {
		s.logger.Error("listing runs", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing runs failed")
	}

	out := make([]RunResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toRunResponse(rec))
	}
	return c.OK(out)
}

func (s *Server) handleRunGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}

	rec, err := s.runs.GetRun(c.Context(), id)
	if err != nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "run not found"})
	}
	return c.OK(toRunResponse(rec))
}

// WorkspaceResponse is the JSON shape of one on-disk workspace.
type WorkspaceResponse struct {
	WorkspaceID string `json:"workspace_id"`
	InstanceID  string `json:"instance_id"`
	Model       string `json:"model"`
	ImageRef    string `json:"image_ref,omitempty"`
	Dir         string `json:"dir"`
	CreatedAt   string `json:"created_at"`
}

func (s *Server) handleWorkspaceList(c *okapi.Context) error {
	if s.workspaces == nil {
		return c.OK([]WorkspaceResponse{})
	}

	infos, err := s.workspaces.List()
	if err != nil {
		s.logger.Error("listing workspaces", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing workspaces failed")
	}

	out := make([]WorkspaceResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, WorkspaceResponse{
			WorkspaceID: info.WorkspaceID,
			InstanceID:  info.InstanceID,
			Model:       info.ModelName,
			ImageRef:    info.ImageRef,
			Dir:         info.Dir,
			CreatedAt:   info.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return c.OK(out)
}

// HealthResponse is the liveness probe payload.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}
