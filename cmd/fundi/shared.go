package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/fundi/internal/config"
	"github.com/jkaninda/fundi/internal/llm"
	"github.com/jkaninda/fundi/internal/llm/anthropic"
	"github.com/jkaninda/fundi/internal/llm/openai"
	"github.com/jkaninda/fundi/internal/observability"
	"github.com/jkaninda/fundi/internal/sandbox"
	"github.com/jkaninda/fundi/internal/store"
	"github.com/jkaninda/fundi/internal/workspace"
)

const defaultSystemPrompt = `You are a software engineer working on a task in a sandboxed repository.
The repository is checked out at /testbed, which is your working directory.

Work methodically: reproduce the problem first, locate the relevant code,
make the smallest change that fixes it, and verify with the repository's own
tests. Use run_command for shell commands and the file tools to read and
edit files. Command output is capped, so prefer targeted commands over
dumping large files.

When the fix is complete and verified, call submit to capture your changes
as the final patch. Submit exactly once.`

// SharedComponents holds the subsystems every command mode needs. Built
// once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config     *config.Config
	Logger     *slog.Logger
	Obs        *observability.Observability
	Store      *store.Store
	Runtime    *sandbox.ApptainerRuntime
	Workspaces *workspace.Manager

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// initShared performs the common initialization shared by run and serve
// modes. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})

	// Run archive.
	st, err := store.Open(store.Config{Path: cfg.DatabasePath()}, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("opening run store: %w", err)
	}
	sc.Store = st
	sc.addCleanup(func() {
		if err := st.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := st.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// Sandbox runtime.
	sc.Runtime = sandbox.NewApptainerRuntime(sandbox.ApptainerConfig{
		Binary:         cfg.Sandbox.ResolvedBinary(),
		DefaultTimeout: cfg.Sandbox.Timeout(),
		MaxOutputBytes: cfg.Sandbox.OutputCap(),
		CopyTimeout:    cfg.Sandbox.CopyTimeout(),
	}, logger)

	// Workspace manager.
	sc.Workspaces = workspace.NewManager(cfg.Workspace.ResolvedBaseDir(), sc.Runtime, logger).
		WithSnapshotSource(cfg.Workspace.ResolvedSnapshotSource())

	return sc, nil
}

// newProvider builds the model provider, with a fallback chain when
// configured.
func newProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	primary, err := buildProvider(&cfg.Model, logger)
	if err != nil {
		return nil, err
	}

	if len(cfg.Model.Fallbacks) > 0 {
		providers := []llm.Provider{primary}
		for i := range cfg.Model.Fallbacks {
			fb, err := buildProvider(&cfg.Model.Fallbacks[i], logger)
			if err != nil {
				logger.Warn("skipping fallback provider",
					slog.String("model", cfg.Model.Fallbacks[i].Name),
					slog.String("error", err.Error()),
				)
				continue
			}
			providers = append(providers, fb)
		}
		if len(providers) > 1 {
			return llm.NewFallbackProvider(providers, logger), nil
		}
	}

	return primary, nil
}

// buildProvider creates a single provider from one model block.
func buildProvider(mc *config.ModelConfig, logger *slog.Logger) (llm.Provider, error) {
	switch mc.ResolvedProvider() {
	case "openai":
		var opts []openai.Option
		if mc.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(mc.BaseURL))
		}
		return openai.NewClient(mc.APIKey, mc.Name, logger, opts...), nil
	case "anthropic":
		var opts []anthropic.Option
		if mc.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(mc.BaseURL))
		}
		return anthropic.NewClient(mc.APIKey, mc.Name, logger, opts...), nil
	default:
		return nil, fmt.Errorf("unknown model provider: %s", mc.Provider)
	}
}

// systemPrompt returns the configured or built-in agent instructions.
func systemPrompt(cfg *config.Config) string {
	if cfg.Model.SystemPrompt != "" {
		return cfg.Model.SystemPrompt
	}
	return defaultSystemPrompt
}
