package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jkaninda/fundi/internal/broker"
	"github.com/jkaninda/fundi/internal/config"
	"github.com/jkaninda/fundi/internal/filebridge"
	"github.com/jkaninda/fundi/internal/loop"
	"github.com/jkaninda/fundi/internal/runlog"
	"github.com/jkaninda/fundi/internal/sandbox"
	"github.com/jkaninda/fundi/internal/store"
	goutils "github.com/jkaninda/go-utils"
)

var (
	runConfigPath    string
	runInstanceID    string
	runImagePath     string
	runTask          string
	runTaskFile      string
	runKeepWorkspace bool
)

// outputsMountPoint is where the workspace outputs directory appears inside
// the sandbox, so agent commands can write artifacts that survive the run.
const outputsMountPoint = "/outputs"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent against one task instance",
	RunE:  runAgent,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	runCmd.Flags().StringVar(&runInstanceID, "instance", "", "task instance ID (e.g. astropy__astropy-12907)")
	runCmd.Flags().StringVar(&runImagePath, "image", "", "container image path (.sif), overrides config")
	runCmd.Flags().StringVar(&runTask, "task", "", "problem statement text")
	runCmd.Flags().StringVar(&runTaskFile, "task-file", "", "file containing the problem statement")
	runCmd.Flags().BoolVar(&runKeepWorkspace, "keep-workspace", false, "keep the workspace after the run")
	_ = runCmd.MarkFlagRequired("instance")
}

func runAgent(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := config.Load(goutils.Env("FUNDI_CONFIG", runConfigPath))
	if err != nil {
		return err
	}
	if runImagePath != "" {
		cfg.Sandbox.ImagePath = runImagePath
	}
	if cfg.Sandbox.ImagePath == "" {
		return fmt.Errorf("no container image: set sandbox.image_path, FUNDI_IMAGE, or --image")
	}

	task, err := loadTask()
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	provider, err := newProvider(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Workspace: snapshot the task repository out of the image.
	ws, err := sc.Workspaces.Create(ctx, runInstanceID, cfg.Model.Name, cfg.Sandbox.ImagePath)
	if err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		m.WorkspacesCreated.Inc()
	}
	logger.Info("workspace created",
		slog.String("workspace", ws.WorkspaceID),
		slog.String("testbed", ws.TestbedDir),
	)

	// Run log: every command and file-bridge call, one JSON line each.
	sink, err := runlog.Open(filepath.Join(ws.OutputsDir, "run.jsonl"))
	if err != nil {
		return fmt.Errorf("opening run log: %w", err)
	}
	defer sink.Close()

	var registry *prometheus.Registry
	if m := sc.Obs.MetricsOrNil(); m != nil {
		registry = m.Registry
	}
	cmdBroker := broker.New(sc.Runtime, sink, broker.NewMetrics(registry), logger)

	runCtx := &broker.RunContext{
		ImagePath: cfg.Sandbox.ImagePath,
		Mounts: sandbox.ResolveMounts(
			[]sandbox.Mount{
				{HostPath: ws.TestbedDir, ContainerPath: cfg.Sandbox.ResolvedWorkingDir()},
				{HostPath: ws.OutputsDir, ContainerPath: outputsMountPoint},
			},
			extraMounts(cfg),
		),
		WorkingDir:      cfg.Sandbox.ResolvedWorkingDir(),
		Env:             cfg.Security.ExpandedEnv(),
		BlockedPatterns: cfg.Security.Blocklist(),
		Timeout:         cfg.Sandbox.Timeout(),
		MaxOutputBytes:  cfg.Sandbox.OutputCap(),
	}

	// File bridge: MCP filesystem server scoped to the testbed copy.
	bridgeCfg := filebridge.DefaultConfig()
	if fs := cfg.FileServer; fs != nil {
		bridgeCfg = filebridge.Config{Command: fs.Command, Args: fs.Args, Env: fs.Env}
	}
	bridge, err := filebridge.Connect(ctx, bridgeCfg, ws.TestbedDir, logger)
	if err != nil {
		return fmt.Errorf("starting file bridge: %w", err)
	}
	defer bridge.Close()

	agent := loop.New(
		provider,
		&loop.ShellExecutor{Broker: cmdBroker, Run: runCtx},
		&loop.FileExecutor{Bridge: bridge, Log: sink},
		&loop.SubmitExecutor{Broker: cmdBroker, Run: runCtx, OutputsDir: ws.OutputsDir},
		bridge.Tools(),
		loop.Config{
			SystemPrompt:         systemPrompt(cfg),
			MaxSteps:             cfg.Limits.Steps(),
			MaxRetries:           cfg.Limits.Retries(),
			Concurrency:          cfg.Limits.Parallelism(),
			RunBudget:            cfg.Limits.RunBudget(),
			UnavailableThreshold: cfg.Limits.SandboxFailureLimit(),
			MaxTokens:            cfg.Model.ResolvedMaxTokens(),
			Temperature:          cfg.Model.Temperature,
			Model:                cfg.Model.Name,
		},
		logger,
	).WithObservability(sc.Obs)

	result, runErr := agent.Run(ctx, task)

	patchPath := ""
	if result.State == loop.StateSubmitted {
		patchPath = filepath.Join(ws.OutputsDir, "submission.patch")
	}

	// Auto-cleanup runs on every terminal state, cancellation included. The
	// patch is moved under the data directory first so the archived record
	// never points into a removed workspace.
	if cfg.Workspace.AutoCleanup && !runKeepWorkspace {
		if patchPath != "" {
			kept, err := preservePatch(patchPath, cfg.ResolvedDataDir(), ws.WorkspaceID)
			if err != nil {
				logger.Warn("preserving patch failed", slog.String("error", err.Error()))
			} else {
				patchPath = kept
			}
		}
		if err := sc.Workspaces.Cleanup(ws.Dir); err != nil {
			logger.Warn("workspace cleanup failed", slog.String("error", err.Error()))
		}
	}

	// Archive the run whatever happened; the workspace outputs and the run
	// log survive independently of the database.
	rec := &store.RunRecord{
		InstanceID:   runInstanceID,
		Model:        cfg.Model.Name,
		Provider:     provider.Name(),
		State:        string(result.State),
		Reason:       result.Reason,
		Steps:        result.Steps,
		Retries:      result.Retries,
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		Duration:     result.Duration,
		WorkspaceDir: ws.Dir,
		PatchPath:    patchPath,
	}
	if err := sc.Store.SaveRun(context.Background(), rec); err != nil {
		logger.Error("archiving run", slog.String("error", err.Error()))
	}

	fmt.Printf("run %s: %s (%s) after %d steps, %s\n",
		rec.ID, result.State, result.Reason, result.Steps, result.Duration.Round(time.Millisecond))
	if rec.PatchPath != "" {
		fmt.Printf("patch: %s\n", rec.PatchPath)
	}

	if runErr != nil {
		return fmt.Errorf("run failed: %w", runErr)
	}
	if result.State != loop.StateSubmitted {
		return fmt.Errorf("run ended without submission: %s", result.Reason)
	}
	return nil
}

// preservePatch moves a submission patch out of a workspace that is about
// to be removed, into {dataDir}/patches/{workspaceID}.patch.
func preservePatch(src, dataDir, workspaceID string) (string, error) {
	dir := filepath.Join(dataDir, "patches")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(dir, workspaceID+".patch")
	if err := os.WriteFile(dest, data, 0640); err != nil {
		return "", err
	}
	return dest, nil
}

// loadTask resolves the problem statement from --task or --task-file.
func loadTask() (string, error) {
	if runTask != "" {
		return runTask, nil
	}
	if runTaskFile != "" {
		data, err := os.ReadFile(runTaskFile)
		if err != nil {
			return "", fmt.Errorf("reading task file: %w", err)
		}
		if strings.TrimSpace(string(data)) == "" {
			return "", fmt.Errorf("task file %s is empty", runTaskFile)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("no task: set --task or --task-file")
}

func extraMounts(cfg *config.Config) []sandbox.Mount {
	mounts := make([]sandbox.Mount, 0, len(cfg.Sandbox.ExtraMounts))
	for _, m := range cfg.Sandbox.ExtraMounts {
		mounts = append(mounts, sandbox.Mount{
			HostPath:      m.Host,
			ContainerPath: m.Container,
			ReadOnly:      m.ReadOnly,
		})
	}
	return mounts
}
