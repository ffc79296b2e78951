package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/fundi/internal/config"
	"github.com/jkaninda/fundi/internal/sandbox"
	"github.com/jkaninda/fundi/internal/workspace"
	goutils "github.com/jkaninda/go-utils"
)

var (
	wsConfigPath string
	wsSweepAge   int
)

var workspacesCmd = &cobra.Command{
	Use:   "workspaces",
	Short: "Inspect and clean up run workspaces",
}

var workspacesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces on disk",
	RunE:  runWorkspacesList,
}

var workspacesSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove workspaces older than the configured age",
	RunE:  runWorkspacesSweep,
}

func init() {
	workspacesCmd.PersistentFlags().StringVar(&wsConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	workspacesSweepCmd.Flags().IntVar(&wsSweepAge, "max-age-hours", 0, "override the configured max age")
	workspacesCmd.AddCommand(workspacesListCmd, workspacesSweepCmd)
}

// workspaceManager builds a Manager for offline inspection. Sweeping and
// listing never execute anything, so a quiet logger and a default runtime
// are enough.
func workspaceManager() (*workspace.Manager, *config.Config, error) {
	cfg, err := config.Load(goutils.Env("FUNDI_CONFIG", wsConfigPath))
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runtime := sandbox.NewApptainerRuntime(sandbox.ApptainerConfig{
		Binary: cfg.Sandbox.ResolvedBinary(),
	}, logger)
	m := workspace.NewManager(cfg.Workspace.ResolvedBaseDir(), runtime, logger).
		WithSnapshotSource(cfg.Workspace.ResolvedSnapshotSource())
	return m, cfg, nil
}

func runWorkspacesList(_ *cobra.Command, _ []string) error {
	m, _, err := workspaceManager()
	if err != nil {
		return err
	}

	infos, err := m.List()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no workspaces")
		return nil
	}

	for _, info := range infos {
		fmt.Printf("%s\t%s\t%s\t%s\n",
			info.WorkspaceID,
			info.InstanceID,
			info.ModelName,
			info.CreatedAt.UTC().Format(time.RFC3339),
		)
	}
	return nil
}

func runWorkspacesSweep(_ *cobra.Command, _ []string) error {
	m, cfg, err := workspaceManager()
	if err != nil {
		return err
	}

	maxAge := cfg.Workspace.MaxAge()
	if wsSweepAge > 0 {
		maxAge = time.Duration(wsSweepAge) * time.Hour
	}

	removed, failed := m.SweepOlderThan(maxAge)
	fmt.Printf("swept %d workspaces (max age %s)\n", len(removed), maxAge)
	for _, dir := range removed {
		fmt.Printf("removed %s\n", dir)
	}
	for _, dir := range failed {
		fmt.Printf("failed %s\n", dir)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d workspaces could not be removed", len(failed))
	}
	return nil
}
