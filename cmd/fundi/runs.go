package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/fundi/internal/config"
	"github.com/jkaninda/fundi/internal/store"
	goutils "github.com/jkaninda/go-utils"
)

var (
	runsConfigPath string
	runsState      string
	runsInstance   string
	runsLimit      int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect archived runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived runs, newest first",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one archived run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func init() {
	runsCmd.PersistentFlags().StringVar(&runsConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	runsListCmd.Flags().StringVar(&runsState, "state", "", "filter by terminal state")
	runsListCmd.Flags().StringVar(&runsInstance, "instance", "", "filter by instance ID")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 50, "maximum runs to list")
	runsCmd.AddCommand(runsListCmd, runsShowCmd)
}

func openRunStore() (*store.Store, error) {
	cfg, err := config.Load(goutils.Env("FUNDI_CONFIG", runsConfigPath))
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return store.Open(store.Config{Path: cfg.DatabasePath()}, logger)
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	st, err := openRunStore()
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := st.ListRuns(cmd.Context(), store.ListFilter{
		State:      runsState,
		InstanceID: runsInstance,
		Limit:      runsLimit,
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no runs")
		return nil
	}

	for _, rec := range records {
		fmt.Printf("%s\t%s\t%s\t%s\tsteps=%d\t%s\n",
			rec.ID,
			rec.InstanceID,
			rec.Model,
			rec.State,
			rec.Steps,
			rec.CreatedAt.UTC().Format(time.RFC3339),
		)
	}
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid run ID: %w", err)
	}

	st, err := openRunStore()
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := st.GetRun(cmd.Context(), id)
	if err != nil {
		return err
	}

	fmt.Printf("run:       %s\n", rec.ID)
	fmt.Printf("instance:  %s\n", rec.InstanceID)
	fmt.Printf("model:     %s (%s)\n", rec.Model, rec.Provider)
	fmt.Printf("state:     %s\n", rec.State)
	fmt.Printf("reason:    %s\n", rec.Reason)
	fmt.Printf("steps:     %d (retries %d)\n", rec.Steps, rec.Retries)
	fmt.Printf("tokens:    %d in / %d out\n", rec.InputTokens, rec.OutputTokens)
	fmt.Printf("duration:  %s\n", rec.Duration.Round(time.Millisecond))
	if rec.WorkspaceDir != "" {
		fmt.Printf("workspace: %s\n", rec.WorkspaceDir)
	}
	if rec.PatchPath != "" {
		fmt.Printf("patch:     %s\n", rec.PatchPath)
	}
	return nil
}
