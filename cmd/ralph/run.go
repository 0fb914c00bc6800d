package main

import (
	"fmt"
	"os/signal"
	"sort"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"ralphlite/internal/config"
	"ralphlite/internal/engine"
	"ralphlite/internal/logging"
	"ralphlite/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"resume"},
	Short:   "Start an orchestration run",
	Long: `Starts a full run: discovery, the ticket pipeline, and the merge
queue, driven to a fixpoint. Interrupt with Ctrl-C for a clean shutdown;
a later run resumes unfinished tickets from the output store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if debug {
			cfg.Debug = true
		}
		if err := logging.Initialize(cfg.StateDir, cfg.Debug); err != nil {
			return err
		}

		runID := uuid.NewString()
		orc, err := orchestrator.New(cfg, runID)
		if err != nil {
			return err
		}
		defer orc.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Printf("run %s starting (project %q)\n", runID, cfg.ProjectName)
		report, err := orc.Run(ctx)
		if err != nil {
			return err
		}
		printReport(report)
		if report.Outcome == engine.OutcomeFailed {
			return fmt.Errorf("run ended in failure")
		}
		return nil
	},
}

func printReport(r *engine.Report) {
	fmt.Printf("outcome: %s after %d frames\n", r.Outcome, r.Frames)

	landed := append([]string(nil), r.Landed...)
	sort.Strings(landed)
	for _, id := range landed {
		fmt.Printf("  landed   %s\n", id)
	}

	evicted := make([]string, 0, len(r.Evicted))
	for id := range r.Evicted {
		evicted = append(evicted, id)
	}
	sort.Strings(evicted)
	for _, id := range evicted {
		fmt.Printf("  evicted  %s (%s)\n", id, r.Evicted[id])
	}

	for _, node := range r.FailedNodes {
		fmt.Printf("  failed   %s\n", node)
	}
}
