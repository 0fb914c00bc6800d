package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"ralphlite/internal/config"
	"ralphlite/internal/pipeline"
	"ralphlite/internal/schema"
	"ralphlite/internal/store"
)

// statusRunID is a sentinel run id for read-only access; no rows are ever
// written under it, so excluding it from cross-run scans returns everything.
const statusRunID = "_status"

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize ticket state across runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		outputs, err := store.OpenOutputStore(
			filepath.Join(cfg.StateDir, "outputs.db"), statusRunID, schema.DefaultCatalog())
		if err != nil {
			return err
		}
		defer outputs.Close()

		discover, err := outputs.ScanAllRuns(schema.KeyDiscover, statusRunID)
		if err != nil {
			return err
		}
		tickets := pipeline.FoldDiscovery(discover)
		if len(tickets) == 0 {
			fmt.Println("no tickets discovered yet")
			return nil
		}

		landRows, err := outputs.ScanAllRuns(schema.KeyLand, statusRunID)
		if err != nil {
			return err
		}
		latest := make(map[string]store.Row)
		for _, row := range landRows {
			if id, _ := row.Payload["ticketId"].(string); id != "" {
				latest[id] = row
			}
		}

		resumable, err := pipeline.ScanResumable(outputs, statusRunID)
		if err != nil {
			return err
		}
		stages := make(map[string]pipeline.Stage, len(resumable))
		for _, rt := range resumable {
			stages[rt.TicketID] = rt.Stage
		}

		fmt.Printf("%-16s %-8s %-8s %s\n", "ticket", "tier", "priority", "status")
		for _, t := range tickets {
			fmt.Printf("%-16s %-8s %-8s %s\n", t.ID, t.Tier, t.Priority, ticketStatus(t, latest, stages))
		}
		return nil
	},
}

func ticketStatus(t pipeline.Ticket, land map[string]store.Row, stages map[string]pipeline.Stage) string {
	row, ok := land[t.ID]
	if !ok {
		if stage, started := stages[t.ID]; started {
			return fmt.Sprintf("in progress (%s done)", stage)
		}
		return "not started"
	}
	if landed, _ := row.Payload["landed"].(bool); landed {
		return "landed"
	}
	if evicted, _ := row.Payload["evicted"].(bool); evicted {
		reason, _ := row.Payload["reason"].(string)
		return fmt.Sprintf("evicted (%s)", reason)
	}
	return "in progress"
}
