package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgPath string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "ralph",
	Short: "ralph - multi-agent workflow orchestrator",
	Long: `ralph reconciles a declarative workflow tree over a durable output
store, driving AI agent subprocesses through a complexity-tiered ticket
pipeline and landing finished branches through a speculative merge queue.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "ralph.yaml", "path to the run configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(runCmd, statusCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
