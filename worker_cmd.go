package main

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/spectrofeed/spectrofeed/internal/pipeline"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Hidden: true,
	Short:  "Serve batches to a parent process over stdout",
	Args:   cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return pipeline.RunWorker(cmd.Context(), os.Stdin, os.Stdout, pipeline.Deps{Logger: log.Default()})
	},
}
