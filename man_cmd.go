package main

import (
	"fmt"

	mcobra "github.com/muesli/mango-cobra"
	"github.com/muesli/roff"
	"github.com/spf13/cobra"
)

var manCmd = &cobra.Command{
	Use:                   "man",
	Short:                 "Generates manpages",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Hidden:                true,
	Args:                  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		page, err := mcobra.NewManPage(1, rootCmd)
		if err != nil {
			return err
		}

		page = page.WithSection("Environment", "SPECTROFEED_* variables override every configuration key, "+
			"for example SPECTROFEED_BATCHSIZE=64.\n"+
			"SPECTROFEED_LOG_LEVEL, SPECTROFEED_LOG_FORMAT and SPECTROFEED_LOG_FILE control logging.")
		fmt.Println(page.Build(roff.NewDocument()))
		return nil
	},
}
