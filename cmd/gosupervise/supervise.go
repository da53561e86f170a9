package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gosupervise/internal/config"
	"gosupervise/internal/logx"
	"gosupervise/internal/supervisor"
)

var superviseVerbose bool

var superviseCmd = &cobra.Command{
	Use:   "supervise <controlfd> <statusfd> <program> [args...]",
	Short: "Spawn program and guarantee its full descendant set is dead on exit",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := config.Parse(args)
		if err != nil {
			return err
		}

		var log logx.Logger = logx.NoOp{}
		if superviseVerbose {
			log = logx.New(os.Stderr)
		}

		sup := supervisor.New(opts, log)
		code, err := sup.Run()
		if err != nil {
			fmt.Fprintln(os.Stderr, logx.Diagnose(1, "supervise", err))
		}
		os.Exit(code)
		return nil
	},
}

func init() {
	superviseCmd.Flags().BoolVarP(&superviseVerbose, "verbose", "v", false, "log diagnostics to stderr")
	rootCmd.AddCommand(superviseCmd)
}
