package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gosupervise/internal/platform"
)

// procfdCmd exposes the "scoped acquisition of a file handle" primitive
// (internal/platform.AcquireFile) as a standalone tool: open path, print
// its fd number. Grounded on original_source's procfd.c, used by shells
// that want to pass an inherited fd by number into `supervise`'s argv.
var procfdCmd = &cobra.Command{
	Use:   "procfd <path>",
	Short: "Open path and print its file descriptor number",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, _, err := platform.AcquireFile(args[0], os.O_RDONLY, 0)
		if err != nil {
			return fmt.Errorf("open(%s): %w", args[0], err)
		}
		// Deliberately not releasing: the caller wants this fd to survive
		// into whatever process substitution invoked us.
		fmt.Println(f.Fd())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(procfdCmd)
}
