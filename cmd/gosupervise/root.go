package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gosupervise",
	Short: "A process supervisor that guarantees descendant cleanup",
	Long: `gosupervise spawns a single primary child and guarantees every
descendant of that child is dead before the supervisor itself exits, even
across fatal signals, owner disconnects, and deeply daemonized
grandchildren.`,
}
