// Command gosupervise is the filicide-guaranteeing process supervisor and
// its auxiliary utilities.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
