package main

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"gosupervise/internal/descend"
	"gosupervise/internal/filicide"
	"gosupervise/internal/logx"
	"gosupervise/internal/platform"
)

// subreapCmd is the thin wrapper spec.md §1 describes: set the subreaper
// attribute, run program to completion, sweep whatever it left behind.
// No control/status channels, no event loop - grounded on
// original_source/c/src/subreap_lib.c, which exposes filicide() and
// get_fatalfd() as a library independent of the full protocol.
var subreapCmd = &cobra.Command{
	Use:   "subreap -- <program> [args...]",
	Short: "Set the subreaper attribute, run program, then sweep its descendants",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
			return fmt.Errorf("set subreaper attribute: %w", err)
		}

		maxPID, err := descend.MaxPID()
		if err != nil {
			return fmt.Errorf("read pid_max: %w", err)
		}
		engine := filicide.New(
			filicide.KernelTable{ParentOfFn: descend.ParentOf},
			maxPID,
			platform.GetPid,
			logx.NoOp{},
		)
		c := exec.Command(args[0], args[1:]...)
		c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
		c.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}

		runErr := c.Run()
		exitCode := 0
		if runErr != nil {
			exitErr, ok := runErr.(*exec.ExitError)
			if !ok {
				// Program never ran at all (exec failure); there is
				// nothing of ours it could have forked.
				return fmt.Errorf("run %s: %w", args[0], runErr)
			}
			exitCode = exitErr.ExitCode()
		}

		// Sweep before exiting regardless of exit code: os.Exit does not
		// run deferred functions, so the sweep must happen here, not in a
		// defer, or a non-zero exit would skip it entirely and defeat
		// subreap's whole point.
		if err := engine.Filicide(); err != nil {
			return fmt.Errorf("filicide: %w", err)
		}
		if exitCode != 0 {
			os.Exit(exitCode)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(subreapCmd)
}
