// Package config parses and validates the supervisor's command line.
// spec.md §6 is explicit that there is no other configuration surface:
// no environment variables, no configuration files, no persisted state.
// This mirrors the teacher's config.Config/config.LoadConfig shape (a
// plain struct plus a single loader function) but sources it from argv
// instead of an ini file.
package config

import (
	"fmt"
	"strconv"
)

// Options holds the parsed, validated command line for `supervise`.
type Options struct {
	ControlFD int // -1 means absent
	StatusFD  int // -1 means absent
	Program   string
	Args      []string

	// HasControl and HasStatus are computed once during Parse, before
	// Options is constructed - original_source's `should_hang` flag is
	// the cautionary tale here: one variant read opt.statusfd back out
	// of the very struct literal that was still being built, which only
	// works by accident of evaluation order. Computing these bools from
	// the parsed locals first and then building the struct avoids that
	// class of bug entirely.
	HasControl bool
	HasStatus  bool
}

// Parse validates `args` against the spec.md §6 command line:
//
//	supervise <controlfd> <statusfd> <program> [args...]
func Parse(args []string) (*Options, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("usage: supervise <controlfd> <statusfd> <program> [args...]")
	}

	controlFD, err := parseFD(args[0])
	if err != nil {
		return nil, fmt.Errorf("controlfd: %w", err)
	}
	statusFD, err := parseFD(args[1])
	if err != nil {
		return nil, fmt.Errorf("statusfd: %w", err)
	}

	hasControl := controlFD >= 0
	hasStatus := statusFD >= 0

	program := args[2]
	var programArgs []string
	if len(args) > 3 {
		programArgs = args[3:]
	}

	return &Options{
		ControlFD:  controlFD,
		StatusFD:   statusFD,
		Program:    program,
		Args:       programArgs,
		HasControl: hasControl,
		HasStatus:  hasStatus,
	}, nil
}

// parseFD parses a file-descriptor argument. "-1" means "absent" per
// spec.md §6; anything else must be a non-negative integer.
func parseFD(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	if n == -1 {
		return -1, nil
	}
	if n < 0 {
		return 0, fmt.Errorf("negative fd %d (only -1 means absent)", n)
	}
	return n, nil
}
