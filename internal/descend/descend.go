// Package descend implements descendant discovery (spec.md §4.B): given a
// pid, decide whether it is a live process and, if so, who its immediate
// parent is. The filicide engine only needs immediate-child classification
// plus its own outer loop; grandchildren become immediate children the
// moment their parents die.
//
// Grounded directly on original_source/src/subreap_lib.c's ppid_of() and
// get_maxpid(): probe liveness with a null signal, read /proc/<pid>/stat,
// and find the parent pid by locating the rightmost ')' in the comm field
// (the comm string itself may contain ')' or whitespace).
package descend

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"gosupervise/internal/xerrors"
)

// MaxPID reads /proc/sys/kernel/pid_max, the OS-configured upper bound on
// the pid space (at most 2^22 per spec.md §3), so the filicide dead-set
// array can be sized once up front.
func MaxPID() (int, error) {
	f, err := os.Open("/proc/sys/kernel/pid_max")
	if err != nil {
		return 0, fmt.Errorf("open(/proc/sys/kernel/pid_max): %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return 0, fmt.Errorf("read(/proc/sys/kernel/pid_max): %w", err)
		}
		return 0, fmt.Errorf("read(/proc/sys/kernel/pid_max): empty")
	}
	n, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return 0, fmt.Errorf("parse pid_max %q: %w", scanner.Text(), err)
	}
	return n, nil
}

// Exists reports whether pid corresponds to a live process. A null signal
// that succeeds, or fails with EPERM (process exists but we can't signal
// it), both count as "live" - this is the cheapest possible liveness
// check, and it's what makes the exhaustive sweep fast in the common case
// of most pids in [1, maxpid) not existing.
func Exists(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// ParentOf returns pid's immediate parent, or xerrors.ErrNoSuchProcess if
// pid does not currently exist (or disappeared while we were reading its
// /proc entry - the two cases are indistinguishable and both treated as
// "not a child of anything", per spec.md §4.B's race discipline).
func ParentOf(pid int) (int, error) {
	// Doing the liveness probe first is racy (pid could appear or vanish
	// right after), but the race can only make us erroneously report
	// ErrNoSuchProcess, which the filicide outer loop simply revisits on
	// its next pass. In return, we skip an open(2)+read(2) for the common
	// case of pid not existing at all.
	if !Exists(pid) {
		return 0, xerrors.ErrNoSuchProcess
	}

	path := fmt.Sprintf("/proc/%d/stat", pid)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, xerrors.ErrNoSuchProcess
		}
		return 0, fmt.Errorf("read(%s): %w", path, err)
	}

	ppid, err := parsePPID(data)
	if err != nil {
		return 0, fmt.Errorf("parse(%s): %w", path, err)
	}
	return ppid, nil
}

// parsePPID extracts the ppid field from the contents of /proc/<pid>/stat.
// The comm field (2nd, parenthesized) may itself contain spaces, digits,
// or closing parens, so the only safe way to locate the end of it is to
// find the rightmost ')' in the line: everything after that is a
// well-behaved space-separated field list, and ppid is the field at
// offset 1 in that list (state is offset 0): skip one field for state,
// then take the next one.
func parsePPID(stat []byte) (int, error) {
	line := string(stat)
	idx := strings.LastIndexByte(line, ')')
	if idx < 0 {
		return 0, fmt.Errorf("no ')' found in stat record")
	}
	rest := strings.TrimSpace(line[idx+1:])
	fields := strings.Fields(rest)
	// fields[0] = state, fields[1] = ppid
	const ppidField = 1
	if len(fields) <= ppidField {
		return 0, fmt.Errorf("stat record has only %d fields after comm", len(fields))
	}
	ppid, err := strconv.Atoi(fields[ppidField])
	if err != nil {
		return 0, fmt.Errorf("ppid field %q: %w", fields[ppidField], err)
	}
	return ppid, nil
}

// Children lists pids in /proc/<pid>/task/<pid>/children, the optional
// faster path spec.md §4.B mentions - wired into filicide.Engine via
// Engine.WithChildHint, used for Descendants (signal_all, noMoreChildren)
// rather than for Filicide/sweep, which always scans exhaustively. It is
// only available on kernels with CONFIG_CHECKPOINT_RESTORE (generally
// >4.2, see proc(5)), and its interaction with concurrently-forking
// children is undefined, so callers must still treat the result as a hint
// and re-verify with ParentOf - exactly as spec.md §4.B requires ("the
// design treats such a listing as a hint only and still applies the
// outer loop").
func Children(pid int) ([]int, error) {
	path := fmt.Sprintf("/proc/%d/task/%d/children", pid, pid)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(string(data))
	pids := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		pids = append(pids, n)
	}
	return pids, nil
}
