// Package filicide implements the engine that drives a process's
// descendant set to empty (spec.md §4.C): repeated sweeps over the pid
// space, killing every still-living child and waiting for it to die
// without reaping it, until a full sweep kills nothing.
//
// Grounded directly on original_source/src/subreap_lib.c's
// kill_all_children()/kill_children_with_exhaustion()/maybe_kill_living_child(),
// translated from the bool dead[maxpid] C array into a Go []bool dead-set
// with the same lifetime (allocated on entry, dropped on return).
package filicide

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"gosupervise/internal/logx"
	"gosupervise/internal/xerrors"
)

// ProcessTable is the subset of process-table operations the engine
// needs. Split out as an interface so tests can drive the sweep algorithm
// against a fake pid tree instead of the real kernel - the algorithm
// itself (ascending sweep, dead-set, loop-until-dry) is what's under
// test, not /proc parsing.
type ProcessTable interface {
	// ParentOf returns pid's immediate parent. It must return
	// xerrors.ErrNoSuchProcess (or any error satisfying
	// errors.Is(err, xerrors.ErrNoSuchProcess)) when pid does not exist.
	ParentOf(pid int) (parent int, err error)
	// Kill sends SIGKILL to pid. Per spec.md §4.C this cannot fail for a
	// genuine descendant (a zombie is still a valid signal target); any
	// error is fatal.
	Kill(pid int) error
	// WaitNoReap blocks until pid has exited, without consuming its
	// zombie (I4): the dead-set's whole purpose is to rely on the zombie
	// invariant to block pid reuse during a sweep.
	WaitNoReap(pid int) error
	// Signal sends an arbitrary signal to pid, for the non-destructive
	// `signal_all` broadcast (spec.md §4.E), which reuses the descent
	// enumeration but must not kill.
	Signal(pid, sig int) error
}

// Engine drives a single process's descendant set to empty.
type Engine struct {
	table     ProcessTable
	maxPID    int
	selfPID   func() int
	log       logx.Logger
	childHint func(pid int) ([]int, error)
}

// New builds an Engine. maxPID bounds the pid space to sweep ([1,maxPID)),
// selfPID returns the calling process's pid bypassing any cache (spec.md
// §4.A), and log may be logx.NoOp{} if no diagnostics are wanted.
func New(table ProcessTable, maxPID int, selfPID func() int, log logx.Logger) *Engine {
	if log == nil {
		log = logx.NoOp{}
	}
	return &Engine{table: table, maxPID: maxPID, selfPID: selfPID, log: log}
}

// WithChildHint enables the optional /proc/<pid>/task/<pid>/children fast
// path spec.md §4.B mentions for Descendants: hintFn may be stale or
// incomplete (it is "only available on kernels with
// CONFIG_CHECKPOINT_RESTORE... and its interaction with concurrently
// forking children is undefined", per descend.Children's own doc comment),
// so every hinted pid is still reverified with ParentOf before being
// trusted. It has no effect on Filicide/sweep, which must exhaustively
// scan [1,maxPID) regardless to guarantee I1. Returns e for chaining.
func (e *Engine) WithChildHint(hintFn func(pid int) ([]int, error)) *Engine {
	e.childHint = hintFn
	return e
}

// Filicide returns only when the caller's descendant set is empty
// (spec.md §4.C's contract). It is idempotent: calling it with no living
// descendants performs zero kills and returns immediately.
func (e *Engine) Filicide() error {
	dead := make([]bool, e.maxPID)
	self := e.selfPID()

	for {
		killedAny, err := e.sweep(dead, self)
		if err != nil {
			return err
		}
		if !killedAny {
			return nil
		}
	}
}

// sweep performs one ascending pass over [1, maxPID), killing every pid
// that is both undead (per dead[]) and currently our immediate child.
// Ascending order matters: children get higher pids than their parents
// (barring wraparound), so sweeping low-to-high naturally walks the
// reparented tree depth-first, and because we wait for each kill without
// reaping, by the time we reach a former grandchild's pid its new parent
// (us) is already established.
func (e *Engine) sweep(dead []bool, self int) (killedAny bool, err error) {
	for pid := 1; pid < e.maxPID; pid++ {
		if dead[pid] {
			continue
		}
		parent, err := e.table.ParentOf(pid)
		if err != nil {
			if errors.Is(err, xerrors.ErrNoSuchProcess) {
				// Not a live process, or it vanished mid-probe: treated as
				// "not our child right now" per spec.md §4.B's race
				// discipline. A late fork of a process that slips back
				// into this pid is caught on the next outer-loop pass.
				continue
			}
			// Any other failure (a read or parse error on a process that
			// does exist) is not a race, per spec.md §4.B step 3: "Any
			// other failure is fatal." Swallowing it here would let a
			// genuine descendant go unchecked and Filicide would return
			// with it still alive - an I1 violation.
			return killedAny, fmt.Errorf("parentof(%d): %w", pid, err)
		}
		if parent != self {
			continue
		}

		if err := e.table.Kill(pid); err != nil {
			return killedAny, fmt.Errorf("kill(%d): %w", pid, err)
		}
		// Block until pid has actually exited, without reaping it, so
		// its own children have been reparented to us before we move on
		// to any pid after it in this same sweep.
		if err := e.table.WaitNoReap(pid); err != nil {
			return killedAny, fmt.Errorf("wait(%d, WNOWAIT): %w", pid, err)
		}
		dead[pid] = true
		killedAny = true
		e.log.Debugf("filicide: killed pid %d", pid)
	}
	return killedAny, nil
}

// KernelTable is the real ProcessTable, backed by descend.ParentOf,
// unix.Kill and waitid(P_PID, WEXITED|WNOWAIT).
type KernelTable struct {
	ParentOfFn func(pid int) (int, error)
}

func (k KernelTable) ParentOf(pid int) (int, error) { return k.ParentOfFn(pid) }

func (k KernelTable) Kill(pid int) error {
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		return err
	}
	return nil
}

func (k KernelTable) Signal(pid, sig int) error {
	return unix.Kill(pid, unix.Signal(sig))
}

func (k KernelTable) WaitNoReap(pid int) error {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// Descendants enumerates every current descendant of self, not only
// immediate children: pid counts if walking its ancestor chain via
// ParentOf reaches self before running off the top of the process tree.
// Unlike Filicide, this performs no kill and no wait; it is a
// point-in-time target list for the `signal_all` broadcast, which
// spec.md §4.E requires to use "the filicide-grade descent-enumeration
// procedure" without killing anything.
func (e *Engine) Descendants(self int) []int {
	if e.childHint != nil {
		if out, ok := e.descendantsViaHint(self); ok {
			return out
		}
		// Hint unavailable on this host (e.g. no CONFIG_CHECKPOINT_RESTORE):
		// fall through to the exhaustive scan below.
	}
	var out []int
	for pid := 1; pid < e.maxPID; pid++ {
		if pid == self {
			continue
		}
		if e.isDescendant(pid, self) {
			out = append(out, pid)
		}
	}
	return out
}

// descendantsViaHint walks the hinted children tree breadth-first from
// self, reverifying every hinted pid's parent with ParentOf before
// trusting it - the hint is a candidate list, not a source of truth. ok
// is false if the hint itself errored (the whole path is unavailable, not
// just one pid), signaling the caller to fall back to the full scan.
func (e *Engine) descendantsViaHint(self int) (out []int, ok bool) {
	queue := []int{self}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := e.childHint(cur)
		if err != nil {
			return nil, false
		}
		for _, pid := range children {
			parent, err := e.table.ParentOf(pid)
			if err != nil || parent != cur {
				// Stale hint entry (already reparented or already gone);
				// skip rather than trust it.
				continue
			}
			out = append(out, pid)
			queue = append(queue, pid)
		}
	}
	return out, true
}

func (e *Engine) isDescendant(pid, self int) bool {
	cur := pid
	for i := 0; i < e.maxPID; i++ {
		parent, err := e.table.ParentOf(cur)
		if err != nil {
			return false
		}
		if parent == self {
			return true
		}
		if parent == cur || parent <= 1 {
			return false
		}
		cur = parent
	}
	return false
}

// Broadcast sends sig to every current descendant of self, via
// Descendants. Send failures are logged and otherwise ignored - a
// descendant that exits between enumeration and signal delivery is not
// an error, it's just one less process to signal.
func (e *Engine) Broadcast(sig int) {
	self := e.selfPID()
	for _, pid := range e.Descendants(self) {
		if err := e.table.Signal(pid, sig); err != nil {
			e.log.Warnf("signal_all: signal(%d, %d): %v", pid, sig, err)
		}
	}
}
