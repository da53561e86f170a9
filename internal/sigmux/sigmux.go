// Package sigmux converts synchronous OS signals into readable events
// (spec.md §4.D): a fatal-signal-event source for the closed set of
// signals whose default action terminates or coredumps the process
// (minus whatever is already blocked or ignored at startup), and a
// child-status event source that is readable whenever any child changes
// state.
//
// Grounded on original_source/src/subreap_lib.c's fatalsig_set()/
// get_fatalfd() (the enumerated deathsigs[] array and the "skip if
// already blocked or SIG_IGN" filter) and on the teacher's /
// msantos-goreap's unix.Prctl-adjacent signal handling idiom.
package sigmux

import (
	"fmt"

	"golang.org/x/sys/unix"

	"gosupervise/internal/platform"
)

// FatalSignals is the fixed closed set enumerated in spec.md §4.D:
// signals whose default action terminates (the first group) or
// core-dumps (the second group) the process.
var FatalSignals = []unix.Signal{
	unix.SIGHUP,
	unix.SIGINT,
	unix.SIGKILL,
	unix.SIGPIPE,
	unix.SIGALRM,
	unix.SIGTERM,
	unix.SIGUSR1,
	unix.SIGUSR2,
	unix.SIGPOLL,
	unix.SIGPROF,
	unix.SIGVTALRM,
	unix.SIGIO,
	unix.SIGPWR,
	// coredumping signals
	unix.SIGQUIT,
	unix.SIGILL,
	unix.SIGABRT,
	unix.SIGFPE,
	unix.SIGSEGV,
	unix.SIGBUS,
	unix.SIGSYS,
	unix.SIGTRAP,
	unix.SIGXCPU,
	unix.SIGXFSZ,
}

// effectiveFatalSet returns FatalSignals minus whatever is already
// blocked or explicitly ignored (SIG_IGN) at the time of the call -
// exactly what original_source's fatalsig_set() computes before handing
// the result to signalfd.
func effectiveFatalSet() ([]unix.Signal, error) {
	blocked, err := platform.GetBlockedSignals()
	if err != nil {
		return nil, fmt.Errorf("get current signal mask: %w", err)
	}

	set := make([]unix.Signal, 0, len(FatalSignals))
	for _, sig := range FatalSignals {
		if platform.IsBlocked(&blocked, sig) {
			continue
		}
		var sa unix.Sigaction
		if err := unix.Sigaction(sig, nil, &sa); err != nil {
			return nil, fmt.Errorf("sigaction(%d, peek): %w", sig, err)
		}
		if sa.Handler == uintptr(unix.SIG_IGN) {
			continue
		}
		set = append(set, sig)
	}
	return set, nil
}

// Mux bundles the fatal-signal and child-status event sources the
// supervisor loop multiplexes alongside the control and status channels.
type Mux struct {
	Fatal *platform.SignalEventSource
	Child *platform.SignalEventSource
}

// Open ignores SIGPIPE globally (so a write to a closed status channel
// surfaces as an ordinary write error rather than killing the process,
// per spec.md §4.D's "owner-disconnect handling"), then opens the
// fatal-signal and child-status sources and blocks both sets from
// asynchronous delivery.
func Open() (*Mux, error) {
	// Ignoring SIGPIPE removes it from "currently has default action",
	// which is exactly why effectiveFatalSet filters out ignored signals
	// before building the fatalfd: the supervisor must never be killed
	// by SIGPIPE, but it still wants EPIPE back from Write.
	if err := ignoreSIGPIPE(); err != nil {
		return nil, fmt.Errorf("ignore SIGPIPE: %w", err)
	}

	fatalSet, err := effectiveFatalSet()
	if err != nil {
		return nil, err
	}
	fatalSrc, err := platform.NewSignalEventSource(fatalSet)
	if err != nil {
		return nil, fmt.Errorf("open fatal-signal event source: %w", err)
	}

	childSrc, err := platform.NewSignalEventSource([]unix.Signal{unix.SIGCHLD})
	if err != nil {
		fatalSrc.Close()
		return nil, fmt.Errorf("open child-status event source: %w", err)
	}

	return &Mux{Fatal: fatalSrc, Child: childSrc}, nil
}

// Close releases both event sources.
func (m *Mux) Close() {
	if m.Fatal != nil {
		m.Fatal.Close()
	}
	if m.Child != nil {
		m.Child.Close()
	}
}

func ignoreSIGPIPE() error {
	sa := unix.Sigaction{
		Handler: uintptr(unix.SIG_IGN),
	}
	return unix.Sigaction(unix.SIGPIPE, &sa, nil)
}
