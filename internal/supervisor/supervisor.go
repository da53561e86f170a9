// Package supervisor implements Component E: spawn a primary child,
// multiplex the control channel, the child-status source and the
// fatal-signal source, and guarantee I1 (every descendant dead) on every
// exit path. Grounded directly on spec.md §4.E's startup sequence and
// event table, and on original_source/c/src/supervise.c's main() for the
// overall shape (self-test, atexit registration, fork, single blocking
// loop).
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"gosupervise/internal/config"
	"gosupervise/internal/descend"
	"gosupervise/internal/filicide"
	"gosupervise/internal/logx"
	"gosupervise/internal/platform"
	"gosupervise/internal/protocol"
	"gosupervise/internal/sigmux"
	"gosupervise/internal/xerrors"
)

// Supervisor owns one primary child and the event sources that watch it.
type Supervisor struct {
	opts *config.Options
	log  logx.Logger

	// session is a per-invocation correlation id, stamped into every log
	// line so overlapping `supervise` processes in the same container's
	// combined log output can be told apart.
	session uuid.UUID

	control  *platform.DuplexHandle
	status   *platform.DuplexHandle
	mux      *sigmux.Mux
	engine   *filicide.Engine
	splitter protocol.LineSplitter

	controlOpen       bool
	primaryPID        int
	primaryLive       bool
	ownerDisconnected bool
}

// New builds a Supervisor from parsed command-line options. It performs
// no I/O; call Run to execute the startup sequence and event loop.
func New(opts *config.Options, log logx.Logger) *Supervisor {
	if log == nil {
		log = logx.NoOp{}
	}
	return &Supervisor{opts: opts, log: log, session: uuid.New()}
}

// Run executes the full startup sequence and event loop (spec.md §4.E),
// returning the process exit code spec.md §6 defines. Run always leaves
// the descendant set empty before returning, regardless of which path it
// returns by.
func (s *Supervisor) Run() (exitCode int, err error) {
	s.log.Infof("session %s: starting supervise of %q", s.session, s.opts.Program)
	s.log.Debugf("session %s: control channel present=%v, status channel present=%v",
		s.session, s.opts.HasControl, s.opts.HasStatus)

	// Step 2: parse control/status handles, non-blocking + close-on-exec.
	s.control, err = platform.NewDuplexHandle(s.opts.ControlFD)
	if err != nil {
		return 1, &xerrors.EnvironmentError{Op: "wrap control fd", Err: err}
	}
	s.status, err = platform.NewDuplexHandle(s.opts.StatusFD)
	if err != nil {
		return 1, &xerrors.EnvironmentError{Op: "wrap status fd", Err: err}
	}
	// opts.HasControl is the validated command-line intent (config.Parse's
	// "-1 means absent"); s.control.Present() would re-derive the same
	// fact from the fd the handle just wrapped, so use the former.
	s.controlOpen = s.opts.HasControl

	maxPID, err := descend.MaxPID()
	if err != nil {
		return 1, &xerrors.EnvironmentError{Op: "read pid_max", Err: err}
	}
	s.engine = filicide.New(
		filicide.KernelTable{ParentOfFn: descend.ParentOf},
		maxPID,
		platform.GetPid,
		s.log,
	).WithChildHint(descend.Children)

	// Step 3: self-test. Any error here means the host cannot satisfy I1
	// at all (original_source/supervise.c runs this exact trial before
	// registering atexit).
	if err := s.selfTest(); err != nil {
		return 1, &xerrors.EnvironmentError{Op: "self-test filicide", Err: err}
	}

	// Step 4 (register filicide as an at-exit action) and the final
	// "terminating\n" record are both handled by the deferred cleanup
	// below, which runs on every return path out of Run.
	defer func() {
		s.log.Debugf("session %s: at-exit filicide sweep", s.session)
		if sweepErr := s.engine.Filicide(); sweepErr != nil {
			s.log.Errorf("at-exit filicide failed: %v", sweepErr)
		}
		s.emitStatus(protocol.StatusNoChildren, 0)
		s.emitStatus(protocol.StatusTerminating, 0)
		if s.mux != nil {
			s.mux.Close()
		}
		s.control.Close()
		s.status.Close()
	}()

	// Step 5: subreaper attribute (I2).
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return 1, &xerrors.EnvironmentError{Op: "set subreaper attribute", Err: err}
	}

	// Step 6: read the currently-blocked signal mask. Only a failure to
	// read it is acted on; the value itself is not used - the primary
	// child's mask is restored to "everything unblocked" by the exec path
	// below regardless of what this holds, since nothing is deliberately
	// pre-blocked before step 7 runs.
	if _, err := platform.GetBlockedSignals(); err != nil {
		return 1, &xerrors.EnvironmentError{Op: "read blocked signal mask", Err: err}
	}

	// Step 7: open fatal-signal and child-status sources (blocks both sets).
	s.mux, err = sigmux.Open()
	if err != nil {
		return 1, &xerrors.EnvironmentError{Op: "open signal event sources", Err: err}
	}

	// Step 8: fork the primary child. os/exec's fork+exec path always
	// unblocks every signal in the child before calling execve, which is
	// how "restore the pre-block signal mask" is satisfied here - the
	// child never observes the fatal/SIGCHLD block we just installed for
	// ourselves. Pdeathsig covers "install a parent-death-terminate
	// signal": if we are killed uncatchably before filicide runs, the
	// kernel still guarantees the primary child doesn't outlive us.
	cmd := exec.Command(s.opts.Program, s.opts.Args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	if err := cmd.Start(); err != nil {
		return 1, &xerrors.EnvironmentError{Op: "spawn primary child", Err: err}
	}
	s.primaryPID = cmd.Process.Pid
	s.primaryLive = true

	// Step 9: announce the primary child. Always the first status record.
	s.emitStatus(protocol.StatusPID, s.primaryPID)

	primaryExitCode, loopErr := s.loop()
	if loopErr != nil {
		return 1, loopErr
	}
	return primaryExitCode, nil
}

// selfTestPIDRange bounds the startup self-test sweep to spec.md §4.E
// step 3's "small PID range", distinct from the full [1,maxPID) range
// the real engine sweeps on every subsequent Filicide call.
const selfTestPIDRange = 256

// selfTest proves the environment can satisfy I1 before the primary
// child is ever forked. A bare Engine.Filicide() call does not prove
// this: with no children yet, every pid in range resolves to
// xerrors.ErrNoSuchProcess and the sweep no-ops whether or not
// descendant lookup actually works on this host. So selfTest first
// positively probes a known-live pid - our own - exactly as
// original_source/supervise.c's sanity_check() calls
// ppid_of(getpid()), and only then runs a trial sweep over a small
// range as the original's trial-run self-test.
func (s *Supervisor) selfTest() error {
	if _, err := descend.ParentOf(platform.GetPid()); err != nil {
		return fmt.Errorf("probe own parent: %w", err)
	}
	probe := filicide.New(
		filicide.KernelTable{ParentOfFn: descend.ParentOf},
		selfTestPIDRange,
		platform.GetPid,
		s.log,
	)
	return probe.Filicide()
}

// loop is the single readiness-multiplex event loop (spec.md §5's
// "exactly one suspension point"). It returns once every descendant is
// gone, along with the exit code the primary child's fate dictates.
func (s *Supervisor) loop() (int, error) {
	exitCode := 0

	for {
		if !s.primaryLive && s.noMoreChildren() {
			// spec.md §4.E's owner-disconnect sequence ends in "the
			// supervisor exits 0" unconditionally, regardless of how the
			// primary child's own reaped status came out (onOwnerDisconnect
			// killed it, so it would otherwise surface as `killed`/1). The
			// fatal-signal path has no such override - see DESIGN.md.
			if s.ownerDisconnected {
				return 0, nil
			}
			return exitCode, nil
		}

		ready, err := s.wait()
		if err != nil {
			return exitCode, err
		}

		if ready.control {
			if err := s.handleControl(); err != nil {
				if errors.Is(err, xerrors.ErrOwnerDisconnected) {
					s.onOwnerDisconnect()
				} else {
					return exitCode, err
				}
			}
		}

		if ready.child {
			code, sawPrimaryExit := s.reapChildren()
			if sawPrimaryExit {
				exitCode = code
			}
		}

		if ready.fatal {
			s.drainFatal()
			s.log.Warnf("session %s: fatal signal received, sweeping", s.session)
			if err := s.engine.Filicide(); err != nil {
				return exitCode, fmt.Errorf("filicide on fatal signal: %w", err)
			}
		}
	}
}

type readySet struct {
	control, child, fatal bool
}

// wait is the loop's single suspension point. It polls the three event
// sources that are still active; an absent control channel (-1) or one
// already closed by owner-disconnect is never polled again.
func (s *Supervisor) wait() (readySet, error) {
	var fds []unix.PollFd
	var kinds []string

	if s.controlOpen && s.control.Present() {
		fds = append(fds, unix.PollFd{Fd: int32(s.control.Fd()), Events: unix.POLLIN})
		kinds = append(kinds, "control")
	}
	fds = append(fds, unix.PollFd{Fd: int32(s.mux.Child.Fd()), Events: unix.POLLIN})
	kinds = append(kinds, "child")
	fds = append(fds, unix.PollFd{Fd: int32(s.mux.Fatal.Fd()), Events: unix.POLLIN})
	kinds = append(kinds, "fatal")

	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			// poll() is the loop's single suspension point; any failure
			// besides EINTR (retried above) is exactly the class
			// original_source/common.c's try_() macro treats as
			// unrecoverable - abort rather than spin.
			return readySet{}, xerrors.NewFatalError("poll", err)
		}
		break
	}

	var ready readySet
	for i, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		switch kinds[i] {
		case "control":
			ready.control = true
		case "child":
			ready.child = true
		case "fatal":
			ready.fatal = true
		}
	}
	return ready, nil
}

// handleControl drains whatever is available on the control channel,
// dispatching every complete line. Returns xerrors.ErrOwnerDisconnected
// on end-of-file/closed-channel, per spec.md §4.E's owner-disconnect
// trigger list.
func (s *Supervisor) handleControl() error {
	var buf [4096]byte
	n, closed, err := s.control.Read(buf[:])
	if err != nil {
		return xerrors.ErrOwnerDisconnected
	}
	if closed {
		return xerrors.ErrOwnerDisconnected
	}
	if n == 0 {
		return nil
	}

	for _, line := range s.splitter.Feed(buf[:n]) {
		s.dispatch(protocol.ParseCommand(line))
	}
	return nil
}

// dispatch applies one parsed control command. Unknown commands are
// silently ignored (spec.md §4.E).
func (s *Supervisor) dispatch(cmd protocol.Command) {
	switch cmd.Kind {
	case protocol.CmdSignal:
		if !s.primaryLive {
			s.log.Debugf("signal %d: %v", cmd.Signal, xerrors.ErrNoPrimaryChild)
			return
		}
		if err := unix.Kill(s.primaryPID, unix.Signal(cmd.Signal)); err != nil {
			s.log.Warnf("signal %d -> pid %d: %v", cmd.Signal, s.primaryPID, err)
		}
	case protocol.CmdSignalAll:
		s.engine.Broadcast(cmd.Signal)
	}
}

// onOwnerDisconnect implements spec.md §4.E's owner-disconnect sequence:
// stop polling the control channel, sweep immediately, and let the main
// loop's noMoreChildren check drive the rest of the drain.
func (s *Supervisor) onOwnerDisconnect() {
	s.log.Infof("session %s: owner disconnected, sweeping", s.session)
	s.controlOpen = false
	s.ownerDisconnected = true
	s.control.Close()
	if err := s.engine.Filicide(); err != nil {
		s.log.Errorf("filicide on owner-disconnect failed: %v", err)
	}
}

// reapChildren drains every currently-waitable child via a non-blocking
// wait4 loop, reporting whether one of them was the primary child and
// its resulting exit code. Non-primary descendants are reaped here too
// (the supervisor is subreaper for all of them) but, per spec.md §4.E,
// never reported on the status channel.
//
// It first drains the child-status signalfd itself: signalfd is level
// triggered on its internal queue, so leaving a pending SIGCHLD record
// unread would make every subsequent poll() return immediately even
// after every exited child has been reaped.
func (s *Supervisor) reapChildren() (exitCode int, sawPrimaryExit bool) {
	for {
		_, ok, err := s.mux.Child.Read()
		if err != nil || !ok {
			break
		}
	}

	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return exitCode, sawPrimaryExit
		}
		if pid != s.primaryPID {
			continue
		}
		s.primaryLive = false
		sawPrimaryExit = true
		switch {
		case ws.Exited():
			exitCode = ws.ExitStatus()
			s.emitStatus(protocol.StatusExited, exitCode)
		case ws.Signaled():
			exitCode = 1
			if ws.CoreDump() {
				s.emitStatus(protocol.StatusDumped, int(ws.Signal()))
			} else {
				s.emitStatus(protocol.StatusKilled, int(ws.Signal()))
			}
		}
	}
}

// drainFatal empties the fatal-signal source's pending queue, for the
// same level-triggered-poll reason reapChildren drains the child
// source: an unread record would make poll() spin forever.
func (s *Supervisor) drainFatal() {
	for {
		_, ok, err := s.mux.Fatal.Read()
		if err != nil || !ok {
			return
		}
	}
}

// noMoreChildren reports whether the descendant set is currently empty,
// by enumerating it with Engine.Descendants. It performs no kill and no
// wait; unreaped zombies still count as descendants.
func (s *Supervisor) noMoreChildren() bool {
	return len(s.engine.Descendants(platform.GetPid())) == 0
}

// emitStatus writes one status record, ignoring the resulting error
// besides logging it: per spec.md §5, a write failure here only ever
// means the owner went away, which is already handled elsewhere.
func (s *Supervisor) emitStatus(kind protocol.StatusKind, arg int) {
	line := protocol.FormatStatus(kind, arg)
	if _, err := s.status.Write([]byte(line)); err != nil {
		s.log.Debugf("status write %q: %v", line, err)
	}
}
