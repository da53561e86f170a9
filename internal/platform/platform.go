// Package platform implements the thin contracts over OS signal, process,
// and file-descriptor primitives that spec.md §4.A calls for: scoped
// signal blocking, a signal-event source, non-blocking duplex byte
// channels, scoped fd acquisition, and a process-identity primitive that
// bypasses the runtime's cached pid.
//
// Grounded on golang.org/x/sys/unix usage in the corpus: the teacher's
// environment/bsd/procctl_dragonfly.go (procctl/reaper primitives),
// michaeljprentice-vic's lib/tether (raw SYS_PRCTL), and the msantos/goreap
// and canonical/pebble reaper implementations (unix.Prctl, unix.Wait4).
package platform

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// buildSigset constructs a Sigset_t containing every signal in set.
func buildSigset(set []unix.Signal) (unix.Sigset_t, error) {
	var mask unix.Sigset_t
	for _, sig := range set {
		if err := unix.SigsetAdd(&mask, sig); err != nil {
			return mask, fmt.Errorf("sigsetadd(%d): %w", sig, err)
		}
	}
	return mask, nil
}

// BlockSignals blocks every signal in set from asynchronous delivery and
// returns the signal mask that was in effect beforehand, so a caller can
// restore it later (e.g. in a forked child, per spec.md §4.E step 8).
func BlockSignals(set []unix.Signal) (previous unix.Sigset_t, err error) {
	mask, err := buildSigset(set)
	if err != nil {
		return previous, err
	}
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &mask, &previous); err != nil {
		return previous, fmt.Errorf("pthread_sigmask(SIG_BLOCK): %w", err)
	}
	return previous, nil
}

// RestoreSignalMask restores a signal mask captured by BlockSignals or
// GetBlockedSignals. Nothing in this module calls it: the supervisor's
// primary child gets its mask from os/exec's fork path instead.
func RestoreSignalMask(mask *unix.Sigset_t) error {
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, mask, nil); err != nil {
		return fmt.Errorf("pthread_sigmask(SIG_SETMASK): %w", err)
	}
	return nil
}

// GetBlockedSignals returns the signal mask currently blocked in this
// process, without changing it. sigmux uses it to drop already-blocked
// signals from the fatal set; the supervisor also reads it at startup
// (spec.md §4.E step 6) but does not use the value.
func GetBlockedSignals() (unix.Sigset_t, error) {
	var current, empty unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &empty, &current); err != nil {
		return current, fmt.Errorf("pthread_sigmask(peek): %w", err)
	}
	return current, nil
}

// IsBlocked reports whether sig is a member of mask, using the standard
// Linux sigset_t layout (an array of 64-bit words, bit (sig-1)%64 of word
// (sig-1)/64). Used to compute the fatal-signal set minus whatever the
// caller already had blocked at startup (spec.md §4.D).
func IsBlocked(mask *unix.Sigset_t, sig unix.Signal) bool {
	idx := (int(sig) - 1) / 64
	bit := uint64(1) << uint((int(sig)-1)%64)
	if idx < 0 || idx >= len(mask.Val) {
		return false
	}
	return mask.Val[idx]&bit != 0
}

// SignalEventSource is a readable event source: one read returns
// information about exactly one pending signal, never a short read.
// Implemented over Linux signalfd.
type SignalEventSource struct {
	fd int
}

// NewSignalEventSource blocks the signals in set (via BlockSignals) and
// returns a signalfd-backed event source for them. Spec.md §4.A requires
// this to guarantee atomic, non-partial reads of the opaque event record;
// signalfd satisfies that by construction (each read returns one
// signalfd_siginfo or EAGAIN).
func NewSignalEventSource(set []unix.Signal) (*SignalEventSource, error) {
	mask, err := buildSigset(set)
	if err != nil {
		return nil, err
	}
	if _, err := BlockSignals(set); err != nil {
		return nil, err
	}
	fd, err := unix.Signalfd(-1, &mask, unix.SFD_NONBLOCK|unix.SFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("signalfd: %w", err)
	}
	return &SignalEventSource{fd: fd}, nil
}

// Fd returns the underlying file descriptor, for use in a readiness
// multiplex (poll/ppoll).
func (s *SignalEventSource) Fd() int { return s.fd }

// Read drains exactly one pending signal event, if any. ok is false (with
// no error) when nothing is currently pending - the non-blocking EAGAIN
// case spec.md §4.A says is not an error.
func (s *SignalEventSource) Read() (info unix.SignalfdSiginfo, ok bool, err error) {
	var buf [unix.SizeofSignalfdSiginfo]byte
	n, rerr := unix.Read(s.fd, buf[:])
	if rerr != nil {
		if rerr == unix.EAGAIN {
			return info, false, nil
		}
		return info, false, fmt.Errorf("read(signalfd): %w", rerr)
	}
	if n != unix.SizeofSignalfdSiginfo {
		return info, false, fmt.Errorf("short read from signalfd: got %d bytes, want %d", n, unix.SizeofSignalfdSiginfo)
	}
	info = *(*unix.SignalfdSiginfo)(unsafe.Pointer(&buf[0]))
	return info, true, nil
}

// Close releases the underlying fd.
func (s *SignalEventSource) Close() error {
	return unix.Close(s.fd)
}

// DuplexHandle wraps an inherited byte-channel fd (a pipe end) so reads
// return an empty result instead of blocking, per spec.md §4.A.
type DuplexHandle struct {
	fd int
}

// NewDuplexHandle sets fd to non-blocking and close-on-exec and wraps it.
// fd of -1 means "absent"; Read/Write on such a handle always report
// "not ready" rather than erroring, matching spec.md §6's controlfd/
// statusfd == -1 contract.
func NewDuplexHandle(fd int) (*DuplexHandle, error) {
	if fd < 0 {
		return &DuplexHandle{fd: -1}, nil
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("setnonblock(%d): %w", fd, err)
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return nil, fmt.Errorf("fcntl(F_GETFD, %d): %w", fd, err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags|unix.FD_CLOEXEC); err != nil {
		return nil, fmt.Errorf("fcntl(F_SETFD, %d): %w", fd, err)
	}
	return &DuplexHandle{fd: fd}, nil
}

// Present reports whether this handle wraps a real fd (fd != -1).
func (d *DuplexHandle) Present() bool { return d.fd >= 0 }

// Fd returns the wrapped file descriptor, or -1 if absent.
func (d *DuplexHandle) Fd() int { return d.fd }

// Read returns (0, false, nil) on EAGAIN (not ready), (0, true, nil) on a
// zero-length read (peer closed), or the bytes read.
func (d *DuplexHandle) Read(buf []byte) (n int, closed bool, err error) {
	if d.fd < 0 {
		return 0, false, nil
	}
	n, err = unix.Read(d.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read(fd %d): %w", d.fd, err)
	}
	if n == 0 {
		return 0, true, nil
	}
	return n, false, nil
}

// Write performs a best-effort non-blocking write. A write that would
// block or that fails because the reader went away is reported as an
// error for the caller to classify as owner-disconnect; it never panics
// or blocks.
func (d *DuplexHandle) Write(buf []byte) (int, error) {
	if d.fd < 0 {
		return 0, nil
	}
	n, err := unix.Write(d.fd, buf)
	if err != nil {
		return n, fmt.Errorf("write(fd %d): %w", d.fd, err)
	}
	return n, nil
}

// Close closes the underlying fd, if present.
func (d *DuplexHandle) Close() error {
	if d.fd < 0 {
		return nil
	}
	return unix.Close(d.fd)
}

// AcquireFile opens path and returns both the scoped *os.File and a
// release function that is safe to call multiple times, satisfying
// spec.md §4.A's "scoped acquisition of a file handle with guaranteed
// release on all exit paths".
func AcquireFile(path string, flag int, mode os.FileMode) (f *os.File, release func(), err error) {
	f, err = os.OpenFile(path, flag, mode)
	if err != nil {
		return nil, func() {}, err
	}
	closed := false
	release = func() {
		if closed {
			return
		}
		closed = true
		_ = f.Close()
	}
	return f, release, nil
}

// GetPid returns the current process's pid via a raw syscall, bypassing
// any user-space pid cache. This matters after fork in runtimes that
// memoize getpid(); Go's own os.Getpid is safe post-fork/exec but we
// still bypass it to match spec.md §4.A's stated precondition exactly.
func GetPid() int {
	return unix.Getpid()
}
