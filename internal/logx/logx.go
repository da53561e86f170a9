// Package logx is the minimal logging surface shared by the supervisor
// core and its cobra commands. It follows the teacher's log.LibraryLogger
// shape: a small interface so library packages (internal/*) never hard-code
// where diagnostics go, only cmd/ decides that.
package logx

import (
	"fmt"
	"io"
	"runtime"
	"sync"
)

// Logger is implemented by anything that can receive leveled, formatted
// log lines. internal/* packages take a Logger, never an *os.File.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// NoOp discards everything. Used by tests and by cmd/gosupervise subreap,
// whose whole point is to stay out of the owner's way.
type NoOp struct{}

func (NoOp) Debugf(string, ...any) {}
func (NoOp) Infof(string, ...any)  {}
func (NoOp) Warnf(string, ...any)  {}
func (NoOp) Errorf(string, ...any) {}

// Writer logs leveled lines to a single io.Writer (normally os.Stderr),
// serialized with a mutex since the supervisor loop and its filicide path
// can both log around process teardown.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
}

func New(out io.Writer) *Writer {
	return &Writer{out: out}
}

func (w *Writer) log(level, format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, "[%s] %s\n", level, fmt.Sprintf(format, args...))
}

func (w *Writer) Debugf(format string, args ...any) { w.log("DEBUG", format, args...) }
func (w *Writer) Infof(format string, args ...any)  { w.log("INFO", format, args...) }
func (w *Writer) Warnf(format string, args ...any)  { w.log("WARN", format, args...) }
func (w *Writer) Errorf(format string, args ...any) { w.log("ERROR", format, args...) }

// Diagnose formats the fatal-condition diagnostic spec.md §7 mandates:
// "file:line function: Failed to <operation>". skip follows runtime.Caller
// conventions (0 = Diagnose's own frame); callers normally pass 1.
func Diagnose(skip int, op string, err error) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return fmt.Sprintf("?:?: Failed to %s: %v", op, err)
	}
	fn := runtime.FuncForPC(pc)
	name := "?"
	if fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s:%d %s: Failed to %s: %v", file, line, name, op, err)
}
