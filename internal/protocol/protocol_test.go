package protocol

import "testing"

func TestParseCommand(t *testing.T) {
	cases := []struct {
		line string
		want Command
	}{
		{"signal 15", Command{Kind: CmdSignal, Signal: 15}},
		{"signal_all 9", Command{Kind: CmdSignalAll, Signal: 9}},
		{"signal abc", Command{Kind: CmdUnknown}},
		{"frobnicate 1", Command{Kind: CmdUnknown}},
		{"signal", Command{Kind: CmdUnknown}},
		{"", Command{Kind: CmdUnknown}},
	}
	for _, tc := range cases {
		got := ParseCommand(tc.line)
		if got != tc.want {
			t.Errorf("ParseCommand(%q) = %+v, want %+v", tc.line, got, tc.want)
		}
	}
}

func TestLineSplitter_SingleRead(t *testing.T) {
	var s LineSplitter
	lines := s.Feed([]byte("signal 1\nsignal 2\n"))
	if len(lines) != 2 || lines[0] != "signal 1" || lines[1] != "signal 2" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestLineSplitter_FragmentedAcrossReads(t *testing.T) {
	var s LineSplitter
	if lines := s.Feed([]byte("sig")); len(lines) != 0 {
		t.Fatalf("expected no complete lines yet, got %v", lines)
	}
	if lines := s.Feed([]byte("nal 15\nsignal_")); len(lines) != 1 || lines[0] != "signal 15" {
		t.Fatalf("unexpected lines: %v", lines)
	}
	if lines := s.Feed([]byte("all 9\n")); len(lines) != 1 || lines[0] != "signal_all 9" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestLineSplitter_MultipleLinesInOneWrite(t *testing.T) {
	// This is exactly the bug spec.md §9 flags in the original: an owner
	// that writes more than one line in a single write(2) must not lose
	// the second line.
	var s LineSplitter
	lines := s.Feed([]byte("signal 1\nsignal 2\nsignal 3\n"))
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %v", lines)
	}
}

func TestFormatStatus(t *testing.T) {
	cases := []struct {
		kind StatusKind
		arg  int
		want string
	}{
		{StatusPID, 42, "pid 42\n"},
		{StatusExited, 0, "exited 0\n"},
		{StatusKilled, 15, "killed 15\n"},
		{StatusDumped, 11, "dumped 11\n"},
		{StatusTerminating, 0, "terminating\n"},
		{StatusNoChildren, 0, "no_children\n"},
	}
	for _, tc := range cases {
		got := FormatStatus(tc.kind, tc.arg)
		if got != tc.want {
			t.Errorf("FormatStatus(%v, %d) = %q, want %q", tc.kind, tc.arg, got, tc.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	rec, ok := ParseStatus("pid 42")
	if !ok || rec.Kind != StatusPID || rec.Arg != 42 {
		t.Fatalf("unexpected parse: %+v ok=%v", rec, ok)
	}
	if _, ok := ParseStatus("terminating 1"); ok {
		t.Fatal("terminating takes no argument")
	}
	if _, ok := ParseStatus("garbage"); ok {
		t.Fatal("garbage should not parse")
	}
	rec, ok = ParseStatus("no_children")
	if !ok || rec.Kind != StatusNoChildren {
		t.Fatalf("unexpected parse: %+v ok=%v", rec, ok)
	}
}
