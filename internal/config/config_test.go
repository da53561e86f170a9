package config

import "testing"

func TestParse_Basic(t *testing.T) {
	opts, err := Parse([]string{"3", "4", "/bin/sleep", "60"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if opts.ControlFD != 3 || opts.StatusFD != 4 {
		t.Fatalf("unexpected fds: control=%d status=%d", opts.ControlFD, opts.StatusFD)
	}
	if !opts.HasControl || !opts.HasStatus {
		t.Fatalf("expected both channels present")
	}
	if opts.Program != "/bin/sleep" {
		t.Fatalf("unexpected program: %q", opts.Program)
	}
	if len(opts.Args) != 1 || opts.Args[0] != "60" {
		t.Fatalf("unexpected args: %v", opts.Args)
	}
}

func TestParse_AbsentChannels(t *testing.T) {
	opts, err := Parse([]string{"-1", "-1", "/bin/true"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if opts.HasControl || opts.HasStatus {
		t.Fatalf("expected both channels absent")
	}
	if len(opts.Args) != 0 {
		t.Fatalf("expected no program args, got %v", opts.Args)
	}
}

func TestParse_TooFewArgs(t *testing.T) {
	if _, err := Parse([]string{"3", "4"}); err == nil {
		t.Fatal("expected error for missing program argument")
	}
}

func TestParse_NonIntegerFD(t *testing.T) {
	if _, err := Parse([]string{"x", "4", "/bin/true"}); err == nil {
		t.Fatal("expected error for non-integer controlfd")
	}
}

func TestParse_NegativeFDOtherThanAbsent(t *testing.T) {
	if _, err := Parse([]string{"-2", "4", "/bin/true"}); err == nil {
		t.Fatal("expected error for fd < -1")
	}
}
