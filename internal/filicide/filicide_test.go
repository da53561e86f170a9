package filicide

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gosupervise/internal/logx"
	"gosupervise/internal/xerrors"
)

const selfPID = 100

// fakeTable simulates a pid tree in memory: parent[pid] = ppid for every
// pid that currently "exists". Kill marks a pid exited and, per the real
// kernel's reparenting behavior, immediately reparents its own children
// to selfPID - this is what lets the ascending-sweep/outer-loop algorithm
// pick up grandchildren on the very next iteration of the same sweep.
type fakeTable struct {
	parent map[int]int
	killed map[int]bool
	kills  []int
	// forkOnKill, if set, is called right after a pid is killed so tests
	// can simulate adversarial forking mid-sweep.
	forkOnKill func(killedPID int, t *fakeTable)
	signals    map[int][]int
}

func newFakeTable() *fakeTable {
	return &fakeTable{parent: map[int]int{}, killed: map[int]bool{}}
}

func (f *fakeTable) ParentOf(pid int) (int, error) {
	p, ok := f.parent[pid]
	if !ok {
		return 0, xerrors.ErrNoSuchProcess
	}
	return p, nil
}

func (f *fakeTable) Kill(pid int) error {
	f.killed[pid] = true
	f.kills = append(f.kills, pid)
	// Reparent this pid's children to selfPID, simulating subreaping.
	for child, p := range f.parent {
		if p == pid {
			f.parent[child] = selfPID
		}
	}
	if f.forkOnKill != nil {
		f.forkOnKill(pid, f)
	}
	return nil
}

func (f *fakeTable) WaitNoReap(pid int) error {
	// Killed pids stay present in f.parent (the zombie invariant, I4);
	// nothing to do here besides "block", which is a no-op in the fake.
	return nil
}

func (f *fakeTable) Signal(pid, sig int) error {
	if f.signals == nil {
		f.signals = map[int][]int{}
	}
	f.signals[pid] = append(f.signals[pid], sig)
	return nil
}

func TestFilicide_Idempotent(t *testing.T) {
	table := newFakeTable()
	e := New(table, 1000, func() int { return selfPID }, logx.NoOp{})
	if err := e.Filicide(); err != nil {
		t.Fatalf("Filicide on empty descendant set returned error: %v", err)
	}
	if len(table.kills) != 0 {
		t.Fatalf("expected no kills, got %v", table.kills)
	}
}

func TestFilicide_SimpleChildren(t *testing.T) {
	table := newFakeTable()
	table.parent[101] = selfPID
	table.parent[102] = selfPID
	table.parent[103] = 999 // not ours

	e := New(table, 1000, func() int { return selfPID }, logx.NoOp{})
	if err := e.Filicide(); err != nil {
		t.Fatalf("Filicide returned error: %v", err)
	}
	if !table.killed[101] || !table.killed[102] {
		t.Fatalf("expected 101 and 102 killed, got %v", table.kills)
	}
	if table.killed[103] {
		t.Fatalf("103 is not our child and must not be killed")
	}
}

func TestFilicide_Grandchildren(t *testing.T) {
	table := newFakeTable()
	table.parent[101] = selfPID
	table.parent[150] = 101 // grandchild, reparented to us once 101 dies

	e := New(table, 1000, func() int { return selfPID }, logx.NoOp{})
	if err := e.Filicide(); err != nil {
		t.Fatalf("Filicide returned error: %v", err)
	}
	for _, pid := range []int{101, 150} {
		if !table.killed[pid] {
			t.Fatalf("expected pid %d killed, kills=%v", pid, table.kills)
		}
	}
}

func TestFilicide_AdversarialForking(t *testing.T) {
	table := newFakeTable()
	table.parent[101] = selfPID

	// Every time we kill something, a brand-new descendant pops into
	// existence exactly once, at a pid past wherever the sweep already
	// is - this models "late fork" (spec.md §4.B) without ever making
	// the test non-terminating.
	forks := 0
	table.forkOnKill = func(killed int, f *fakeTable) {
		if forks < 3 {
			forks++
			f.parent[900+forks] = selfPID
		}
	}

	e := New(table, 1000, func() int { return selfPID }, logx.NoOp{})
	if err := e.Filicide(); err != nil {
		t.Fatalf("Filicide returned error: %v", err)
	}
	if forks != 3 {
		t.Fatalf("expected all 3 adversarial forks to be created, got %d", forks)
	}
	for i := 1; i <= 3; i++ {
		if !table.killed[900+i] {
			t.Fatalf("expected adversarially-forked pid %d killed", 900+i)
		}
	}
}

func TestFilicide_DeadSetMonotonic(t *testing.T) {
	table := newFakeTable()
	table.parent[101] = selfPID

	e := New(table, 1000, func() int { return selfPID }, logx.NoOp{})
	if err := e.Filicide(); err != nil {
		t.Fatalf("Filicide returned error: %v", err)
	}
	firstKills := append([]int(nil), table.kills...)

	// 101 stays a zombie child of self through the first call's second
	// pass; only the dead-set keeps that pass from killing it again.
	if len(firstKills) != 1 || firstKills[0] != 101 {
		t.Fatalf("expected 101 killed exactly once, kills=%v", firstKills)
	}

	// Reap the zombie, as the supervisor's reapChildren would.
	delete(table.parent, 101)

	// A second Filicide call must not re-kill anything: the descendant
	// set is empty, so it's a no-op (idempotence), and the dead-set from
	// the first call is gone (it was scoped to that single invocation).
	if err := e.Filicide(); err != nil {
		t.Fatalf("second Filicide returned error: %v", err)
	}
	if len(table.kills) != len(firstKills) {
		t.Fatalf("second Filicide call should not kill anything new, kills=%v", table.kills)
	}
}

func TestDescendants_Transitive(t *testing.T) {
	table := newFakeTable()
	table.parent[101] = selfPID
	table.parent[150] = 101 // grandchild, not an immediate child of self
	table.parent[999] = 1   // unrelated process

	e := New(table, 1000, func() int { return selfPID }, logx.NoOp{})
	got := e.Descendants(selfPID)

	// ElementsMatch earns its keep here over a manual loop: it reports
	// both missing and unexpected members in one diff instead of two
	// separate assertions.
	assert.ElementsMatch(t, []int{101, 150}, got)
}

func TestBroadcast_SignalsWithoutKilling(t *testing.T) {
	table := newFakeTable()
	table.parent[101] = selfPID
	table.parent[150] = 101
	table.parent[999] = 1

	e := New(table, 1000, func() int { return selfPID }, logx.NoOp{})
	e.Broadcast(15)

	if len(table.kills) != 0 {
		t.Fatalf("Broadcast must not kill anything, got kills=%v", table.kills)
	}
	for _, pid := range []int{101, 150} {
		if len(table.signals[pid]) != 1 || table.signals[pid][0] != 15 {
			t.Fatalf("expected pid %d to receive signal 15, got %v", pid, table.signals[pid])
		}
	}
	if len(table.signals[999]) != 0 {
		t.Fatalf("999 is not a descendant and must not be signaled")
	}
}
