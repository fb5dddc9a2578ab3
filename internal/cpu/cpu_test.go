package cpu

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"testing"

	"github.com/ossim-core/ossim/internal/logstream"
	"github.com/ossim-core/ossim/internal/mailbox"
	"github.com/ossim-core/ossim/internal/pcb"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunner is a minimal stand-in for the scheduler: it always reports the
// same PCB as RUNNING until Drop is called, and just records Block calls.
type fakeRunner struct {
	p       *pcb.PCB
	blocked []int
	dropped []int
}

func (f *fakeRunner) GetRunning() *pcb.PCB { return f.p }
func (f *fakeRunner) Block(pid int)        { f.blocked = append(f.blocked, pid) }
func (f *fakeRunner) Drop(pid int) {
	f.dropped = append(f.dropped, pid)
	f.p = nil
}

// driveMMU answers at most one pending MMU request per call against an
// address-indexed cell map, mimicking the real MMU closely enough to drive
// the CPU's fetch/execute loop end to end in isolation.
func driveMMU(mb *mailbox.Mailbox, cells map[int]string) {
	msg, ok := mb.Get(mailbox.MMU)
	if !ok {
		return
	}
	switch msg.Verb() {
	case "read":
		pid, _ := strconv.Atoi(msg.Arg(1))
		addr, _ := strconv.Atoi(msg.Arg(2))
		final := msg.Arg(3)
		mb.Put(mailbox.MMU, strconv.Itoa(pid), fmt.Sprintf("data|%s|%s", cells[addr], final))
	case "write":
		addr, _ := strconv.Atoi(msg.Arg(2))
		cells[addr] = msg.Arg(3)
	}
}

func cellsFromLines(lines []string) map[int]string {
	cells := make(map[int]string, len(lines))
	for i, l := range lines {
		cells[i] = l
	}
	return cells
}

func runUntil(t *testing.T, c *CPU, mb *mailbox.Mailbox, cells map[int]string, maxTicks int, done func() bool) {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		c.Tick()
		driveMMU(mb, cells)
		if done() {
			return
		}
	}
	t.Fatalf("condition not satisfied within %d ticks", maxTicks)
}

func TestVarWithValueThenOutPrintsWrittenValue(t *testing.T) {
	lines := []string{"var x 0 5", "out x"}
	cells := cellsFromLines(lines)
	p := pcb.NewPCB(7, "program.txt", len(lines), 0)
	runner := &fakeRunner{p: p}
	mb := mailbox.New(nil)
	output := logstream.New()
	c := New(mb, runner, t.TempDir(), silentLogger(), nil, output)

	runUntil(t, c, mb, cells, 50, func() bool { return len(output.Lines()) > 0 })

	got := output.Lines()
	if len(got) != 1 || got[0] != "[7] 5" {
		t.Fatalf("output = %v, want [\"[7] 5\"]", got)
	}
}

func TestIncTwiceThenOutAccumulates(t *testing.T) {
	lines := []string{"var x 0 0", "inc x", "inc x", "out x"}
	cells := cellsFromLines(lines)
	p := pcb.NewPCB(3, "program.txt", len(lines), 0)
	runner := &fakeRunner{p: p}
	mb := mailbox.New(nil)
	output := logstream.New()
	c := New(mb, runner, t.TempDir(), silentLogger(), nil, output)

	runUntil(t, c, mb, cells, 100, func() bool { return len(output.Lines()) > 0 })

	got := output.Lines()
	if len(got) != 1 || got[0] != "[3] 2.0" {
		t.Fatalf("output = %v, want [\"[3] 2.0\"]", got)
	}
}

func TestMathExpressionHonorsParensOverPrecedence(t *testing.T) {
	lines := []string{
		"var x 0 10",
		"var y 1 3",
		"var z 2 0",
		"math z=(x+y)*2",
		"out z",
	}
	cells := cellsFromLines(lines)
	p := pcb.NewPCB(9, "program.txt", len(lines), 0)
	runner := &fakeRunner{p: p}
	mb := mailbox.New(nil)
	output := logstream.New()
	c := New(mb, runner, t.TempDir(), silentLogger(), nil, output)

	runUntil(t, c, mb, cells, 200, func() bool { return len(output.Lines()) > 0 })

	got := output.Lines()
	if len(got) != 1 || got[0] != "[9] 26.0" {
		t.Fatalf("output = %v, want [\"[9] 26.0\"]", got)
	}
}

func jumpifProgram(xVal, yVal string) (lines []string, labels map[string]int) {
	lines = []string{
		"var x 0 " + xVal,
		"var y 1 " + yVal,
		"jumpif x == y toEqual",
		"out x",
		"jump skip",
		"toEqual: out y",
		"skip: null",
	}
	labels = map[string]int{"toEqual": 5, "skip": 6}
	return lines, labels
}

func TestJumpifTakesBranchOnMatch(t *testing.T) {
	lines, labels := jumpifProgram("5", "5")
	cells := cellsFromLines(lines)
	p := pcb.NewPCB(1, "program.txt", len(lines), 0)
	p.Labels = labels
	runner := &fakeRunner{p: p}
	mb := mailbox.New(nil)
	c := New(mb, runner, t.TempDir(), silentLogger(), nil, nil)

	runUntil(t, c, mb, cells, 100, func() bool { return p.PC > 2 })

	if p.PC != 5 {
		t.Fatalf("PC = %d, want 5 (branch taken)", p.PC)
	}
}

func TestJumpifFallsThroughWithoutMatch(t *testing.T) {
	lines, labels := jumpifProgram("5", "9")
	cells := cellsFromLines(lines)
	p := pcb.NewPCB(2, "program.txt", len(lines), 0)
	p.Labels = labels
	runner := &fakeRunner{p: p}
	mb := mailbox.New(nil)
	c := New(mb, runner, t.TempDir(), silentLogger(), nil, nil)

	runUntil(t, c, mb, cells, 100, func() bool { return p.PC > 2 })

	if p.PC != 3 {
		t.Fatalf("PC = %d, want 3 (fallthrough)", p.PC)
	}
}

func TestUndefinedLabelFaultsAndDropsProcess(t *testing.T) {
	lines := []string{"jump nowhere"}
	cells := cellsFromLines(lines)
	p := pcb.NewPCB(4, "program.txt", len(lines), 0)
	runner := &fakeRunner{p: p}
	mb := mailbox.New(nil)
	c := New(mb, runner, t.TempDir(), silentLogger(), nil, nil)

	runUntil(t, c, mb, cells, 50, func() bool { return len(runner.dropped) > 0 })

	if len(runner.dropped) != 1 || runner.dropped[0] != 4 {
		t.Fatalf("dropped = %v, want [4]", runner.dropped)
	}
}

func TestAllocSendsAllocateRequestAndBlocks(t *testing.T) {
	lines := []string{"alloc 8", "exit"}
	cells := cellsFromLines(lines)
	p := pcb.NewPCB(6, "program.txt", len(lines), 0)
	runner := &fakeRunner{p: p}
	mb := mailbox.New(nil)
	c := New(mb, runner, t.TempDir(), silentLogger(), nil, nil)

	c.Tick() // fetch
	driveMMU(mb, cells)
	c.Tick() // cache instruction
	c.Tick() // exec alloc

	msg, ok := mb.Get(mailbox.MMU)
	if !ok || msg.Verb() != "allocate" || msg.Arg(1) != "6" || msg.Arg(2) != "8" || msg.Arg(3) != "false" {
		t.Fatalf("expected allocate|6|8|false, got %+v ok=%v", msg, ok)
	}
	if len(runner.blocked) != 1 || runner.blocked[0] != 6 {
		t.Fatalf("blocked = %v, want [6]", runner.blocked)
	}
	if p.PC != 1 {
		t.Fatalf("PC = %d, want 1 (alloc advances immediately)", p.PC)
	}
}

func TestFreeSendsFreeRequestWithoutBlocking(t *testing.T) {
	lines := []string{"free 4", "exit"}
	cells := cellsFromLines(lines)
	p := pcb.NewPCB(8, "program.txt", len(lines), 0)
	runner := &fakeRunner{p: p}
	mb := mailbox.New(nil)
	c := New(mb, runner, t.TempDir(), silentLogger(), nil, nil)

	c.Tick()
	driveMMU(mb, cells)
	c.Tick()
	c.Tick()

	msg, ok := mb.Get(mailbox.MMU)
	if !ok || msg.Verb() != "free" || msg.Arg(1) != "8" || msg.Arg(2) != "4" {
		t.Fatalf("expected free|8|4, got %+v ok=%v", msg, ok)
	}
	if len(runner.blocked) != 0 {
		t.Fatalf("blocked = %v, want none", runner.blocked)
	}
}

func TestDropInvalidatesCaches(t *testing.T) {
	lines := []string{"var x 0 1"}
	cells := cellsFromLines(lines)
	p := pcb.NewPCB(5, "program.txt", len(lines), 0)
	runner := &fakeRunner{p: p}
	mb := mailbox.New(nil)
	c := New(mb, runner, t.TempDir(), silentLogger(), nil, nil)

	c.Tick() // issues fetch
	driveMMU(mb, cells)
	c.Tick() // caches instruction
	if _, ok := c.instrCache[5]; !ok {
		t.Fatal("expected instruction cache to be populated before drop")
	}

	mb.Put(mailbox.Scheduler, mailbox.CPU, "drop|5")
	runner.p = nil // the scheduler always clears running before broadcasting drop
	c.Tick()

	if _, ok := c.instrCache[5]; ok {
		t.Fatal("expected instruction cache to be cleared after drop")
	}
	if _, ok := c.varCache[5]; ok {
		t.Fatal("expected variable cache to be cleared after drop")
	}
}
