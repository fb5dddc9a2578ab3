// Package cpu implements the fetch/execute loop: one cached instruction and
// one cached label table per process, driven entirely by mailbox exchanges
// with the scheduler and MMU (spec §4.4).
package cpu

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ossim-core/ossim/internal/logstream"
	"github.com/ossim-core/ossim/internal/mailbox"
	"github.com/ossim-core/ossim/internal/pcb"
	"github.com/ossim-core/ossim/internal/simerrors"
)

// Runner is the scheduler's view as seen by the CPU: which PCB is currently
// RUNNING, plus the two internal calls a running process can make on itself.
type Runner interface {
	GetRunning() *pcb.PCB
	Block(pid int)
	Drop(pid int)
}

// pendingOp is a suspended continuation waiting on one or more buffered
// MMU read replies before it can finish decoding or executing an
// instruction.
type pendingOp struct {
	wantReads int
	values    []string
	resume    func(values []string)
}

type processState struct {
	fetchRequested bool
	pending        *pendingOp
}

// CPU holds the per-process instruction cache, variable-to-address table,
// and label table, none of which survive a drop.
type CPU struct {
	mailbox   *mailbox.Mailbox
	sched     Runner
	outputDir string

	instrCache map[int]string
	varCache   map[int]map[string]int
	labelCache map[int]map[string]int
	state      map[int]*processState
	writers    map[int]*os.File

	log    *slog.Logger
	trace  *logstream.Stream
	output *logstream.Stream
}

// New creates a CPU. trace receives one line per executed instruction for
// GUI consumption; output receives one line per `out` instruction across
// every process (spec §6).
func New(mb *mailbox.Mailbox, sched Runner, outputDir string, log *slog.Logger, trace, output *logstream.Stream) *CPU {
	return &CPU{
		mailbox:    mb,
		sched:      sched,
		outputDir:  outputDir,
		instrCache: make(map[int]string),
		varCache:   make(map[int]map[string]int),
		labelCache: make(map[int]map[string]int),
		state:      make(map[int]*processState),
		writers:    make(map[int]*os.File),
		log:        log,
		trace:      trace,
		output:     output,
	}
}

// Tick performs one fetch/execute step for whatever process is currently
// RUNNING, per spec §4.4's seven-step loop.
func (c *CPU) Tick() {
	c.drainControl()

	p := c.sched.GetRunning()
	if p == nil {
		return
	}
	pid := p.PID
	c.ensureProcess(pid, p)

	if c.instrCache[pid] == "" {
		c.fetch(pid, p)
		return
	}

	st := c.state[pid]
	if st.pending != nil {
		if !c.drainPending(pid, st) {
			return
		}
		resume := st.pending.resume
		values := st.pending.values
		st.pending = nil
		resume(values)
		return
	}

	line := stripLabel(c.instrCache[pid])
	if c.trace != nil {
		c.trace.Append(fmt.Sprintf("[CPU] pid=%d pc=%d: %s", pid, p.PC, line))
	}
	c.exec(pid, p, line)
}

// Run drives Tick at rateHz ops/second until ctx is cancelled.
func (c *CPU) Run(ctx context.Context, rateHz int) {
	ticker := time.NewTicker(tickInterval(rateHz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

func tickInterval(rateHz int) time.Duration {
	if rateHz <= 0 {
		rateHz = 1
	}
	return time.Second / time.Duration(rateHz)
}

func (c *CPU) ensureProcess(pid int, p *pcb.PCB) {
	if _, ok := c.varCache[pid]; !ok {
		c.varCache[pid] = make(map[string]int)
	}
	if _, ok := c.labelCache[pid]; !ok {
		labels := p.Labels
		if labels == nil {
			labels = map[string]int{}
		}
		c.labelCache[pid] = labels
	}
	if _, ok := c.state[pid]; !ok {
		c.state[pid] = &processState{}
	}
}

// drainControl handles every drop notice addressed to the CPU this tick,
// invalidating every cache the dropped process owned.
func (c *CPU) drainControl() {
	for {
		msg, ok := c.mailbox.Get(mailbox.CPU)
		if !ok {
			return
		}
		if msg.Verb() != "drop" {
			c.log.Warn("unknown verb addressed to CPU", "verb", msg.Verb())
			continue
		}
		pid, err := strconv.Atoi(msg.Arg(1))
		if err != nil {
			continue
		}
		c.forget(pid)
	}
}

func (c *CPU) forget(pid int) {
	delete(c.instrCache, pid)
	delete(c.varCache, pid)
	delete(c.labelCache, pid)
	delete(c.state, pid)
	c.closeWriter(pid)
}

// fetch implements step 4: check the process's private channel for the
// outstanding fetch reply, or issue a fresh one if none has been requested
// yet.
func (c *CPU) fetch(pid int, p *pcb.PCB) {
	if msg, ok := c.mailbox.Get(strconv.Itoa(pid)); ok {
		if msg.Verb() == "data" {
			c.instrCache[pid] = msg.Arg(1)
			c.state[pid].fetchRequested = false
		}
		return
	}

	if !c.state[pid].fetchRequested {
		c.mailbox.Put(strconv.Itoa(pid), mailbox.MMU, fmt.Sprintf("read|%d|%d|true", pid, p.PC))
		c.state[pid].fetchRequested = true
	}
}

// drainPending implements step 5: collect buffered data replies for the
// instruction currently being decoded, stopping once enough values have
// arrived or a final-marked reply is seen.
func (c *CPU) drainPending(pid int, st *processState) bool {
	for len(st.pending.values) < st.pending.wantReads {
		msg, ok := c.mailbox.Get(strconv.Itoa(pid))
		if !ok {
			return false
		}
		if msg.Verb() != "data" {
			continue
		}
		st.pending.values = append(st.pending.values, msg.Arg(1))
		if msg.Arg(2) == "true" {
			break
		}
	}
	return len(st.pending.values) >= st.pending.wantReads
}

// stripLabel removes a leading "label:" prefix from a cached instruction
// line, per step 6.
func stripLabel(line string) string {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return line
	}
	candidate := line[:idx]
	if strings.ContainsAny(candidate, " \t") {
		return line
	}
	return strings.TrimSpace(line[idx+1:])
}

func (c *CPU) advance(p *pcb.PCB) {
	p.PC++
	c.instrCache[p.PID] = ""
}

// fault implements the CPU's failure policy (spec §4.4): log, then drop the
// offending process. It is used for every PROGRAM_FAULT this package can
// raise: undefined variables and labels, malformed math expressions, and
// values that do not parse as doubles where one is required.
func (c *CPU) fault(p *pcb.PCB, reason string) {
	err := simerrors.New(simerrors.ProgramFault, p.PID, reason)
	c.log.Error("[CPU/ERROR] "+reason, "pid", p.PID, "kind", err.Kind.String())
	if c.trace != nil {
		c.trace.Append(fmt.Sprintf("[CPU/ERROR] pid=%d: %s", p.PID, reason))
	}
	c.instrCache[p.PID] = ""
	c.sched.Drop(p.PID)
}

func (c *CPU) writeOutput(p *pcb.PCB, value string) {
	line := fmt.Sprintf("[%d] %s", p.PID, value)
	if c.output != nil {
		c.output.Append(line)
	}
	if w := c.outputWriter(p); w != nil {
		fmt.Fprintln(w, value)
	}
}

// outputWriter opens (and caches) the per-process output file, named after
// the program's own basename with a "(n)" suffix inserted on collision,
// per spec §3/§6.
func (c *CPU) outputWriter(p *pcb.PCB) *os.File {
	if w, ok := c.writers[p.PID]; ok {
		return w
	}
	path, err := c.claimOutputPath(p.CodePath)
	if err != nil {
		c.log.Error("[CPU/ERROR] could not claim output file name", "pid", p.PID, "error", err)
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		c.log.Error("[CPU/ERROR] could not open output file", "pid", p.PID, "error", err)
		return nil
	}
	c.writers[p.PID] = f
	return f
}

// claimOutputPath picks the first unused name for codePath's basename under
// c.outputDir: the bare basename if free, else the basename's stem (text
// before its first '.') with an incrementing "(n).txt" suffix.
func (c *CPU) claimOutputPath(codePath string) (string, error) {
	name := filepath.Base(codePath)
	first := filepath.Join(c.outputDir, name)
	switch _, err := os.Stat(first); {
	case err == nil:
		// fall through to the numbered search below
	case os.IsNotExist(err):
		return first, nil
	default:
		return "", err
	}

	stem := strings.SplitN(name, ".", 2)[0]
	for n := 1; ; n++ {
		candidate := filepath.Join(c.outputDir, fmt.Sprintf("%s(%d).txt", stem, n))
		switch _, err := os.Stat(candidate); {
		case err == nil:
			continue
		case os.IsNotExist(err):
			return candidate, nil
		default:
			return "", err
		}
	}
}

func (c *CPU) closeWriter(pid int) {
	if w, ok := c.writers[pid]; ok {
		w.Close()
		delete(c.writers, pid)
	}
}
