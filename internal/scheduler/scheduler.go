// Package scheduler implements process admission, the ready/blocked/swapped
// queues, round-robin dispatch with a quantum, and swap coordination with
// the MMU (spec §4.3).
package scheduler

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ossim-core/ossim/internal/logstream"
	"github.com/ossim-core/ossim/internal/mailbox"
	"github.com/ossim-core/ossim/internal/pcb"
	"github.com/ossim-core/ossim/internal/semaphore"
)

// Scheduler owns every PCB and the queues that move them between states.
type Scheduler struct {
	mu sync.Mutex

	mailbox  *mailbox.Mailbox
	swapLock *semaphore.Semaphore
	quantum  int

	pcbs    map[int]*pcb.PCB
	nextPID int

	ready   []int
	blocked []int
	swapped map[int]struct{}

	running      int
	runningTicks int

	toPurge []int

	log   *slog.Logger
	trace *logstream.Stream
}

// New creates a Scheduler. swapLock is shared with the MMU: the MMU holds
// it exclusively during a multi-step swap-out, and the scheduler refuses to
// advance the running process while it is held.
func New(quantum int, mb *mailbox.Mailbox, swapLock *semaphore.Semaphore, log *slog.Logger, trace *logstream.Stream) *Scheduler {
	if quantum <= 0 {
		quantum = 1
	}
	return &Scheduler{
		mailbox:  mb,
		swapLock: swapLock,
		quantum:  quantum,
		pcbs:     make(map[int]*pcb.PCB),
		swapped:  make(map[int]struct{}),
		running:  -1,
		log:      log,
		trace:    trace,
	}
}

// Swappable returns a snapshot of candidate swap victims: every BLOCKED
// process (oldest first) followed by every READY process except the head of
// the queue, which is next in line to run.
func (s *Scheduler) Swappable() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]int, 0, len(s.blocked)+len(s.ready))
	candidates = append(candidates, s.blocked...)
	if len(s.ready) > 1 {
		candidates = append(candidates, s.ready[1:]...)
	}
	return candidates
}

// GetRunning returns the PCB currently RUNNING, or nil if no process is.
// It never blocks.
func (s *Scheduler) GetRunning() *pcb.PCB {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == -1 {
		return nil
	}
	return s.pcbs[s.running]
}

// Tick drains every pending message addressed to the scheduler, then, if
// the swap lock is free, advances the running process by one quantum slot.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeTerminated()

	for {
		msg, ok := s.mailbox.Get(mailbox.Scheduler)
		if !ok {
			break
		}
		s.handle(msg)
	}

	if s.swapLock.Free() {
		s.advance()
	}
}

// Run drives Tick at rateHz ops/second until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, rateHz int) {
	ticker := time.NewTicker(tickInterval(rateHz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

func tickInterval(rateHz int) time.Duration {
	if rateHz <= 0 {
		rateHz = 1
	}
	return time.Second / time.Duration(rateHz)
}

func (s *Scheduler) purgeTerminated() {
	for _, pid := range s.toPurge {
		delete(s.pcbs, pid)
	}
	s.toPurge = s.toPurge[:0]
}

func (s *Scheduler) handle(msg mailbox.Message) {
	switch msg.Verb() {
	case "admit":
		s.handleAdmit(msg)
	case "allocated":
		s.handleAllocated(msg)
	case "unblock":
		s.handleUnblock(msg)
	case "block":
		s.handleBlock(msg)
	case "drop":
		s.handleDrop(msg)
	case "swappedOut":
		s.handleSwappedOut(msg)
	case "swappedIn":
		s.handleSwappedIn(msg)
	case "skip":
		s.handleSkip(msg)
	default:
		s.log.Warn("unknown verb addressed to scheduler", "verb", msg.Verb())
	}
}

// Admit creates a fresh PCB for a newly chosen program and starts the
// admission sequence. It is exported so the out-of-scope GUI/file-chooser
// collaborator can drive it directly, without routing through the mailbox
// when it already has a synchronous handle on the Scheduler.
func (s *Scheduler) Admit(path string, codeLength int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admitLocked(path, codeLength)
}

func (s *Scheduler) admitLocked(path string, codeLength int) int {
	pid := s.nextPID
	s.nextPID++
	p := pcb.NewPCB(pid, path, codeLength, pid)
	labels, err := scanLabels(path)
	if err != nil {
		s.log.Error("[SCHEDULER/ERROR] could not scan labels", "pid", pid, "path", path, "error", err)
	} else {
		p.Labels = labels
	}
	s.pcbs[pid] = p

	s.mailbox.Put(mailbox.Scheduler, mailbox.MMU, fmt.Sprintf("allocate|%d|%d|true", pid, codeLength))
	s.log.Info("process admitted", "pid", pid, "path", path, "code_length", codeLength)
	return pid
}

func (s *Scheduler) handleAdmit(msg mailbox.Message) {
	path := msg.Arg(1)
	codeLength, err := strconv.Atoi(msg.Arg(2))
	if err != nil {
		s.log.Error("malformed admit request", "tokens", msg.Tokens)
		return
	}
	s.admitLocked(path, codeLength)
}

func (s *Scheduler) handleAllocated(msg mailbox.Message) {
	pid, err := strconv.Atoi(msg.Arg(1))
	if err != nil {
		s.log.Error("malformed allocated notice", "tokens", msg.Tokens)
		return
	}
	p, ok := s.pcbs[pid]
	if !ok {
		return
	}

	lines, err := readProgramLines(p.CodePath)
	if err != nil {
		s.log.Error("[SCHEDULER/ERROR] could not read program source", "pid", pid, "error", err)
		return
	}

	for i := 0; i < p.CodeLength; i++ {
		line := ""
		if i < len(lines) {
			line = lines[i]
		}
		final := i == p.CodeLength-1
		s.mailbox.Put(mailbox.Scheduler, mailbox.MMU, fmt.Sprintf("write|%d|%d|%s|%v", pid, i, line, final))
	}

	p.SetStatus(pcb.Ready)
	s.ready = append(s.ready, pid)
	s.log.Info("code loaded, process ready", "pid", pid)
}

func (s *Scheduler) handleUnblock(msg mailbox.Message) {
	pid, err := strconv.Atoi(msg.Arg(1))
	if err != nil {
		s.log.Error("malformed unblock notice", "tokens", msg.Tokens)
		return
	}
	p, ok := s.pcbs[pid]
	if !ok || p.Status != pcb.Blocked {
		return
	}
	s.blocked = removePID(s.blocked, pid)
	p.SetStatus(pcb.Ready)
	s.ready = append(s.ready, pid)
	s.log.Info("process unblocked", "pid", pid)
}

// Block is the CPU's internal call moving the currently RUNNING process to
// BLOCKED (spec §4.3's "block pid (internal call from CPU)").
func (s *Scheduler) Block(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handleBlock(mailbox.NewMessage(mailbox.CPU, mailbox.Scheduler, fmt.Sprintf("block|%d", pid)))
}

func (s *Scheduler) handleBlock(msg mailbox.Message) {
	pid, err := strconv.Atoi(msg.Arg(1))
	if err != nil {
		s.log.Error("malformed block notice", "tokens", msg.Tokens)
		return
	}
	p, ok := s.pcbs[pid]
	if !ok || p.Status != pcb.Running {
		return
	}
	if s.running == pid {
		s.running = -1
		s.runningTicks = 0
	}
	p.SetStatus(pcb.Blocked)
	s.blocked = append(s.blocked, pid)
	s.log.Info("process blocked", "pid", pid)
}

// Drop is the CPU's internal call terminating a process after an
// unrecoverable program fault (spec §4.4's failure policy).
func (s *Scheduler) Drop(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handleDrop(mailbox.NewMessage(mailbox.CPU, mailbox.Scheduler, fmt.Sprintf("drop|%d", pid)))
}

func (s *Scheduler) handleDrop(msg mailbox.Message) {
	pid, err := strconv.Atoi(msg.Arg(1))
	if err != nil {
		s.log.Error("malformed drop notice", "tokens", msg.Tokens)
		return
	}
	p, ok := s.pcbs[pid]
	if !ok || p.Status == pcb.Terminated {
		return
	}

	switch p.Status {
	case pcb.Ready:
		s.ready = removePID(s.ready, pid)
	case pcb.Blocked:
		s.blocked = removePID(s.blocked, pid)
	case pcb.SwappedOut:
		delete(s.swapped, pid)
	case pcb.Running:
		if s.running == pid {
			s.running = -1
			s.runningTicks = 0
		}
	}

	p.SetStatus(pcb.Terminated)
	s.toPurge = append(s.toPurge, pid)

	s.mailbox.Put(mailbox.Scheduler, mailbox.CPU, fmt.Sprintf("drop|%d", pid))
	s.mailbox.Put(mailbox.Scheduler, mailbox.MMU, fmt.Sprintf("drop|%d", pid))
	s.log.Info("process terminated", "pid", pid,
		"total_running_ticks", p.TotalRunningTicks, "times_scheduled", p.TimesScheduled)
}

func (s *Scheduler) handleSwappedOut(msg mailbox.Message) {
	pid, err := strconv.Atoi(msg.Arg(1))
	if err != nil {
		s.log.Error("malformed swappedOut notice", "tokens", msg.Tokens)
		return
	}
	p, ok := s.pcbs[pid]
	if !ok {
		return
	}
	switch p.Status {
	case pcb.Ready:
		s.ready = removePID(s.ready, pid)
	case pcb.Blocked:
		s.blocked = removePID(s.blocked, pid)
	}
	p.SetStatus(pcb.SwappedOut)
	s.swapped[pid] = struct{}{}
	s.log.Info("process swapped out", "pid", pid)
}

func (s *Scheduler) handleSwappedIn(msg mailbox.Message) {
	pid, err := strconv.Atoi(msg.Arg(1))
	if err != nil {
		s.log.Error("malformed swappedIn notice", "tokens", msg.Tokens)
		return
	}
	p, ok := s.pcbs[pid]
	if !ok {
		return
	}
	delete(s.swapped, pid)
	p.SetStatus(pcb.Ready)
	s.ready = append(s.ready, pid)
	s.log.Info("process swapped in", "pid", pid)
}

func (s *Scheduler) handleSkip(msg mailbox.Message) {
	pid, err := strconv.Atoi(msg.Arg(1))
	if err != nil {
		s.log.Error("malformed skip notice", "tokens", msg.Tokens)
		return
	}
	s.ready = removePID(s.ready, pid)
	s.ready = append(s.ready, pid)
	s.log.Info("process skipped, rotated to ready tail", "pid", pid)
}

// advance either promotes a new RUNNING process or counts one more quantum
// slot for the current one, rotating it out once the quantum is spent.
func (s *Scheduler) advance() {
	if s.running == -1 {
		s.selectRunning()
		return
	}

	s.runningTicks++
	if s.runningTicks >= s.quantum {
		p := s.pcbs[s.running]
		p.SetStatus(pcb.Ready)
		s.ready = append(s.ready, s.running)
		s.running = -1
		s.runningTicks = 0
		s.selectRunning()
	}
}

func (s *Scheduler) selectRunning() {
	if len(s.ready) == 0 {
		return
	}
	pid := s.ready[0]
	s.ready = s.ready[1:]

	p, ok := s.pcbs[pid]
	if !ok {
		return
	}

	if p.Status == pcb.SwappedOut {
		s.mailbox.Put(mailbox.Scheduler, mailbox.MMU, fmt.Sprintf("swapIn|%d", pid))
		return
	}

	p.SetStatus(pcb.Running)
	s.running = pid
	s.runningTicks = 0
}

func removePID(queue []int, pid int) []int {
	for i, p := range queue {
		if p == pid {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}

func readProgramLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// scanLabels performs the single-pass label scan spec §9 recommends doing
// at admission time rather than on the CPU's first schedule of the PID.
func scanLabels(path string) (map[string]int, error) {
	lines, err := readProgramLines(path)
	if err != nil {
		return nil, err
	}

	labels := make(map[string]int)
	for i, line := range lines {
		name, hasLabel := splitLabel(line)
		if hasLabel {
			labels[name] = i
		}
	}
	return labels, nil
}

// splitLabel reports whether line has a leading "name:" label prefix and
// returns the label name if so.
func splitLabel(line string) (name string, ok bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", false
	}
	candidate := line[:idx]
	if strings.ContainsAny(candidate, " \t") {
		return "", false
	}
	return candidate, true
}
