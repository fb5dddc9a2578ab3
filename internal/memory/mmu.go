// Package memory implements the MMU: paged virtual memory, allocation,
// read/write, and swap in/out (spec §4.2). The MMU serves exactly one
// mailbox request per tick and publishes every outcome back to the
// scheduler or to the requesting process's private channel.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/rs/xid"

	"github.com/ossim-core/ossim/internal/logstream"
	"github.com/ossim-core/ossim/internal/mailbox"
	"github.com/ossim-core/ossim/internal/semaphore"
	"github.com/ossim-core/ossim/internal/simerrors"
)

// SwappableProvider publishes a read-only snapshot of candidate swap
// victims (spec §4.3's "swappable" list), implemented by the scheduler.
type SwappableProvider interface {
	Swappable() []int
}

type allocOutcome int

const (
	outcomeSuccess allocOutcome = iota
	outcomeExceedsCapacity
	outcomeNoFreeFrames
)

// MMU owns physical memory, the frame allocation table, and every process's
// page table.
type MMU struct {
	pageSize   int
	pageNumber int
	swapDir    string

	cells     []string
	frameFree []bool
	pageTable map[int][]int // pid -> frame offset per page_index, ascending

	mailbox   *mailbox.Mailbox
	swappable SwappableProvider
	swapLock  *semaphore.Semaphore

	log   *slog.Logger
	trace *logstream.Stream

	onFatal func(error)
}

// New creates an MMU with pageNumber frames of pageSize cells each.
func New(pageSize, pageNumber int, swapDir string, mb *mailbox.Mailbox, swappable SwappableProvider, log *slog.Logger, trace *logstream.Stream) *MMU {
	return &MMU{
		pageSize:   pageSize,
		pageNumber: pageNumber,
		swapDir:    swapDir,
		cells:      make([]string, pageSize*pageNumber),
		frameFree:  makeAllFree(pageNumber),
		pageTable:  make(map[int][]int),
		mailbox:    mb,
		swappable:  swappable,
		swapLock:   semaphore.New(1),
		log:        log,
		trace:      trace,
	}
}

func makeAllFree(n int) []bool {
	free := make([]bool, n)
	for i := range free {
		free[i] = true
	}
	return free
}

// OnFatal registers the callback invoked when an unrecoverable I/O error
// occurs during swap-out or swap-in (spec §7, SYSTEM_FATAL).
func (m *MMU) OnFatal(fn func(error)) { m.onFatal = fn }

// Tick services at most one pending mailbox request addressed to the MMU.
func (m *MMU) Tick() {
	msg, ok := m.mailbox.Get(mailbox.MMU)
	if !ok {
		return
	}

	switch msg.Verb() {
	case "allocate":
		m.handleAllocate(msg)
	case "free":
		m.handleFree(msg)
	case "swapIn":
		m.handleSwapIn(msg)
	case "read":
		m.handleRead(msg)
	case "write":
		m.handleWrite(msg)
	case "drop":
		m.handleDrop(msg)
	default:
		m.log.Warn("unknown verb addressed to MMU", "verb", msg.Verb())
	}
}

// Run drives Tick at rateHz ops/second until ctx is cancelled; the sleep
// between ticks is the only suspension point and is interruptible via ctx.
func (m *MMU) Run(ctx context.Context, rateHz int) {
	interval := tickInterval(rateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

func tickInterval(rateHz int) time.Duration {
	if rateHz <= 0 {
		rateHz = 1
	}
	return time.Second / time.Duration(rateHz)
}

func ceilPages(blocks, pageSize int) int {
	if blocks <= 0 {
		return 0
	}
	return (blocks + pageSize - 1) / pageSize
}

func (m *MMU) freeFrameCount() int {
	n := 0
	for _, free := range m.frameFree {
		if free {
			n++
		}
	}
	return n
}

func (m *MMU) publishToScheduler(format string, pid int) {
	m.mailbox.Put(mailbox.MMU, mailbox.Scheduler, fmt.Sprintf(format, pid))
}

// allocatePlain assigns pages frames to pid's page table without evicting
// anyone: it fails with outcomeNoFreeFrames if not enough frames are
// currently free. Used directly by swap-in, which must not evict other
// victims to make room for a process that is itself mid-residency-change.
func (m *MMU) allocatePlain(pid, pages int) allocOutcome {
	held := len(m.pageTable[pid])
	if pages+held > m.pageNumber {
		return outcomeExceedsCapacity
	}
	if pages == 0 {
		return outcomeSuccess
	}
	if m.freeFrameCount() < pages {
		return outcomeNoFreeFrames
	}
	m.assignFrames(pid, pages)
	return outcomeSuccess
}

// allocateCore implements the allocation algorithm the `allocate` verb uses:
// attempt allocatePlain, and on NO_FREE_FRAMES, hold the swap lock and evict
// candidates from the scheduler's swappable list until there is room or the
// candidate list is exhausted.
func (m *MMU) allocateCore(pid, pages int) allocOutcome {
	outcome := m.allocatePlain(pid, pages)
	if outcome != outcomeNoFreeFrames {
		return outcome
	}

	m.swapLock.Wait()
	candidates := m.swappable.Swappable()
	for _, victim := range candidates {
		if victim == pid {
			continue
		}
		if m.freeFrameCount() >= pages {
			break
		}
		m.swapOutVictim(victim)
	}
	stillShort := m.freeFrameCount() < pages
	m.swapLock.Signal()
	if stillShort {
		return outcomeNoFreeFrames
	}

	m.assignFrames(pid, pages)
	return outcomeSuccess
}

// assignFrames hands the next `pages` free frames, in ascending offset
// order, to pid's page table starting at its current page count.
func (m *MMU) assignFrames(pid, pages int) {
	assigned := 0
	for frame := 0; frame < m.pageNumber && assigned < pages; frame++ {
		if !m.frameFree[frame] {
			continue
		}
		m.frameFree[frame] = false
		offset := frame * m.pageSize
		m.pageTable[pid] = append(m.pageTable[pid], offset)
		assigned++
	}
}

func (m *MMU) handleAllocate(msg mailbox.Message) {
	pid, err1 := strconv.Atoi(msg.Arg(1))
	blocks, err2 := strconv.Atoi(msg.Arg(2))
	loading := msg.Arg(3) == "true"
	if err1 != nil || err2 != nil {
		m.log.Error("malformed allocate request", "tokens", msg.Tokens)
		return
	}

	pages := ceilPages(blocks, m.pageSize)
	m.log.Info("allocate requested", "pid", pid, "blocks", blocks, "pages", pages, "loading", loading)

	switch m.allocateCore(pid, pages) {
	case outcomeSuccess:
		if loading {
			m.publishToScheduler("allocated|%d", pid)
		} else {
			m.publishToScheduler("unblock|%d", pid)
		}
	case outcomeExceedsCapacity:
		err := simerrors.New(simerrors.CapacityExhausted, pid, fmt.Sprintf("allocation of %d pages exceeds capacity", pages))
		m.log.Warn("allocation exceeds capacity", "pid", pid, "pages", pages, "kind", err.Kind.String())
		m.publishToScheduler("drop|%d", pid)
	case outcomeNoFreeFrames:
		err := simerrors.New(simerrors.SchedulingTransient, pid, "no swap victim freed enough frames")
		m.log.Info("no swap victim freed enough frames", "pid", pid, "pages", pages, "kind", err.Kind.String())
		m.publishToScheduler("skip|%d", pid)
	}
}

func (m *MMU) handleFree(msg mailbox.Message) {
	pid, err1 := strconv.Atoi(msg.Arg(1))
	blocks, err2 := strconv.Atoi(msg.Arg(2))
	if err1 != nil || err2 != nil {
		m.log.Error("malformed free request", "tokens", msg.Tokens)
		return
	}

	pages := ceilPages(blocks, m.pageSize)
	if pages == 0 {
		return
	}

	held := len(m.pageTable[pid])
	if held < pages {
		err := simerrors.New(simerrors.MemoryFault, pid, "free exceeds held pages")
		m.log.Error("[MMU/ERROR] free exceeds held pages", "pid", pid, "held", held, "requested", pages, "kind", err.Kind.String())
		m.publishToScheduler("drop|%d", pid)
		return
	}

	m.freeTopPages(pid, pages)
	m.log.Info("pages freed", "pid", pid, "pages", pages)
}

// freeTopPages releases pid's highest page_index entries downward, clearing
// their cells before returning the frames to the free pool.
func (m *MMU) freeTopPages(pid, pages int) {
	entries := m.pageTable[pid]
	keep := len(entries) - pages
	for _, offset := range entries[keep:] {
		for i := 0; i < m.pageSize; i++ {
			m.cells[offset+i] = ""
		}
		m.frameFree[offset/m.pageSize] = true
	}
	if keep <= 0 {
		delete(m.pageTable, pid)
	} else {
		m.pageTable[pid] = entries[:keep]
	}
}

func (m *MMU) freeAllPages(pid int) {
	if entries := m.pageTable[pid]; len(entries) > 0 {
		m.freeTopPages(pid, len(entries))
	}
}

func (m *MMU) handleSwapIn(msg mailbox.Message) {
	pid, err := strconv.Atoi(msg.Arg(1))
	if err != nil {
		m.log.Error("malformed swapIn request", "tokens", msg.Tokens)
		return
	}

	lines, err := readSwapLines(m.swapDir, pid)
	if err != nil {
		m.fatal(simerrors.Wrap(simerrors.SystemFatal, pid, "reading swap file", err))
		return
	}

	pages := ceilPages(len(lines), m.pageSize)
	if m.allocatePlain(pid, pages) != outcomeSuccess {
		m.log.Info("swap-in could not allocate, skipping", "pid", pid, "pages", pages)
		m.publishToScheduler("skip|%d", pid)
		return
	}

	// Non-blank lines are restored to consecutive addresses starting at 0;
	// the positions of empty cells in the original layout are not kept.
	addr := 0
	for _, line := range lines {
		if line == "" {
			continue
		}
		page := addr / m.pageSize
		offset := addr % m.pageSize
		frameOffset := m.pageTable[pid][page]
		m.cells[frameOffset+offset] = line
		addr++
	}

	m.log.Info("swap-in complete", "pid", pid, "blocks", len(lines))
	m.publishToScheduler("swappedIn|%d", pid)
}

func (m *MMU) handleRead(msg mailbox.Message) {
	pid, err1 := strconv.Atoi(msg.Arg(1))
	address, err2 := strconv.Atoi(msg.Arg(2))
	final := msg.Arg(3) == "true"
	if err1 != nil || err2 != nil {
		m.log.Error("malformed read request", "tokens", msg.Tokens)
		return
	}

	frameOffset, offset, ok := m.translate(pid, address)
	if !ok {
		err := simerrors.New(simerrors.MemoryFault, pid, "read from unmapped page")
		m.log.Error("[MMU/ERROR] read from unmapped page", "pid", pid, "address", address, "kind", err.Kind.String())
		m.publishToScheduler("drop|%d", pid)
		return
	}

	value := m.cells[frameOffset+offset]
	if value == "" {
		err := simerrors.New(simerrors.MemoryFault, pid, "read from empty cell")
		m.log.Error("[MMU/ERROR] read from empty cell", "pid", pid, "address", address, "kind", err.Kind.String())
		m.publishToScheduler("drop|%d", pid)
		return
	}

	m.mailbox.Put(mailbox.MMU, msg.Sender, fmt.Sprintf("data|%s|%v", value, final))
	if final {
		m.publishToScheduler("unblock|%d", pid)
	}
}

func (m *MMU) handleWrite(msg mailbox.Message) {
	pid, err1 := strconv.Atoi(msg.Arg(1))
	address, err2 := strconv.Atoi(msg.Arg(2))
	data := msg.Arg(3)
	final := msg.Arg(4) == "true"
	if err1 != nil || err2 != nil {
		m.log.Error("malformed write request", "tokens", msg.Tokens)
		return
	}

	frameOffset, offset, ok := m.translate(pid, address)
	if !ok {
		err := simerrors.New(simerrors.MemoryFault, pid, "write to unmapped page")
		m.log.Error("[MMU/ERROR] write to unmapped page", "pid", pid, "address", address, "kind", err.Kind.String())
		m.publishToScheduler("drop|%d", pid)
		return
	}

	m.cells[frameOffset+offset] = data
	if final {
		m.publishToScheduler("unblock|%d", pid)
	}
}

func (m *MMU) handleDrop(msg mailbox.Message) {
	pid, err := strconv.Atoi(msg.Arg(1))
	if err != nil {
		m.log.Error("malformed drop request", "tokens", msg.Tokens)
		return
	}
	m.freeAllPages(pid)
	removeSwapFile(m.swapDir, pid)
	m.log.Info("process memory released", "pid", pid)
}

// translate resolves a process-visible address to a frame offset and
// in-frame cell offset, reporting false when the page is not mapped.
func (m *MMU) translate(pid, address int) (frameOffset, offset int, ok bool) {
	page := address / m.pageSize
	offset = address % m.pageSize

	entries := m.pageTable[pid]
	if page < 0 || page >= len(entries) {
		return 0, 0, false
	}
	return entries[page], offset, true
}

// swapOutVictim writes every cell the victim currently owns to its swap
// file, one line per cell in page_index order, then returns its frames to
// the free pool.
func (m *MMU) swapOutVictim(pid int) {
	entries := m.pageTable[pid]
	lines := make([]string, 0, len(entries)*m.pageSize)
	for _, offset := range entries {
		for i := 0; i < m.pageSize; i++ {
			lines = append(lines, m.cells[offset+i])
		}
	}

	existed, err := writeSwapLines(m.swapDir, pid, lines)
	if err != nil {
		m.fatal(simerrors.Wrap(simerrors.SystemFatal, pid, "writing swap file", err))
		return
	}
	if existed {
		m.log.Info("swap file regenerated", "pid", pid, "generation", xid.New().String())
	}

	m.freeAllPages(pid)
	m.log.Info("swapped out", "pid", pid, "blocks", len(lines))
	m.publishToScheduler("swappedOut|%d", pid)
}

func (m *MMU) fatal(err *simerrors.Error) {
	m.log.Error("fatal MMU error, aborting simulator", "error", err)
	if m.onFatal != nil {
		m.onFatal(err)
	}
}
