// Package supervisor wires the Mailbox, MMU, Scheduler, and CPU together,
// starts their tick loops, and exposes the shutdown hook and the three
// observable log streams to the boot program (spec §2's ambient fifth
// concern, SPEC_FULL.md §2).
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/ossim-core/ossim/internal/config"
	"github.com/ossim-core/ossim/internal/cpu"
	"github.com/ossim-core/ossim/internal/logging"
	"github.com/ossim-core/ossim/internal/logstream"
	"github.com/ossim-core/ossim/internal/mailbox"
	"github.com/ossim-core/ossim/internal/memory"
	"github.com/ossim-core/ossim/internal/scheduler"
	"github.com/ossim-core/ossim/internal/semaphore"
)

// Supervisor owns every long-lived component and the three log streams a
// GUI front-end tails.
type Supervisor struct {
	cfg *config.SimConfig
	log *slog.Logger

	mailbox   *mailbox.Mailbox
	mmu       *memory.MMU
	scheduler *scheduler.Scheduler
	cpu       *cpu.CPU

	trace      *logstream.Stream
	output     *logstream.Stream
	mailboxLog *logstream.Stream

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	fatalCh   chan error
	fatalOnce sync.Once
}

// New builds every component from cfg but starts nothing yet.
func New(cfg *config.SimConfig) (*Supervisor, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	trace := logstream.New()
	output := logstream.New()
	mailboxLog := logstream.New()

	mb := mailbox.New(mailboxLog)
	swapLock := semaphore.New(1)

	sched := scheduler.New(cfg.Quantum, mb, swapLock, logging.New(cfg.LogLevel, "scheduler"), trace)
	mmu := memory.New(cfg.PageSize, cfg.PageNumber, cfg.SwapDir, mb, sched, logging.New(cfg.LogLevel, "mmu"), trace)
	cp := cpu.New(mb, sched, cfg.OutputDir, logging.New(cfg.LogLevel, "cpu"), trace, output)

	s := &Supervisor{
		cfg:        cfg,
		log:        logging.New(cfg.LogLevel, "supervisor"),
		mailbox:    mb,
		mmu:        mmu,
		scheduler:  sched,
		cpu:        cp,
		trace:      trace,
		output:     output,
		mailboxLog: mailboxLog,
		fatalCh:    make(chan error, 1),
	}
	mmu.OnFatal(s.onFatal)
	return s, nil
}

// Start launches every component's tick loop at its configured clock rate,
// derived from ctx so that cancelling ctx (or a SYSTEM_FATAL error) stops
// every goroutine.
func (s *Supervisor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(3)
	go func() { defer s.wg.Done(); s.mmu.Run(runCtx, s.cfg.MemoryClockHz) }()
	go func() { defer s.wg.Done(); s.scheduler.Run(runCtx, s.cfg.SchedulerHz) }()
	go func() { defer s.wg.Done(); s.cpu.Run(runCtx, s.cfg.CPUHz) }()

	s.log.Info("simulator core started",
		"page_size", s.cfg.PageSize, "page_number", s.cfg.PageNumber,
		"memory_hz", s.cfg.MemoryClockHz, "scheduler_hz", s.cfg.SchedulerHz, "cpu_hz", s.cfg.CPUHz,
		"quantum", s.cfg.Quantum)
}

// Stop cancels every component goroutine and waits for them to exit.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Admit loads the program at path, counts its code lines, and hands it to
// the scheduler's admission sequence (the GUI's "choose a file" action).
func (s *Supervisor) Admit(path string) (pid int, err error) {
	codeLength, err := countLines(path)
	if err != nil {
		return 0, fmt.Errorf("admitting %q: %w", path, err)
	}
	return s.scheduler.Admit(path, codeLength), nil
}

// Fatal returns a channel that receives the triggering error once a
// SYSTEM_FATAL failure has cancelled every component (spec §7).
func (s *Supervisor) Fatal() <-chan error { return s.fatalCh }

func (s *Supervisor) onFatal(err error) {
	s.fatalOnce.Do(func() {
		s.log.Error("fatal error, shutting down simulator core", "error", err)
		s.fatalCh <- err
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Trace returns the execution trace stream (spec §6).
func (s *Supervisor) Trace() *logstream.Stream { return s.trace }

// Output returns the general output stream, fed by every process's `out`
// instructions (spec §6).
func (s *Supervisor) Output() *logstream.Stream { return s.output }

// MailboxLog returns the mailbox activity stream (spec §6).
func (s *Supervisor) MailboxLog() *logstream.Stream { return s.mailboxLog }

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		n++
	}
	return n, scanner.Err()
}
