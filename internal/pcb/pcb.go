// Package pcb defines the process control block shared by the scheduler, MMU,
// and CPU.
package pcb

import "time"

// Status is one of the six lifecycle states a PCB can occupy.
type Status string

const (
	New        Status = "NEW"
	Ready      Status = "READY"
	Running    Status = "RUNNING"
	Blocked    Status = "BLOCKED"
	SwappedOut Status = "SWAPPED_OUT"
	Terminated Status = "TERMINATED"
)

// PCB is the process control block: the scheduler's view of a running
// program. CodeLength and PC are both expressed in code-segment line
// indices; the process-visible virtual address of a data cell is its offset
// plus CodeLength (spec §3).
type PCB struct {
	PID               int
	CodePath          string
	CodeLength        int
	PC                int
	Status            Status
	// PriorityOfLoading is the admission order (spec §3's tie-breaking
	// field); it is currently observational only — see DESIGN.md.
	PriorityOfLoading int

	// Labels is populated once, at admission, by a single-pass scan of the
	// program source (spec §9's recommended reimplementation of the
	// original's lazy-on-first-schedule scan).
	Labels map[string]int

	CreatedAt    time.Time
	ReadyAt      time.Time
	RunningAt    time.Time
	BlockedAt    time.Time
	TerminatedAt time.Time

	TotalRunningTicks int
	TimesScheduled    int
}

// NewPCB creates a PCB in the NEW state.
func NewPCB(pid int, codePath string, codeLength, priority int) *PCB {
	return &PCB{
		PID:               pid,
		CodePath:          codePath,
		CodeLength:        codeLength,
		PC:                0,
		Status:            New,
		PriorityOfLoading: priority,
		Labels:            make(map[string]int),
		CreatedAt:         time.Now(),
	}
}

// SetStatus transitions the PCB to a new status and stamps the
// corresponding timestamp. It is the caller's responsibility (the
// scheduler) to enforce which transitions are legal.
func (p *PCB) SetStatus(status Status) {
	if p.Status == status {
		return
	}

	now := time.Now()
	if p.Status == Running {
		p.TotalRunningTicks++
	}

	switch status {
	case Ready:
		p.ReadyAt = now
	case Running:
		p.RunningAt = now
		p.TimesScheduled++
	case Blocked:
		p.BlockedAt = now
	case Terminated:
		p.TerminatedAt = now
	}

	p.Status = status
}
