package memory

import (
	"io"
	"log/slog"
	"testing"

	"github.com/ossim-core/ossim/internal/mailbox"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSwappable struct{ pids []int }

func (f *fakeSwappable) Swappable() []int { return f.pids }

func newTestMMU(t *testing.T, pageSize, pageNumber int, victims ...int) (*MMU, *mailbox.Mailbox) {
	t.Helper()
	mb := mailbox.New(nil)
	m := New(pageSize, pageNumber, t.TempDir(), mb, &fakeSwappable{pids: victims}, silentLogger(), nil)
	return m, mb
}

func TestAllocateZeroBlocksIsNoopSuccess(t *testing.T) {
	m, mb := newTestMMU(t, 4, 4)

	mb.Put(mailbox.Scheduler, mailbox.MMU, "allocate|1|0|true")
	m.Tick()

	msg, ok := mb.Get(mailbox.Scheduler)
	if !ok || msg.Verb() != "allocated" || msg.Arg(1) != "1" {
		t.Fatalf("expected allocated|1, got %+v ok=%v", msg, ok)
	}
}

func TestAllocateExceedsCapacityDropsProcess(t *testing.T) {
	m, mb := newTestMMU(t, 4, 2)

	mb.Put(mailbox.Scheduler, mailbox.MMU, "allocate|1|12|true")
	m.Tick()

	msg, ok := mb.Get(mailbox.Scheduler)
	if !ok || msg.Verb() != "drop" || msg.Arg(1) != "1" {
		t.Fatalf("expected drop|1, got %+v ok=%v", msg, ok)
	}
}

func TestAllocateExactlyPageNumberSucceedsAndExhaustsFrames(t *testing.T) {
	m, mb := newTestMMU(t, 4, 2)

	mb.Put(mailbox.Scheduler, mailbox.MMU, "allocate|1|8|true")
	m.Tick()

	if _, ok := mb.Get(mailbox.Scheduler); !ok {
		t.Fatal("expected an allocated reply")
	}
	if m.freeFrameCount() != 0 {
		t.Fatalf("freeFrameCount() = %d, want 0", m.freeFrameCount())
	}

	mb.Put(mailbox.Scheduler, mailbox.MMU, "allocate|2|4|true")
	m.Tick()

	msg, ok := mb.Get(mailbox.Scheduler)
	if !ok || msg.Verb() != "skip" {
		t.Fatalf("expected skip|2 with no swap victim available, got %+v ok=%v", msg, ok)
	}
}

func TestNoFreeFramesSwapsOutVictimThenSucceeds(t *testing.T) {
	m, mb := newTestMMU(t, 4, 2, 1)

	mb.Put(mailbox.Scheduler, mailbox.MMU, "allocate|1|8|true")
	m.Tick()
	mb.Get(mailbox.Scheduler) // drain allocated|1

	mb.Put(mailbox.Scheduler, mailbox.MMU, "allocate|2|4|true")
	m.Tick()

	first, ok := mb.Get(mailbox.Scheduler)
	if !ok || first.Verb() != "swappedOut" || first.Arg(1) != "1" {
		t.Fatalf("expected swappedOut|1 first, got %+v ok=%v", first, ok)
	}
	second, ok := mb.Get(mailbox.Scheduler)
	if !ok || second.Verb() != "allocated" || second.Arg(1) != "2" {
		t.Fatalf("expected allocated|2 second, got %+v ok=%v", second, ok)
	}
}

func TestFreeBeyondHeldPagesDropsProcess(t *testing.T) {
	m, mb := newTestMMU(t, 4, 4)

	mb.Put(mailbox.Scheduler, mailbox.MMU, "allocate|1|4|true")
	m.Tick()
	mb.Get(mailbox.Scheduler)

	mb.Put(mailbox.Scheduler, mailbox.MMU, "free|1|999")
	m.Tick()

	msg, ok := mb.Get(mailbox.Scheduler)
	if !ok || msg.Verb() != "drop" {
		t.Fatalf("expected drop|1 for over-free, got %+v ok=%v", msg, ok)
	}
}

func TestAllocateThenFreeRestoresFrameState(t *testing.T) {
	m, mb := newTestMMU(t, 4, 4)

	mb.Put(mailbox.Scheduler, mailbox.MMU, "allocate|1|16|true")
	m.Tick()
	mb.Get(mailbox.Scheduler)

	if m.freeFrameCount() != 0 {
		t.Fatalf("freeFrameCount() = %d, want 0", m.freeFrameCount())
	}

	mb.Put(mailbox.Scheduler, mailbox.MMU, "free|1|16")
	m.Tick()

	if m.freeFrameCount() != 4 {
		t.Fatalf("freeFrameCount() = %d, want 4 after freeing everything", m.freeFrameCount())
	}
}

func TestReadUnmappedAddressDropsProcess(t *testing.T) {
	m, mb := newTestMMU(t, 4, 4)

	mb.Put("1", mailbox.MMU, "read|1|0|true")
	m.Tick()

	msg, ok := mb.Get(mailbox.Scheduler)
	if !ok || msg.Verb() != "drop" {
		t.Fatalf("expected drop|1 for unmapped read, got %+v ok=%v", msg, ok)
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	m, mb := newTestMMU(t, 4, 4)

	mb.Put(mailbox.Scheduler, mailbox.MMU, "allocate|1|4|true")
	m.Tick()
	mb.Get(mailbox.Scheduler)

	mb.Put("1", mailbox.MMU, "write|1|0|5.0|true")
	m.Tick()
	ack, _ := mb.Get(mailbox.Scheduler)
	if ack.Verb() != "unblock" {
		t.Fatalf("expected unblock after final write, got %+v", ack)
	}

	mb.Put("1", mailbox.MMU, "read|1|0|true")
	m.Tick()

	reply, ok := mb.Get("1")
	if !ok || reply.Verb() != "data" || reply.Arg(1) != "5.0" {
		t.Fatalf("expected data|5.0|true, got %+v ok=%v", reply, ok)
	}
}

func TestSwapOutThenSwapInRoundTrip(t *testing.T) {
	m, mb := newTestMMU(t, 4, 4)

	mb.Put(mailbox.Scheduler, mailbox.MMU, "allocate|1|4|true")
	m.Tick()
	mb.Get(mailbox.Scheduler)

	mb.Put("1", mailbox.MMU, "write|1|0|42|true")
	m.Tick()
	mb.Get(mailbox.Scheduler)

	m.swapOutVictim(1)
	mb.Get(mailbox.Scheduler) // drain swappedOut|1

	mb.Put(mailbox.Scheduler, mailbox.MMU, "swapIn|1")
	m.Tick()

	msg, ok := mb.Get(mailbox.Scheduler)
	if !ok || msg.Verb() != "swappedIn" {
		t.Fatalf("expected swappedIn|1, got %+v ok=%v", msg, ok)
	}

	mb.Put("1", mailbox.MMU, "read|1|0|true")
	m.Tick()
	reply, ok := mb.Get("1")
	if !ok || reply.Arg(1) != "42" {
		t.Fatalf("expected restored value 42, got %+v ok=%v", reply, ok)
	}
}
