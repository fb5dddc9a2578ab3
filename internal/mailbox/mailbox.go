// Package mailbox implements the typed, in-memory message bus the CPU, MMU,
// and scheduler use to talk to each other and to every live process's
// private reply channel (spec §4.1).
package mailbox

import (
	"fmt"
	"sync"

	"github.com/ossim-core/ossim/internal/logstream"
)

// Mailbox is a FIFO queue per recipient address, safe for concurrent use. It
// never blocks on Get and never reorders messages within a recipient's
// queue.
type Mailbox struct {
	mu     sync.Mutex
	queues map[string][]Message
	log    *logstream.Stream
}

// New creates an empty Mailbox. log, if non-nil, receives one line per Put
// for GUI consumption (spec §6's "mailbox log" stream).
func New(log *logstream.Stream) *Mailbox {
	return &Mailbox{
		queues: make(map[string][]Message),
		log:    log,
	}
}

// Put appends a message to the recipient's queue.
func (m *Mailbox) Put(sender, recipient, command string) {
	msg := NewMessage(sender, recipient, command)

	m.mu.Lock()
	m.queues[recipient] = append(m.queues[recipient], msg)
	m.mu.Unlock()

	if m.log != nil {
		m.log.Append(fmt.Sprintf("%s -> %s: %s", sender, recipient, command))
	}
}

// Get returns and removes the oldest message for recipient, or ok=false if
// its queue is empty. Get never blocks.
func (m *Mailbox) Get(recipient string) (msg Message, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.queues[recipient]
	if len(queue) == 0 {
		return Message{}, false
	}

	msg = queue[0]
	m.queues[recipient] = queue[1:]
	return msg, true
}

// Len reports how many messages are currently queued for recipient. It is
// intended for tests and diagnostics, not for flow control.
func (m *Mailbox) Len(recipient string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[recipient])
}
