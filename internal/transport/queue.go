package transport

import (
	"sync"

	"github.com/mcoot/rhythmsync/internal/protocol"
)

// sendQueue is an unbounded FIFO of outbound commands. Pushing never blocks,
// so room broadcasts can enqueue while holding the room lock without risking
// a stall on remote I/O.
type sendQueue struct {
	mu     sync.Mutex
	items  []protocol.ServerCommand
	wake   chan struct{}
	closed bool
}

func newSendQueue() *sendQueue {
	return &sendQueue{wake: make(chan struct{}, 1)}
}

func (q *sendQueue) push(cmd protocol.ServerCommand) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, cmd)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop blocks until an item is available or the queue is closed. It reports
// false once the queue is closed and drained of nothing further.
func (q *sendQueue) pop() (protocol.ServerCommand, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			cmd := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return cmd, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.wake
	}
}

func (q *sendQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
