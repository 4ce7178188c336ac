// Package deadletter stores messages that exhausted their retries. The
// broker appends to a Sink verbatim; nothing is ever redelivered from it.
package deadletter

import (
	"errors"
	"sync"

	"github.com/ChuLiYu/actorq/pkg/types"
)

// ErrClosed is returned by operations on a closed sink.
var ErrClosed = errors.New("dead-letter sink is closed")

// Sink receives dead-lettered messages.
type Sink interface {
	// Put appends msg to the dead letters of its queue.
	Put(msg *types.Message) error
	// List returns the dead letters of queue in arrival order. An empty queue
	// name lists every queue.
	List(queue string) ([]*types.Message, error)
	// Len returns the number of stored dead letters.
	Len() int
	Close() error
}

// Memory keeps dead letters in process memory.
type Memory struct {
	mu     sync.RWMutex
	msgs   []*types.Message
	closed bool
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Put(msg *types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.msgs = append(m.msgs, msg.Copy())
	return nil
}

func (m *Memory) List(queue string) ([]*types.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.Message, 0, len(m.msgs))
	for _, msg := range m.msgs {
		if queue == "" || msg.QueueName == queue {
			out = append(out, msg.Copy())
		}
	}
	return out, nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.msgs)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
