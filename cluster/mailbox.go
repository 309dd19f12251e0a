package cluster

import (
	"context"
	"sync"

	"github.com/influxdata/consensus"
)

// envelope is either a message or a timer that fired.
type envelope struct {
	timer   bool
	msg     consensus.Message
	timerID consensus.TimerID
}

// mailbox is an unbounded queue drained by a single node goroutine. Puts
// never block, so a protocol can send while its own driver lock is held.
type mailbox struct {
	mu     sync.Mutex
	items  []envelope
	err    error
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) put(e envelope) {
	m.mu.Lock()
	m.items = append(m.items, e)
	m.mu.Unlock()
	m.signal()
}

// fail makes every later take return err. The first error sticks.
func (m *mailbox) fail(err error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// take returns everything queued, waiting for at least one envelope.
func (m *mailbox) take(ctx context.Context) ([]envelope, error) {
	for {
		m.mu.Lock()
		batch, err := m.items, m.err
		m.items = nil
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 {
			return batch, nil
		}

		select {
		case <-m.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
