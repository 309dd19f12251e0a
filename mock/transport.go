package mock

import (
	"sync"
	"time"

	"github.com/influxdata/consensus"
	"github.com/influxdata/consensus/process"
)

var _ process.Transport = (*Transport)(nil)

// Transport is a mock implementation of a process.Transport. Without
// functions set it records what was sent.
type Transport struct {
	SendFn      func(msg consensus.Message)
	BroadcastFn func(msg consensus.Message)

	mu          sync.Mutex
	Sent        []consensus.Message
	Broadcasted []consensus.Message
}

// NewTransport returns a mock Transport recording every message.
func NewTransport() *Transport {
	return &Transport{}
}

// Send implements process.Transport.
func (t *Transport) Send(msg consensus.Message) {
	if t.SendFn != nil {
		t.SendFn(msg)
		return
	}
	t.mu.Lock()
	t.Sent = append(t.Sent, msg)
	t.mu.Unlock()
}

// Broadcast implements process.Transport.
func (t *Transport) Broadcast(msg consensus.Message) {
	if t.BroadcastFn != nil {
		t.BroadcastFn(msg)
		return
	}
	t.mu.Lock()
	t.Broadcasted = append(t.Broadcasted, msg)
	t.mu.Unlock()
}

// Messages returns a copy of everything sent and broadcast so far.
func (t *Transport) Messages() (sent, broadcast []consensus.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]consensus.Message(nil), t.Sent...), append([]consensus.Message(nil), t.Broadcasted...)
}

var _ process.Timers = (*Timers)(nil)

// Timers is a mock implementation of process.Timers.
type Timers struct {
	ScheduleFn func(id consensus.TimerID, d time.Duration)

	mu        sync.Mutex
	Scheduled map[consensus.TimerID]time.Duration
}

// NewTimers returns mock Timers recording every schedule.
func NewTimers() *Timers {
	return &Timers{Scheduled: make(map[consensus.TimerID]time.Duration)}
}

// Schedule implements process.Timers.
func (t *Timers) Schedule(id consensus.TimerID, d time.Duration) {
	if t.ScheduleFn != nil {
		t.ScheduleFn(id, d)
		return
	}
	t.mu.Lock()
	t.Scheduled[id] = d
	t.mu.Unlock()
}
