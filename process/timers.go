package process

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/consensus"
)

// Transport carries messages to other processes. Implementations must not
// call back into the driver synchronously.
type Transport interface {
	Send(msg consensus.Message)
	// Broadcast sends msg to every process except msg.From, setting To.
	Broadcast(msg consensus.Message)
}

// Timers arms protocol timers. A fired timer is reported back to the driver
// with HandleTimeout.
type Timers interface {
	Schedule(id consensus.TimerID, d time.Duration)
}

var _ Timers = (*ClockTimers)(nil)

// ClockTimers runs protocol timers on a clock.
type ClockTimers struct {
	clock clock.Clock
	fire  func(consensus.TimerID)

	mu      sync.Mutex
	timers  map[consensus.TimerID]*clock.Timer
	stopped bool
}

// NewClockTimers returns timers that call fire from the clock's goroutine
// when they expire.
func NewClockTimers(clk clock.Clock, fire func(consensus.TimerID)) *ClockTimers {
	return &ClockTimers{
		clock:  clk,
		fire:   fire,
		timers: make(map[consensus.TimerID]*clock.Timer),
	}
}

// Schedule arms timer id to fire after d.
func (t *ClockTimers) Schedule(id consensus.TimerID, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.timers[id] = t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		_, ok := t.timers[id]
		delete(t.timers, id)
		stopped := t.stopped
		t.mu.Unlock()

		if ok && !stopped {
			t.fire(id)
		}
	})
}

// Pending returns the number of armed timers.
func (t *ClockTimers) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// Stop cancels every armed timer. Later calls to Schedule are ignored.
func (t *ClockTimers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}
