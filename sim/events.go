package sim

import (
	"container/heap"
	"time"

	"github.com/influxdata/consensus"
)

type eventKind int

const (
	eventSubmit eventKind = iota
	eventDeliver
	eventTimeout
)

type event struct {
	at   time.Time
	seq  uint64
	kind eventKind
	to   consensus.ProcessID

	msg        consensus.Message
	timer      consensus.TimerID
	submission *Submission
}

// schedule is a min-heap of events ordered by time, then by insertion.
type schedule []*event

var _ heap.Interface = (*schedule)(nil)

func (s schedule) Len() int { return len(s) }

func (s schedule) Less(i, j int) bool {
	if !s[i].at.Equal(s[j].at) {
		return s[i].at.Before(s[j].at)
	}
	return s[i].seq < s[j].seq
}

func (s schedule) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

func (s *schedule) Push(x interface{}) { *s = append(*s, x.(*event)) }

func (s *schedule) Pop() interface{} {
	old := *s
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*s = old[:n-1]
	return e
}

func (s schedule) peek() *event {
	if len(s) == 0 {
		return nil
	}
	return s[0]
}
