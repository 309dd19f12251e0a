package executor

import "github.com/influxdata/consensus"

// ExecutedClock records which instances have executed. For every process it
// keeps the highest sequence below which everything executed, plus the
// executed sequences above that frontier.
type ExecutedClock struct {
	frontier   map[consensus.ProcessID]uint64
	exceptions map[consensus.ProcessID]map[uint64]struct{}
	n          int
}

// NewExecutedClock returns an empty clock.
func NewExecutedClock() *ExecutedClock {
	return &ExecutedClock{
		frontier:   make(map[consensus.ProcessID]uint64),
		exceptions: make(map[consensus.ProcessID]map[uint64]struct{}),
	}
}

// Add records dot as executed. It returns false if it already was.
func (c *ExecutedClock) Add(dot consensus.Dot) bool {
	if c.Contains(dot) {
		return false
	}
	c.n++

	f := c.frontier[dot.Process]
	if dot.Seq != f+1 {
		ex, ok := c.exceptions[dot.Process]
		if !ok {
			ex = make(map[uint64]struct{})
			c.exceptions[dot.Process] = ex
		}
		ex[dot.Seq] = struct{}{}
		return true
	}

	f++
	ex := c.exceptions[dot.Process]
	for {
		if _, ok := ex[f+1]; !ok {
			break
		}
		delete(ex, f+1)
		f++
	}
	if len(ex) == 0 {
		delete(c.exceptions, dot.Process)
	}
	c.frontier[dot.Process] = f
	return true
}

// Contains returns true if dot executed.
func (c *ExecutedClock) Contains(dot consensus.Dot) bool {
	if dot.Seq <= c.frontier[dot.Process] {
		return true
	}
	_, ok := c.exceptions[dot.Process][dot.Seq]
	return ok
}

// Frontier returns the highest sequence of p such that every instance of p
// up to it executed.
func (c *ExecutedClock) Frontier(p consensus.ProcessID) uint64 {
	return c.frontier[p]
}

// Exceptions returns how many executed instances lie above the frontiers.
func (c *ExecutedClock) Exceptions() int {
	n := 0
	for _, ex := range c.exceptions {
		n += len(ex)
	}
	return n
}

// Len returns the number of executed instances.
func (c *ExecutedClock) Len() int { return c.n }
