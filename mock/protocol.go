package mock

import (
	"github.com/influxdata/consensus"
)

var _ consensus.Protocol = (*Protocol)(nil)

// Protocol is a mock implementation of a consensus.Protocol.
type Protocol struct {
	IDFn            func() consensus.ProcessID
	SubmitFn        func(cmd consensus.Command) (consensus.Dot, []consensus.Action, error)
	HandleMessageFn func(msg consensus.Message) ([]consensus.Action, error)
	HandleTimeoutFn func(id consensus.TimerID) ([]consensus.Action, error)
	ExecutedFn      func(dot consensus.Dot)
	InstanceFn      func(dot consensus.Dot) (consensus.InstanceInfo, bool)
	StatsFn         func() consensus.Stats
}

// NewProtocol returns a mock Protocol for process id where its methods will
// return zero values.
func NewProtocol(id consensus.ProcessID) *Protocol {
	return &Protocol{
		IDFn: func() consensus.ProcessID { return id },
		SubmitFn: func(consensus.Command) (consensus.Dot, []consensus.Action, error) {
			return consensus.Dot{}, nil, nil
		},
		HandleMessageFn: func(consensus.Message) ([]consensus.Action, error) { return nil, nil },
		HandleTimeoutFn: func(consensus.TimerID) ([]consensus.Action, error) { return nil, nil },
		ExecutedFn:      func(consensus.Dot) {},
		InstanceFn: func(consensus.Dot) (consensus.InstanceInfo, bool) {
			return consensus.InstanceInfo{}, false
		},
		StatsFn: func() consensus.Stats { return consensus.Stats{} },
	}
}

func (p *Protocol) ID() consensus.ProcessID { return p.IDFn() }

func (p *Protocol) Submit(cmd consensus.Command) (consensus.Dot, []consensus.Action, error) {
	return p.SubmitFn(cmd)
}

func (p *Protocol) HandleMessage(msg consensus.Message) ([]consensus.Action, error) {
	return p.HandleMessageFn(msg)
}

func (p *Protocol) HandleTimeout(id consensus.TimerID) ([]consensus.Action, error) {
	return p.HandleTimeoutFn(id)
}

func (p *Protocol) Executed(dot consensus.Dot) { p.ExecutedFn(dot) }

func (p *Protocol) Instance(dot consensus.Dot) (consensus.InstanceInfo, bool) {
	return p.InstanceFn(dot)
}

func (p *Protocol) Stats() consensus.Stats { return p.StatsFn() }

var _ consensus.CommitSink = (*CommitSink)(nil)

// CommitSink is a mock implementation of a consensus.CommitSink.
type CommitSink struct {
	CommitFn func(c consensus.Commit) ([]consensus.Execution, error)
}

// NewCommitSink returns a mock CommitSink that executes every commit
// immediately with an empty result.
func NewCommitSink() *CommitSink {
	return &CommitSink{
		CommitFn: func(c consensus.Commit) ([]consensus.Execution, error) {
			return []consensus.Execution{{
				Dot:     c.Dot,
				Command: c.Command,
				Result:  consensus.Result{ID: c.Command.ID},
			}}, nil
		},
	}
}

func (s *CommitSink) Commit(c consensus.Commit) ([]consensus.Execution, error) {
	return s.CommitFn(c)
}

var _ consensus.Applier = (*Applier)(nil)

// Applier is a mock implementation of a consensus.Applier.
type Applier struct {
	ApplyFn func(cmd consensus.Command) (consensus.Result, error)
}

// NewApplier returns a mock Applier where Apply returns an empty result.
func NewApplier() *Applier {
	return &Applier{
		ApplyFn: func(cmd consensus.Command) (consensus.Result, error) {
			return consensus.Result{ID: cmd.ID}, nil
		},
	}
}

func (a *Applier) Apply(cmd consensus.Command) (consensus.Result, error) {
	return a.ApplyFn(cmd)
}
