package consensus

import (
	"fmt"
	"time"
)

// Ballot orders and preempts concurrent voting attempts on an instance.
// Ballots compare by round and then by the process that created them.
type Ballot struct {
	Round   uint64
	Process ProcessID
}

// Compare returns -1 if b < other, 0 if they are equal and 1 if b > other.
func (b Ballot) Compare(other Ballot) int {
	switch {
	case b.Round < other.Round:
		return -1
	case b.Round > other.Round:
		return 1
	case b.Process < other.Process:
		return -1
	case b.Process > other.Process:
		return 1
	}
	return 0
}

// Less returns true if b is lower than other.
func (b Ballot) Less(other Ballot) bool { return b.Compare(other) < 0 }

// Next returns the lowest ballot owned by p that is higher than b.
func (b Ballot) Next(p ProcessID) Ballot { return Ballot{Round: b.Round + 1, Process: p} }

func (b Ballot) String() string { return fmt.Sprintf("%d.%d", b.Round, b.Process) }

// Status is the progress of an instance.
type Status int

const (
	StatusStart Status = iota
	StatusPreAccepted
	StatusAccepted
	StatusCommitted
	StatusExecuted
)

func (s Status) String() string {
	switch s {
	case StatusStart:
		return "start"
	case StatusPreAccepted:
		return "preaccepted"
	case StatusAccepted:
		return "accepted"
	case StatusCommitted:
		return "committed"
	case StatusExecuted:
		return "executed"
	default:
		return "unknown"
	}
}

// TimerID identifies a timer armed by a protocol.
type TimerID uint64

// Message is the envelope every protocol message travels in.
type Message struct {
	From   ProcessID
	To     ProcessID // zero when broadcast, set per destination by the transport
	Ballot Ballot
	Dot    Dot
	Body   interface{}
}

// Type returns the name of the body type, used for logging and metrics.
func (m Message) Type() string {
	if n, ok := m.Body.(interface{ MessageType() string }); ok {
		return n.MessageType()
	}
	return fmt.Sprintf("%T", m.Body)
}

// Action is an effect requested by a protocol. It is one of SendMessage,
// BroadcastMessage, ScheduleTimer or CommitToExecutor.
type Action interface {
	action()
}

// SendMessage sends Message to one process.
type SendMessage struct {
	To      ProcessID
	Message Message
}

// BroadcastMessage sends Message to every process but the sender.
type BroadcastMessage struct {
	Message Message
}

// ScheduleTimer asks for HandleTimeout(Timer) to be called after Delay.
type ScheduleTimer struct {
	Timer TimerID
	Delay time.Duration
}

// CommitToExecutor hands a committed instance to the executor. It is the only
// channel from a protocol into the executor.
type CommitToExecutor struct {
	Commit Commit
}

func (SendMessage) action()      {}
func (BroadcastMessage) action() {}
func (ScheduleTimer) action()    {}
func (CommitToExecutor) action() {}

// Commit is a decided instance: its command and final dependency set.
type Commit struct {
	Dot     Dot
	Command Command
	Deps    []Dot
}

func (c Commit) String() string {
	return fmt.Sprintf("%s %s deps=%v", c.Dot, c.Command, c.Deps)
}

// InstanceInfo is a read-only view of an instance.
type InstanceInfo struct {
	Dot     Dot
	Status  Status
	Ballot  Ballot
	Command Command
	Deps    []Dot
}

// Stats counts how instances coordinated by a process completed.
type Stats struct {
	FastPaths   uint64
	SlowPaths   uint64
	Preemptions uint64
	Recoveries  uint64
	StaleDrops  uint64
}

// Protocol is the contract every consensus variant implements. A protocol is
// a pure state machine: it never performs I/O and is never called
// concurrently; the process driver serializes every call.
type Protocol interface {
	// ID returns the process running the protocol.
	ID() ProcessID

	// Submit starts agreement on cmd and returns the instance created for it.
	// A leader-based protocol may forward the command instead, in which case
	// the returned dot is zero.
	Submit(cmd Command) (Dot, []Action, error)

	// HandleMessage advances the instance msg refers to. Stale ballots and
	// unknown senders are reported as transient errors.
	HandleMessage(msg Message) ([]Action, error)

	// HandleTimeout fires the recovery armed by a ScheduleTimer action.
	HandleTimeout(id TimerID) ([]Action, error)

	// Executed marks an instance as executed. The instance is immutable
	// afterwards.
	Executed(dot Dot)

	// Instance returns a view of an instance known to this process.
	Instance(dot Dot) (InstanceInfo, bool)

	// Stats returns the protocol counters.
	Stats() Stats
}

// KeyValue is the outcome of one operation of a command.
type KeyValue struct {
	Key   Key
	Value Value
	Found bool
}

// Result is the outcome of applying a command to the store.
type Result struct {
	ID     CommandID
	Values []KeyValue
}

// Execution is one command applied by the executor, in order.
type Execution struct {
	Dot     Dot
	Command Command
	Result  Result
}

// Applier applies commands to the replicated state, one at a time.
type Applier interface {
	Apply(cmd Command) (Result, error)
}

// CommitSink receives committed instances from a process driver. A
// synchronous sink returns the executions the commit made possible; an
// asynchronous one returns none and reports them later.
type CommitSink interface {
	Commit(c Commit) ([]Execution, error)
}
