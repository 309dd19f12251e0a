package consensus

import (
	"fmt"
	"sort"
	"strings"

	"github.com/influxdata/consensus/kit/platform/errors"
)

// ProcessID identifies a replica. Processes are numbered from 1 to n.
type ProcessID uint64

// CommandID uniquely identifies a command: the issuing client and a
// per-client sequence number.
type CommandID struct {
	Client uint64
	Seq    uint64
}

// IsZero returns true if the identifier was never assigned.
func (id CommandID) IsZero() bool { return id.Client == 0 && id.Seq == 0 }

// Less orders identifiers by client and then by sequence.
func (id CommandID) Less(other CommandID) bool {
	if id.Client != other.Client {
		return id.Client < other.Client
	}
	return id.Seq < other.Seq
}

func (id CommandID) String() string { return fmt.Sprintf("%d:%d", id.Client, id.Seq) }

// Key is a key of the replicated key-value store.
type Key string

// Value is the value stored under a key.
type Value int64

// OpKind is the kind of operation a command performs on one key.
type OpKind int

const (
	OpGet OpKind = iota
	OpPut
	OpAdd
	OpSubtract
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpGet:
		return "get"
	case OpPut:
		return "put"
	case OpAdd:
		return "add"
	case OpSubtract:
		return "subtract"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Op is a single storage operation.
type Op struct {
	Kind  OpKind
	Value Value // ignored by Get and Delete
}

// Get returns a read operation.
func Get() Op { return Op{Kind: OpGet} }

// Put returns an operation that stores v.
func Put(v Value) Op { return Op{Kind: OpPut, Value: v} }

// Add returns an operation that adds v to the current value.
func Add(v Value) Op { return Op{Kind: OpAdd, Value: v} }

// Subtract returns an operation that subtracts v from the current value.
func Subtract(v Value) Op { return Op{Kind: OpSubtract, Value: v} }

// Delete returns an operation that removes the key.
func Delete() Op { return Op{Kind: OpDelete} }

// IsWrite returns true if the operation mutates the store.
func (o Op) IsWrite() bool { return o.Kind != OpGet }

// KeyOp is an operation on a key.
type KeyOp struct {
	Key Key
	Op  Op
}

// CommandKind classifies a command for conflict detection.
type CommandKind int

const (
	Noop CommandKind = iota
	Read
	Write
)

func (k CommandKind) String() string {
	switch k {
	case Noop:
		return "noop"
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return "unknown"
	}
}

// Command is an immutable client operation over an ordered set of keys.
// Build commands with NewCommand or NoopCommand; the zero value is a no-op.
type Command struct {
	ID  CommandID
	ops []KeyOp // sorted by key, one entry per key
}

// NewCommand returns a command touching each key once. Keys are sorted.
func NewCommand(id CommandID, ops ...KeyOp) (Command, error) {
	sorted := make([]KeyOp, len(ops))
	copy(sorted, ops)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Key == sorted[i-1].Key {
			return Command{}, &errors.Error{
				Code: errors.EInvalid,
				Op:   "consensus.NewCommand",
				Msg:  fmt.Sprintf("key %q appears more than once in command %s", sorted[i].Key, id),
			}
		}
	}
	return Command{ID: id, ops: sorted}, nil
}

// MustCommand is like NewCommand but panics on error.
func MustCommand(id CommandID, ops ...KeyOp) Command {
	cmd, err := NewCommand(id, ops...)
	if err != nil {
		panic(err)
	}
	return cmd
}

// NoopCommand returns a command that touches no key.
func NoopCommand(id CommandID) Command { return Command{ID: id} }

// Ops returns the operations of the command in key order.
func (c Command) Ops() []KeyOp {
	ops := make([]KeyOp, len(c.ops))
	copy(ops, c.ops)
	return ops
}

// Keys returns the keys touched by the command in order.
func (c Command) Keys() []Key {
	keys := make([]Key, len(c.ops))
	for i, op := range c.ops {
		keys[i] = op.Key
	}
	return keys
}

// KeyCount returns the number of keys the command touches.
func (c Command) KeyCount() int { return len(c.ops) }

// Kind returns whether the command is a no-op, read-only or a write.
func (c Command) Kind() CommandKind {
	if len(c.ops) == 0 {
		return Noop
	}
	for _, op := range c.ops {
		if op.Op.IsWrite() {
			return Write
		}
	}
	return Read
}

// IsWrite returns true if any operation of the command mutates the store.
func (c Command) IsWrite() bool { return c.Kind() == Write }

// Touches returns true if the command accesses key.
func (c Command) Touches(key Key) bool {
	i := sort.Search(len(c.ops), func(i int) bool { return c.ops[i].Key >= key })
	return i < len(c.ops) && c.ops[i].Key == key
}

func (c Command) String() string {
	var b strings.Builder
	b.WriteString(c.ID.String())
	b.WriteString(" ")
	b.WriteString(c.Kind().String())
	b.WriteString("[")
	for i, op := range c.ops {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s(%s)", op.Op.Kind, op.Key)
	}
	b.WriteString("]")
	return b.String()
}

// Conflicts returns true if a and b must be ordered relative to one another:
// their key sets intersect and at least one of them writes. No-ops never
// conflict. This is the only conflict oracle; every dependency computation
// goes through it.
func Conflicts(a, b Command) bool {
	if a.Kind() == Noop || b.Kind() == Noop {
		return false
	}
	if !a.IsWrite() && !b.IsWrite() {
		return false
	}
	// Both op lists are sorted by key, so walk them together.
	i, j := 0, 0
	for i < len(a.ops) && j < len(b.ops) {
		switch {
		case a.ops[i].Key == b.ops[j].Key:
			return true
		case a.ops[i].Key < b.ops[j].Key:
			i++
		default:
			j++
		}
	}
	return false
}

// Dot identifies a protocol instance: the process that created it and a
// counter local to that process.
type Dot struct {
	Process ProcessID
	Seq     uint64
}

// Less orders dots by process and then by sequence. The order is total and
// the same on every replica.
func (d Dot) Less(other Dot) bool {
	if d.Process != other.Process {
		return d.Process < other.Process
	}
	return d.Seq < other.Seq
}

// IsZero returns true for the zero dot.
func (d Dot) IsZero() bool { return d.Process == 0 && d.Seq == 0 }

func (d Dot) String() string { return fmt.Sprintf("%d.%d", d.Process, d.Seq) }

// SortDots sorts dots in place and returns them.
func SortDots(dots []Dot) []Dot {
	sort.Slice(dots, func(i, j int) bool { return dots[i].Less(dots[j]) })
	return dots
}

// DotSet is a set of instance identifiers.
type DotSet map[Dot]struct{}

// NewDotSet returns a set holding dots.
func NewDotSet(dots ...Dot) DotSet {
	s := make(DotSet, len(dots))
	for _, d := range dots {
		s[d] = struct{}{}
	}
	return s
}

// Add inserts d into the set.
func (s DotSet) Add(d Dot) { s[d] = struct{}{} }

// Has returns true if d is in the set.
func (s DotSet) Has(d Dot) bool {
	_, ok := s[d]
	return ok
}

// Merge adds every member of other and returns true if the set grew.
func (s DotSet) Merge(other DotSet) bool {
	grew := false
	for d := range other {
		if _, ok := s[d]; !ok {
			s[d] = struct{}{}
			grew = true
		}
	}
	return grew
}

// Equal returns true if both sets hold the same dots.
func (s DotSet) Equal(other DotSet) bool {
	if len(s) != len(other) {
		return false
	}
	for d := range s {
		if _, ok := other[d]; !ok {
			return false
		}
	}
	return true
}

// Clone returns a copy of the set.
func (s DotSet) Clone() DotSet {
	c := make(DotSet, len(s))
	for d := range s {
		c[d] = struct{}{}
	}
	return c
}

// Sorted returns the members in Dot order.
func (s DotSet) Sorted() []Dot {
	dots := make([]Dot, 0, len(s))
	for d := range s {
		dots = append(dots, d)
	}
	return SortDots(dots)
}
