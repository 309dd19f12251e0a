package consensus

import (
	"fmt"
	"strings"

	"github.com/influxdata/consensus/kit/platform/errors"
	"go.uber.org/multierr"
)

// Variant selects a protocol family.
type Variant int

const (
	// EPaxos is the leaderless protocol with the identical-dependencies
	// fast path.
	EPaxos Variant = iota + 1
	// Atlas is the leaderless protocol whose fast path accepts the union of
	// dependencies reported by at least f processes.
	Atlas
	// FPaxos is leader-based Flexible Paxos.
	FPaxos
)

func (v Variant) String() string {
	switch v {
	case EPaxos:
		return "epaxos"
	case Atlas:
		return "atlas"
	case FPaxos:
		return "fpaxos"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// Leaderless returns true for the leaderless protocol families.
func (v Variant) Leaderless() bool { return v == EPaxos || v == Atlas }

// ParseVariant returns the variant named s.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "epaxos":
		return EPaxos, nil
	case "atlas":
		return Atlas, nil
	case "fpaxos":
		return FPaxos, nil
	}
	return 0, &errors.Error{
		Code: errors.EInvalid,
		Op:   "consensus.ParseVariant",
		Msg:  fmt.Sprintf("unknown protocol %q", s),
	}
}

// MarshalText implements encoding.TextMarshaler.
func (v Variant) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Variant) UnmarshalText(b []byte) error {
	parsed, err := ParseVariant(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// QuorumConfig holds the cluster size, the tolerated failures and the quorum
// sizes derived from them for one protocol variant.
type QuorumConfig struct {
	Variant Variant
	N       int
	F       int

	fast int
	slow int
}

// Configure validates (n, f) for variant and derives the quorum sizes.
// It fails when n < 2f+1 or when the derived quorums would not intersect.
func Configure(variant Variant, n, f int) (QuorumConfig, error) {
	const op = "consensus.Configure"
	if n < 1 {
		return QuorumConfig{}, invalidConfig(op, "cluster size must be at least 1, got %d", n)
	}
	if f < 0 {
		return QuorumConfig{}, invalidConfig(op, "fault tolerance must not be negative, got %d", f)
	}
	if n < 2*f+1 {
		return QuorumConfig{}, invalidConfig(op, "%d processes cannot tolerate %d failures, need at least %d", n, f, 2*f+1)
	}

	c := QuorumConfig{Variant: variant, N: n, F: f}
	switch variant {
	case EPaxos:
		// EPaxos fixes the tolerated failures to a minority of n.
		minority := n / 2
		c.slow = minority + 1
		c.fast = max(minority+(minority+1)/2, c.slow)
	case Atlas:
		c.slow = n/2 + 1
		c.fast = max(n/2+f, c.slow)
	case FPaxos:
		c.fast = f + 1
		c.slow = n - f
	default:
		return QuorumConfig{}, invalidConfig(op, "unknown protocol variant %d", int(variant))
	}

	if err := c.Validate(); err != nil {
		return QuorumConfig{}, err
	}
	return c, nil
}

func invalidConfig(op, format string, args ...interface{}) error {
	return &errors.Error{
		Code: errors.EInvalid,
		Op:   op,
		Msg:  fmt.Sprintf(format, args...),
	}
}

// FastQuorumSize returns the size of the fast-path quorum. For FPaxos this is
// the phase-2 write quorum.
func (c QuorumConfig) FastQuorumSize() int { return c.fast }

// SlowQuorumSize returns the size of the slow-path quorum. For FPaxos this is
// the phase-1 quorum.
func (c QuorumConfig) SlowQuorumSize() int { return c.slow }

// Validate checks that every pair of quorums of the configured sizes
// intersects.
func (c QuorumConfig) Validate() error {
	var err error
	if c.fast < 1 || c.fast > c.N {
		err = multierr.Append(err, fmt.Errorf("fast quorum size %d out of range [1, %d]", c.fast, c.N))
	}
	if c.slow < 1 || c.slow > c.N {
		err = multierr.Append(err, fmt.Errorf("slow quorum size %d out of range [1, %d]", c.slow, c.N))
	}
	if c.fast+c.slow <= c.N {
		err = multierr.Append(err, fmt.Errorf("fast quorum %d and slow quorum %d may not intersect with %d processes", c.fast, c.slow, c.N))
	}
	if c.Variant.Leaderless() && 2*c.slow <= c.N {
		err = multierr.Append(err, fmt.Errorf("two slow quorums of %d may not intersect with %d processes", c.slow, c.N))
	}
	if err != nil {
		return &errors.Error{
			Code: errors.EInvalid,
			Op:   "consensus.QuorumConfig.Validate",
			Msg:  fmt.Sprintf("invalid %s configuration n=%d f=%d", c.Variant, c.N, c.F),
			Err:  err,
		}
	}
	return nil
}

// Processes returns the identifiers of every process, 1 through n.
func (c QuorumConfig) Processes() []ProcessID {
	ids := make([]ProcessID, c.N)
	for i := range ids {
		ids[i] = ProcessID(i + 1)
	}
	return ids
}

// Quorum returns the size processes starting at from and wrapping around the
// process identifiers. The result is the same on every replica.
func (c QuorumConfig) Quorum(from ProcessID, size int) []ProcessID {
	if size > c.N {
		size = c.N
	}
	q := make([]ProcessID, 0, size)
	for i := 0; i < size; i++ {
		q = append(q, ProcessID((int(from)-1+i)%c.N+1))
	}
	return q
}

// FastQuorum returns the fast quorum used by the coordinator from.
func (c QuorumConfig) FastQuorum(from ProcessID) []ProcessID { return c.Quorum(from, c.fast) }

// SlowQuorum returns the slow quorum used by the coordinator from.
func (c QuorumConfig) SlowQuorum(from ProcessID) []ProcessID { return c.Quorum(from, c.slow) }

// QuorumsIntersect returns true if a and b share at least one process.
func QuorumsIntersect(a, b []ProcessID) bool {
	seen := make(map[ProcessID]struct{}, len(a))
	for _, p := range a {
		seen[p] = struct{}{}
	}
	for _, p := range b {
		if _, ok := seen[p]; ok {
			return true
		}
	}
	return false
}

func (c QuorumConfig) String() string {
	return fmt.Sprintf("%s(n=%d f=%d fast=%d slow=%d)", c.Variant, c.N, c.F, c.fast, c.slow)
}
