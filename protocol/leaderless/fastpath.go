package leaderless

import "github.com/influxdata/consensus"

// fastPathRule decides, from the dependencies reported by a full fast
// quorum, whether an instance commits in one round trip. It returns the
// dependencies to commit or, when the fast path is not taken, to propose
// on the slow path.
type fastPathRule func(q consensus.QuorumConfig, proposed consensus.DotSet, replies []consensus.DotSet) (consensus.DotSet, bool)

// epaxosFastPath takes the fast path when every member of the fast quorum
// reported exactly the coordinator's dependencies.
func epaxosFastPath(_ consensus.QuorumConfig, proposed consensus.DotSet, replies []consensus.DotSet) (consensus.DotSet, bool) {
	fast := true
	union := proposed.Clone()
	for _, r := range replies {
		if !r.Equal(proposed) {
			fast = false
		}
		union.Merge(r)
	}
	if fast {
		return proposed.Clone(), true
	}
	return union, false
}

// atlasFastPath takes the fast path when every dependency in the union of
// the replies was reported by at least f members of the fast quorum.
func atlasFastPath(q consensus.QuorumConfig, proposed consensus.DotSet, replies []consensus.DotSet) (consensus.DotSet, bool) {
	threshold := q.F
	if threshold < 1 {
		threshold = 1
	}
	counts := make(map[consensus.Dot]int)
	union := proposed.Clone()
	for _, r := range replies {
		for d := range r {
			counts[d]++
		}
		union.Merge(r)
	}
	for d := range union {
		if counts[d] < threshold {
			return union, false
		}
	}
	return union, true
}
