package leaderless

import "github.com/influxdata/consensus"

// keyDeps indexes the commands a process knows about, per key, to compute
// the dependencies of new commands.
//
// For each key and each process it keeps the latest write and the reads of
// that process issued after it. Older commands of the same process are
// reachable through the latest write: its coordinator indexed them before
// submitting it, so they are in its dependencies.
type keyDeps struct {
	keys map[consensus.Key]map[consensus.ProcessID]*latest
}

type latest struct {
	write consensus.Dot
	reads []consensus.Dot
}

func newKeyDeps() *keyDeps {
	return &keyDeps{keys: make(map[consensus.Key]map[consensus.ProcessID]*latest)}
}

// deps returns the indexed instances cmd conflicts with. A write depends on
// the latest writes and the reads after them; a read only on the writes.
func (k *keyDeps) deps(cmd consensus.Command, self consensus.Dot) consensus.DotSet {
	deps := consensus.NewDotSet()
	if cmd.Kind() == consensus.Noop {
		return deps
	}
	write := cmd.IsWrite()
	for _, key := range cmd.Keys() {
		for _, l := range k.keys[key] {
			if !l.write.IsZero() && l.write != self {
				deps.Add(l.write)
			}
			if !write {
				continue
			}
			for _, r := range l.reads {
				if r != self {
					deps.Add(r)
				}
			}
		}
	}
	return deps
}

// add indexes cmd under dot.
func (k *keyDeps) add(cmd consensus.Command, dot consensus.Dot) {
	if cmd.Kind() == consensus.Noop {
		return
	}
	write := cmd.IsWrite()
	for _, key := range cmd.Keys() {
		procs, ok := k.keys[key]
		if !ok {
			procs = make(map[consensus.ProcessID]*latest)
			k.keys[key] = procs
		}
		l, ok := procs[dot.Process]
		if !ok {
			l = &latest{}
			procs[dot.Process] = l
		}

		if dot.Seq <= l.write.Seq {
			// Covered by a later write of the same process.
			continue
		}
		if write {
			l.write = dot
			reads := l.reads[:0]
			for _, r := range l.reads {
				if r.Seq > dot.Seq {
					reads = append(reads, r)
				}
			}
			l.reads = reads
			continue
		}
		if !containsDot(l.reads, dot) {
			l.reads = append(l.reads, dot)
		}
	}
}

func containsDot(dots []consensus.Dot, d consensus.Dot) bool {
	for _, x := range dots {
		if x == d {
			return true
		}
	}
	return false
}
