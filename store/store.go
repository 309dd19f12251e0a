// Package store holds the replicated key-value state. A Store is mutated only
// by applying commands, one at a time, in the order the executor emits them.
package store

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
	"github.com/influxdata/consensus"
	"github.com/influxdata/consensus/kit/platform/errors"
	"go.uber.org/zap"
)

// ErrDuplicateApply is returned when a command is applied a second time.
// It means exactly-once delivery was broken upstream.
var ErrDuplicateApply = &errors.Error{
	Code: errors.EInternal,
	Msg:  "command applied twice",
}

var _ consensus.Applier = (*Store)(nil)

// Store is an in-memory, btree backed key-value store. It is not safe for
// concurrent use; the executor owns it.
type Store struct {
	tree    *btree.BTree
	applied map[consensus.CommandID]struct{}
	order   []consensus.CommandID

	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger.With(zap.String("svc", "store"))
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		tree:    btree.New(2),
		applied: make(map[consensus.CommandID]struct{}),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply executes every operation of cmd and returns their results.
func (s *Store) Apply(cmd consensus.Command) (consensus.Result, error) {
	if !cmd.ID.IsZero() {
		if _, ok := s.applied[cmd.ID]; ok {
			return consensus.Result{}, &errors.Error{
				Code: errors.EInternal,
				Op:   "store.Apply",
				Msg:  fmt.Sprintf("command %s", cmd.ID),
				Err:  ErrDuplicateApply,
			}
		}
		s.applied[cmd.ID] = struct{}{}
		s.order = append(s.order, cmd.ID)
	}

	res := consensus.Result{ID: cmd.ID}
	for _, op := range cmd.Ops() {
		res.Values = append(res.Values, s.apply(op))
	}
	s.logger.Debug("Applied command", zap.Stringer("command", cmd))
	return res, nil
}

func (s *Store) apply(op consensus.KeyOp) consensus.KeyValue {
	cur, found := s.Get(op.Key)
	switch op.Op.Kind {
	case consensus.OpGet:
		return consensus.KeyValue{Key: op.Key, Value: cur, Found: found}
	case consensus.OpPut:
		s.tree.ReplaceOrInsert(&item{key: op.Key, value: op.Op.Value})
		return consensus.KeyValue{Key: op.Key, Value: cur, Found: found}
	case consensus.OpAdd:
		v := cur + op.Op.Value
		s.tree.ReplaceOrInsert(&item{key: op.Key, value: v})
		return consensus.KeyValue{Key: op.Key, Value: v, Found: true}
	case consensus.OpSubtract:
		v := cur - op.Op.Value
		s.tree.ReplaceOrInsert(&item{key: op.Key, value: v})
		return consensus.KeyValue{Key: op.Key, Value: v, Found: true}
	case consensus.OpDelete:
		s.tree.Delete(&item{key: op.Key})
		return consensus.KeyValue{Key: op.Key, Value: cur, Found: found}
	}
	return consensus.KeyValue{Key: op.Key}
}

// Get returns the value stored under key.
func (s *Store) Get(key consensus.Key) (consensus.Value, bool) {
	i := s.tree.Get(&item{key: key})
	if i == nil {
		return 0, false
	}
	return i.(*item).value, true
}

// Len returns the number of keys in the store.
func (s *Store) Len() int { return s.tree.Len() }

// Snapshot returns every key and its value in ascending key order.
func (s *Store) Snapshot() []consensus.KeyValue {
	kvs := make([]consensus.KeyValue, 0, s.tree.Len())
	s.tree.Ascend(func(i btree.Item) bool {
		it := i.(*item)
		kvs = append(kvs, consensus.KeyValue{Key: it.key, Value: it.value, Found: true})
		return true
	})
	return kvs
}

// Checksum returns a digest of the store contents. Two replicas that applied
// the same commands in a compatible order have the same checksum.
func (s *Store) Checksum() uint64 {
	h := xxhash.New()
	var buf [8]byte
	s.tree.Ascend(func(i btree.Item) bool {
		it := i.(*item)
		_, _ = h.WriteString(string(it.key))
		_, _ = h.Write([]byte{0})
		binary.BigEndian.PutUint64(buf[:], uint64(it.value))
		_, _ = h.Write(buf[:])
		return true
	})
	return h.Sum64()
}

// Applied returns the identifiers of the applied commands in application
// order. No-ops without an identifier are not recorded.
func (s *Store) Applied() []consensus.CommandID {
	order := make([]consensus.CommandID, len(s.order))
	copy(order, s.order)
	return order
}

// AppliedCount returns the number of commands applied.
func (s *Store) AppliedCount() int { return len(s.order) }

// item is a key and its value in the btree.
type item struct {
	key   consensus.Key
	value consensus.Value
}

// Less is used to implement btree.Item.
func (i *item) Less(b btree.Item) bool {
	return i.key < b.(*item).key
}
