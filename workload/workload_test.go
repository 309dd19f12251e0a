package workload

import (
	"strings"
	"testing"

	"github.com/influxdata/consensus"
	"github.com/influxdata/consensus/kit/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestGenerator_AlwaysConflicting(t *testing.T) {
	g, err := New(1, NewConfig(), 42)
	require.NoError(t, err)

	for i := 1; i <= 100; i++ {
		cmd, ok := g.Next()
		require.True(t, ok)
		assert.Equal(t, consensus.CommandID{Client: 1, Seq: uint64(i)}, cmd.ID)
		assert.Equal(t, []consensus.Key{"CONFLICT0"}, cmd.Keys())
		assert.True(t, cmd.IsWrite())
	}
	_, ok := g.Next()
	assert.False(t, ok)
	assert.True(t, g.Finished())
	assert.Equal(t, 100, g.Issued())
}

func TestGenerator_NeverConflicting(t *testing.T) {
	cfg := NewConfig()
	cfg.ConflictRate = 0
	cfg.Commands = 10
	g, err := New(7, cfg, 42)
	require.NoError(t, err)

	for {
		cmd, ok := g.Next()
		if !ok {
			break
		}
		assert.Equal(t, []consensus.Key{"7"}, cmd.Keys())
	}
}

func TestGenerator_Mix(t *testing.T) {
	cfg := Config{ConflictRate: 50, PoolSize: 4, KeysPerCommand: 2, ReadOnlyPercentage: 30, Commands: 2000}
	g, err := New(3, cfg, 1)
	require.NoError(t, err)

	var conflicting, reads int
	for {
		cmd, ok := g.Next()
		if !ok {
			break
		}
		keys := cmd.Keys()
		require.Len(t, keys, 2)
		for _, k := range keys {
			if strings.HasPrefix(string(k), ConflictPrefix) {
				conflicting++
			}
		}
		if cmd.Kind() == consensus.Read {
			reads++
		}
	}
	assert.InDelta(t, 0.3, float64(reads)/2000, 0.05)
	assert.Greater(t, conflicting, 1000)
}

func TestGenerator_Deterministic(t *testing.T) {
	cfg := Config{ConflictRate: 50, PoolSize: 8, KeysPerCommand: 1, Commands: 50}
	a, err := New(2, cfg, 99)
	require.NoError(t, err)
	b, err := New(2, cfg, 99)
	require.NoError(t, err)
	for !a.Finished() {
		ca, _ := a.Next()
		cb, _ := b.Next()
		assert.Equal(t, ca, cb)
	}
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, NewConfig().Validate())

	err := Config{ConflictRate: 101, PoolSize: 0, KeysPerCommand: 3, ReadOnlyPercentage: -1, Commands: -1}.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 5)
	for _, e := range multierr.Errors(err) {
		assert.Equal(t, errors.EInvalid, errors.ErrorCode(e))
	}

	err = Config{ConflictRate: 0, PoolSize: 1, KeysPerCommand: 2, Commands: 1}.Validate()
	assert.Equal(t, errors.EInvalid, errors.ErrorCode(err))

	err = Config{ConflictRate: 100, PoolSize: 1, KeysPerCommand: 2, Commands: 1}.Validate()
	assert.Equal(t, errors.EInvalid, errors.ErrorCode(err))

	_, err = New(0, NewConfig(), 1)
	assert.Equal(t, errors.EInvalid, errors.ErrorCode(err))
}
