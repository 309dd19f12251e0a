package protocol_test

import (
	"testing"

	"github.com/influxdata/consensus"
	"github.com/influxdata/consensus/kit/platform/errors"
	"github.com/influxdata/consensus/protocol"
	"github.com/influxdata/consensus/protocol/fpaxos"
	"github.com/influxdata/consensus/protocol/leaderless"
	"github.com/influxdata/consensus/protocol/protocoltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNew(t *testing.T) {
	for _, tt := range []struct {
		variant consensus.Variant
		check   func(t *testing.T, p consensus.Protocol)
	}{
		{consensus.EPaxos, func(t *testing.T, p consensus.Protocol) { assert.IsType(t, &leaderless.Protocol{}, p) }},
		{consensus.Atlas, func(t *testing.T, p consensus.Protocol) { assert.IsType(t, &leaderless.Protocol{}, p) }},
		{consensus.FPaxos, func(t *testing.T, p consensus.Protocol) { assert.IsType(t, &fpaxos.Protocol{}, p) }},
	} {
		t.Run(tt.variant.String(), func(t *testing.T) {
			q, err := consensus.Configure(tt.variant, 3, 1)
			require.NoError(t, err)
			p, err := protocol.New(tt.variant, 2, q, protocol.Options{Logger: zaptest.NewLogger(t)})
			require.NoError(t, err)
			assert.Equal(t, consensus.ProcessID(2), p.ID())
			tt.check(t, p)
		})
	}
}

func TestNew_UnknownVariant(t *testing.T) {
	q, err := consensus.Configure(consensus.EPaxos, 3, 1)
	require.NoError(t, err)
	_, err = protocol.New(consensus.Variant(42), 1, q, protocol.Options{})
	assert.Equal(t, errors.EInvalid, errors.ErrorCode(err))
}

// Every variant commits the same write on every process.
func TestFromConfig_Agreement(t *testing.T) {
	for _, variant := range []consensus.Variant{consensus.EPaxos, consensus.Atlas, consensus.FPaxos} {
		t.Run(variant.String(), func(t *testing.T) {
			c := consensus.NewConfig()
			c.Protocol, c.N, c.F = variant, 5, 2

			var procs []consensus.Protocol
			for id := consensus.ProcessID(1); id <= 5; id++ {
				p, err := protocol.FromConfig(c, id, zaptest.NewLogger(t))
				require.NoError(t, err)
				procs = append(procs, p)
			}
			net := protocoltest.New(t, procs...)

			cmd := consensus.MustCommand(consensus.CommandID{Client: 1, Seq: 1},
				consensus.KeyOp{Key: "x", Op: consensus.Put(7)})
			dot := net.Submit(1, cmd)
			net.Deliver()

			got := net.AssertAgreement(dot, 1, 2, 3, 4, 5)
			assert.Equal(t, cmd, got.Command)
		})
	}
}

func TestFromConfig_Invalid(t *testing.T) {
	c := consensus.NewConfig()
	c.N, c.F = 2, 1
	_, err := protocol.FromConfig(c, 1, nil)
	assert.Equal(t, errors.EInvalid, errors.ErrorCode(err))
}
