// Package protocol builds the consensus protocol named by a variant.
package protocol

import (
	"fmt"
	"time"

	"github.com/influxdata/consensus"
	"github.com/influxdata/consensus/kit/platform/errors"
	"github.com/influxdata/consensus/protocol/fpaxos"
	"github.com/influxdata/consensus/protocol/leaderless"
	"go.uber.org/zap"
)

// Options tune whichever protocol is built. RecoveryTimeout and GCInterval
// are ignored by FPaxos.
type Options struct {
	CommitTimeout   time.Duration
	RecoveryTimeout time.Duration
	GCInterval      time.Duration
	Logger          *zap.Logger
}

// New returns the process id of a cluster running variant.
func New(variant consensus.Variant, id consensus.ProcessID, q consensus.QuorumConfig, opts Options) (consensus.Protocol, error) {
	switch variant {
	case consensus.EPaxos:
		return leaderless.NewEPaxos(id, q, leaderlessOptions(opts))
	case consensus.Atlas:
		return leaderless.NewAtlas(id, q, leaderlessOptions(opts))
	case consensus.FPaxos:
		return fpaxos.New(id, q, fpaxos.Options{
			CommitTimeout: opts.CommitTimeout,
			Logger:        opts.Logger,
		})
	default:
		return nil, &errors.Error{
			Code: errors.EInvalid,
			Op:   "protocol.New",
			Msg:  fmt.Sprintf("unknown protocol variant %d", int(variant)),
		}
	}
}

// FromConfig builds the protocol of process id from a validated configuration.
func FromConfig(c consensus.Config, id consensus.ProcessID, logger *zap.Logger) (consensus.Protocol, error) {
	q, err := c.Quorums()
	if err != nil {
		return nil, err
	}
	return New(c.Protocol, id, q, Options{
		CommitTimeout:   time.Duration(c.CommitTimeout),
		RecoveryTimeout: time.Duration(c.RecoveryTimeout),
		GCInterval:      time.Duration(c.GCInterval),
		Logger:          logger,
	})
}

func leaderlessOptions(opts Options) leaderless.Options {
	return leaderless.Options{
		CommitTimeout:   opts.CommitTimeout,
		RecoveryTimeout: opts.RecoveryTimeout,
		GCInterval:      opts.GCInterval,
		Logger:          opts.Logger,
	}
}
