package cluster

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/influxdata/consensus"
	"github.com/influxdata/consensus/kit/platform/errors"
	"github.com/influxdata/consensus/workload"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/multierr"
)

const (
	// DefaultClients is the number of closed-loop clients.
	DefaultClients = 4

	// DefaultRate is the per-client command rate. Zero means unlimited.
	DefaultRate = 0
)

// Config represents the configuration of a cluster run: the consensus
// deployment plus the load its clients put on it.
type Config struct {
	Consensus consensus.Config `toml:"consensus"`
	Workload  workload.Config  `toml:"workload"`

	Clients int     `toml:"clients"`
	Rate    float64 `toml:"rate"`
	Seed    int64   `toml:"seed"`
}

// NewConfig returns an instance of Config with defaults.
func NewConfig() Config {
	return Config{
		Consensus: consensus.NewConfig(),
		Workload:  workload.NewConfig(),
		Clients:   DefaultClients,
		Rate:      DefaultRate,
		Seed:      1,
	}
}

// Validate returns every problem with the configuration.
func (c Config) Validate() error {
	var err error
	if _, qerr := c.Consensus.Quorums(); qerr != nil {
		err = multierr.Append(err, qerr)
	}
	err = multierr.Append(err, c.Workload.Validate())
	if c.Clients < 1 {
		err = multierr.Append(err, &errors.Error{
			Code: errors.EInvalid,
			Op:   "cluster.Validate",
			Msg:  fmt.Sprintf("at least one client is required, got %d", c.Clients),
		})
	}
	if c.Rate < 0 {
		err = multierr.Append(err, &errors.Error{
			Code: errors.EInvalid,
			Op:   "cluster.Validate",
			Msg:  fmt.Sprintf("negative rate %g", c.Rate),
		})
	}
	return err
}

// LoadConfig reads a TOML file on top of the defaults and validates it.
func LoadConfig(path string) (Config, error) {
	c := NewConfig()
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, pkgerrors.Wrapf(err, "decoding %s", path)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
