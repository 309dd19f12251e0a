package consensus

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

const (
	// DefaultCommitTimeout is how long a coordinator waits for a quorum before
	// it preempts its own instance.
	DefaultCommitTimeout = 50 * time.Millisecond

	// DefaultRecoveryTimeout is how long a process waits for a foreign
	// instance to commit before it tries to recover it.
	DefaultRecoveryTimeout = 500 * time.Millisecond

	// DefaultGCInterval is how often leaderless processes exchange what they
	// executed and drop the instances every process executed.
	DefaultGCInterval = time.Second
)

// Config is the cluster configuration read at startup.
type Config struct {
	Protocol Variant `toml:"protocol"`
	N        int     `toml:"n"`
	F        int     `toml:"f"`

	CommitTimeout   Duration `toml:"commit-timeout"`
	RecoveryTimeout Duration `toml:"recovery-timeout"`
	GCInterval      Duration `toml:"gc-interval"`
}

// NewConfig returns a three process EPaxos configuration.
func NewConfig() Config {
	return Config{
		Protocol:        EPaxos,
		N:               3,
		F:               1,
		CommitTimeout:   Duration(DefaultCommitTimeout),
		RecoveryTimeout: Duration(DefaultRecoveryTimeout),
		GCInterval:      Duration(DefaultGCInterval),
	}
}

// Quorums validates the configuration and derives its quorum sizes.
func (c Config) Quorums() (QuorumConfig, error) {
	return Configure(c.Protocol, c.N, c.F)
}

// LoadConfig reads a TOML configuration file on top of the defaults and
// validates it.
func LoadConfig(path string) (Config, error) {
	c := NewConfig()
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, errors.Wrapf(err, "decoding %s", path)
	}
	if _, err := c.Quorums(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Duration is a time.Duration that decodes from strings such as "50ms".
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}
