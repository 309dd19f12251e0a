package prom_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/influxdata/consensus/kit/prom"
	"github.com/influxdata/consensus/kit/prom/promtest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type component struct {
	commits prometheus.Counter
}

func (c *component) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{c.commits}
}

func TestRegistry(t *testing.T) {
	reg := prom.NewRegistry(zaptest.NewLogger(t))
	c := &component{commits: prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_commits_total",
		Help: "commits",
	})}
	reg.MustRegister(c)
	c.commits.Add(3)

	assert.Equal(t, 3.0, promtest.CounterValue(t, reg, "test_commits_total", nil))

	srv := httptest.NewServer(reg.HTTPHandler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "test_commits_total 3")
}
