package logger_test

import (
	"bytes"
	"testing"

	"github.com/influxdata/consensus/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestConfig_New(t *testing.T) {
	tests := []struct {
		format string
		want   string
	}{
		{format: "auto", want: `msg="Instance committed" dot=1.1`},
		{format: "logfmt", want: `msg="Instance committed" dot=1.1`},
		{format: "json", want: `"msg":"Instance committed","dot":"1.1"`},
		{format: "console", want: "Instance committed\t{\"dot\": \"1.1\"}"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			log, err := logger.Config{Format: tt.format, Level: zapcore.InfoLevel}.New(&buf)
			require.NoError(t, err)

			log.Info("Instance committed", zap.String("dot", "1.1"))
			log.Debug("Hidden")
			assert.Contains(t, buf.String(), tt.want)
			assert.NotContains(t, buf.String(), "Hidden")
		})
	}
}

func TestConfig_NewUnknownFormat(t *testing.T) {
	_, err := logger.Config{Format: "xml"}.New(&bytes.Buffer{})
	assert.Error(t, err)
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, logger.IsTerminal(&bytes.Buffer{}))
}
