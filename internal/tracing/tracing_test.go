package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("livebind")
	assert.Equal(t, "livebind", cfg.ServiceName)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 1.0, cfg.SampleRatio)
}

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), DefaultConfig("livebind"), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, ShutdownTracing(shutdown, nil))
}

func TestShutdownTracingNil(t *testing.T) {
	assert.NoError(t, ShutdownTracing(nil, nil))
}

func TestSetupTracingRejectsUnknownProtocol(t *testing.T) {
	cfg := DefaultConfig("livebind")
	cfg.Enabled = true
	cfg.Protocol = "carrier-pigeon"
	_, err := SetupTracing(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestNewExporterBuildsBothProtocols(t *testing.T) {
	for _, protocol := range []string{ProtocolHTTP, ProtocolGRPC} {
		cfg := DefaultConfig("livebind")
		cfg.Protocol = protocol
		exp, err := newExporter(context.Background(), cfg)
		require.NoError(t, err, protocol)
		require.NoError(t, exp.Shutdown(context.Background()), protocol)
	}
}
