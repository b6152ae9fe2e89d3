package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))
	logger.Info("development logger ready")
	_ = Sync(logger)
}

func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
	logger.Info("production logger ready")
	_ = Sync(logger)
}

func TestSyncObserverLogger(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core).With(zap.String("service", Service))
	logger.Info("hello")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, Service, logs.All()[0].ContextMap()["service"])
	assert.NoError(t, Sync(logger))
}
