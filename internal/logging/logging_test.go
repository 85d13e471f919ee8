package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProduction(t *testing.T) {
	logger, err := New(false)
	require.NoError(t, err)
	assert.NotNil(t, logger)
	assert.False(t, logger.Core().Enabled(-1), "production logger should not enable debug")
}

func TestNewDevelopment(t *testing.T) {
	logger, err := New(true)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1), "development logger should enable debug")
}
