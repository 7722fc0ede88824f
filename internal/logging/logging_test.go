// ABOUTME: Tests for logger setup
// ABOUTME: Checks file output, levels and the discard fallback
package logging

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "udptrip.log")
	logger, closer, err := Setup(Options{File: path, Debug: true})
	require.NoError(t, err)

	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	For(logger, "transport").WithField("port", 4464).Info("bound")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "transport")
	assert.Contains(t, string(data), "bound")
	assert.Contains(t, string(data), "port=4464")
}

func TestSetupWithoutOutputsDiscards(t *testing.T) {
	logger, closer, err := Setup(Options{})
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.Equal(t, io.Discard, logger.Out)
}

func TestSetupBadPath(t *testing.T) {
	_, _, err := Setup(Options{File: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
}
