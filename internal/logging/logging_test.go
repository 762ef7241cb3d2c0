package logging

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_File(t *testing.T) {
	logger := log.New()
	path := filepath.Join(t.TempDir(), "geostitch.log")

	closer, err := Setup(logger, "debug", path)
	require.NoError(t, err)
	assert.Equal(t, log.DebugLevel, logger.GetLevel())

	logger.WithField("component", "fetch").Debug("fetching tiles")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(raw)
	assert.Contains(t, line, "[DEBUG]")
	assert.Contains(t, line, "[fetch]")
	assert.Contains(t, line, "fetching tiles")
}

func TestSetup_Stderr(t *testing.T) {
	logger := log.New()
	closer, err := Setup(logger, "warn", "")
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
	assert.Equal(t, log.WarnLevel, logger.GetLevel())
	assert.Equal(t, os.Stderr, logger.Out)
}

func TestSetup_BadLevel(t *testing.T) {
	_, err := Setup(log.New(), "loud", "")
	assert.Error(t, err)
}

func TestSetup_BadFile(t *testing.T) {
	_, err := Setup(log.New(), "info", filepath.Join(t.TempDir(), "missing", "x.log"))
	assert.Error(t, err)
}
