package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSONCarriesService(t *testing.T) {
	var buf bytes.Buffer
	logger := initTo(&buf, "worker", "json", "info")
	logger.Info("hello", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "worker", line["service"])
	assert.Equal(t, "v", line["k"])
}

func TestInitUnknownFormatWarns(t *testing.T) {
	var buf bytes.Buffer
	initTo(&buf, "api", "xml", "")
	assert.Contains(t, buf.String(), "unknown log format")
}

func TestInitLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := initTo(&buf, "api", "text", "warn")
	logger.Info("dropped")
	logger.Warn("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestInitUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := initTo(&buf, "api", "text", "loud")
	logger.Info("visible")
	assert.Contains(t, buf.String(), "unknown log level")
	assert.Contains(t, buf.String(), "visible")
}
