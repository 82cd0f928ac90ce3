package common

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	log := SetupLogger(&LoggingOpts{JSON: true, Service: "apas", Version: "v1.2.3", Output: &buf})

	log.Debug("hidden")
	log.Info("shown", "count", 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "apas", line["service"])
	assert.Equal(t, "v1.2.3", line["version"])
	assert.EqualValues(t, 3, line["count"])

	buf.Reset()
	log = SetupLogger(&LoggingOpts{Debug: true, Output: &buf})
	log.Debug("visible")
	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.NotContains(t, buf.String(), "service=")
}
