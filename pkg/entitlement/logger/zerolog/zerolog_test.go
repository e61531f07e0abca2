package zerolog

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartvoice/chartbill/pkg/entitlement"
)

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf))

	logger.Info("created squad",
		entitlement.Field{Key: "squad_id", Value: "squad_1"},
		entitlement.Field{Key: "included_charts", Value: 500})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "created squad", entry["message"])
	assert.Equal(t, "squad_1", entry["squad_id"])
	assert.Equal(t, float64(500), entry["included_charts"])
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf).Level(zerolog.WarnLevel))

	logger.Debug("not emitted")
	logger.Info("not emitted")
	logger.Warn("emitted")
	logger.Error("emitted")

	assert.NotContains(t, buf.String(), "not emitted")
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("\n")))
}
