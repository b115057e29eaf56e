package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZerologAdapter_Fields(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologAdapterWithLogger(zerolog.New(&buf))

	l.Info("flushed",
		String("room", "r1"),
		Int("delivered", 3),
		Bool("skipped", false),
		Duration("took", 2*time.Second),
		Strings("ids", []string{"a", "b"}),
		Err(errors.New("boom")),
	)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "flushed", entry["message"])
	assert.Equal(t, "r1", entry["room"])
	assert.EqualValues(t, 3, entry["delivered"])
	assert.Equal(t, false, entry["skipped"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, []any{"a", "b"}, entry["ids"])
}

func TestZerologAdapter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologAdapterWithLogger(zerolog.New(&buf).Level(zerolog.WarnLevel))

	l.Debug("hidden")
	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestZerologAdapter_With(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologAdapterWithLogger(zerolog.New(&buf)).With(String("tab", "t1"))

	l.Error("failed")
	assert.Contains(t, buf.String(), `"tab":"t1"`)
}

func TestNoopLogger(t *testing.T) {
	var l Logger = NewNoopLogger()
	assert.NotPanics(t, func() {
		l.Debug("x", Int("n", 1))
		l.Error("x", Err(errors.New("e")))
	})
}
