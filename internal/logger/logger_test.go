package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{DebugLevel, "DEBUG"},
		{InfoLevel, "INFO"},
		{WarnLevel, "WARN"},
		{ErrorLevel, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.level.String())
		})
	}
}

func TestJSONLogger(t *testing.T) {
	t.Run("LevelFiltering", func(t *testing.T) {
		var buf bytes.Buffer
		l := New(&buf, WarnLevel)

		l.Debug("debug message")
		l.Info("info message")
		assert.Empty(t, buf.String())

		l.Warn("warn message")
		assert.NotEmpty(t, buf.String())
	})

	t.Run("FieldsAreMerged", func(t *testing.T) {
		var buf bytes.Buffer
		l := New(&buf, DebugLevel)

		l.Info("hello", String("extension", "buffer"), Int("attempt", 3))

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "hello", entry["msg"])
		assert.Equal(t, "buffer", entry["extension"])
		assert.Equal(t, float64(3), entry["attempt"])
	})

	t.Run("WithFieldsIsImmutable", func(t *testing.T) {
		var buf bytes.Buffer
		base := New(&buf, DebugLevel)
		child := base.WithFields(String("session", "abc"))

		child.Info("from child")
		base.Info("from base")

		lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
		require.Len(t, lines, 2)

		var childEntry, baseEntry map[string]interface{}
		require.NoError(t, json.Unmarshal(lines[0], &childEntry))
		require.NoError(t, json.Unmarshal(lines[1], &baseEntry))

		assert.Equal(t, "abc", childEntry["session"])
		_, present := baseEntry["session"]
		assert.False(t, present, "base logger must not inherit child fields")
	})

	t.Run("ErrFieldHandlesNil", func(t *testing.T) {
		f := Err(nil)
		assert.Nil(t, f.Value)

		f = Err(errors.New("boom"))
		assert.Equal(t, "boom", f.Value)
	})
}

func TestNopLogger(t *testing.T) {
	var n Nop
	n.Debug("x")
	n.Info("x")
	n.Warn("x")
	n.Error("x")
	assert.Equal(t, ErrorLevel, n.GetLevel())
	assert.NotNil(t, n.WithFields(String("a", "b")))
}
