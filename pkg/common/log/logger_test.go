package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := NewStandardLogger(
		WithOutput(&buf),
		WithLevel(LevelDebug),
	)

	logger.Debug("This is a debug message")
	assert.Contains(t, buf.String(), "DEBUG")
	assert.Contains(t, buf.String(), "This is a debug message")
	buf.Reset()

	logger.Info("This is an info message")
	assert.Contains(t, buf.String(), "INFO")
	assert.Contains(t, buf.String(), "This is an info message")
	buf.Reset()

	logger.Warn("This is a warning message")
	assert.Contains(t, buf.String(), "WARN")
	buf.Reset()

	logger.Error("This is an error message")
	assert.Contains(t, buf.String(), "ERROR")
	buf.Reset()

	withFields := logger.WithFields(map[string]interface{}{
		"component": "btree",
		"blkno":     123,
	})
	withFields.Info("Message with fields")
	output := buf.String()
	assert.Contains(t, output, "Message with fields")
	assert.Contains(t, output, "component=btree")
	assert.Contains(t, output, "blkno=123")
	buf.Reset()

	logger.WithField("slot", 1).Info("Message with a field")
	assert.Contains(t, buf.String(), "slot=1")
	buf.Reset()

	logger.SetLevel(LevelError)
	logger.Debug("This debug message should not appear")
	logger.Info("This info message should not appear")
	logger.Warn("This warning message should not appear")
	logger.Error("This error message should appear")
	output = buf.String()
	assert.NotContains(t, output, "should not appear")
	assert.Contains(t, output, "should appear")
}

func TestLoggerFormatting(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf))

	logger.Info("committed seq %d with %d blocks", 7, 42)
	assert.Contains(t, buf.String(), "committed seq 7 with 42 blocks")
}

func TestInitialFieldsAreInherited(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(
		WithOutput(&buf),
		WithInitialFields(map[string]interface{}{"device": "img"}),
	)

	logger.WithField("seq", 3).Info("mounted")
	assert.Contains(t, buf.String(), "device=img")
	assert.Contains(t, buf.String(), "seq=3")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "FATAL", LevelFatal.String())
	assert.Equal(t, "LEVEL(99)", Level(99).String())
}
