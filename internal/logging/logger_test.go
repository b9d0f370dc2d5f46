package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/vrouter/internal/errors"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf, JSON: true})
	require.NotNil(t, logger)

	t.Run("Levels", func(t *testing.T) {
		for _, fn := range []func(string, ...any){logger.Debug, logger.Info, logger.Warn, logger.Error} {
			buf.Reset()
			fn("hello")
			assert.Contains(t, buf.String(), "hello")
		}
	})

	t.Run("DynamicLevel", func(t *testing.T) {
		logger.SetLevel(LevelError)
		assert.Equal(t, LevelError, logger.GetLevel())

		buf.Reset()
		logger.Info("should not appear")
		assert.Zero(t, buf.Len())

		logger.SetLevel(LevelDebug)
	})

	t.Run("WithComponent", func(t *testing.T) {
		buf.Reset()
		logger.WithComponent("firewall").Info("msg", "chain", "INPUT")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "firewall", entry["component"])
		assert.Equal(t, "INPUT", entry["chain"])
	})
}

func TestConsoleHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf})

	logger.WithComponent("HA").With("state", "MASTER").Info("transition done", "reason", "notify hook")

	line := buf.String()
	assert.Contains(t, line, "[info] ha: transition done")
	assert.Contains(t, line, "state=MASTER")
	assert.Contains(t, line, `reason="notify hook"`)
	assert.False(t, strings.Contains(line, "component="))
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"":        LevelInfo,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Error("nothing")
	assert.Greater(t, int(l.GetLevel()), int(LevelError))
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf, JSON: true})

	err := errors.New(errors.KindCommandFailed, "command failed")
	err = errors.Attr(err, "cmd", "iptables -t filter -N FW_IN")
	err = errors.Attr(err, "exit_status", 1)

	logger.WithError(err).Warn("chain creation failed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "command failed", entry["error"])
	assert.Equal(t, "command_failed", entry["kind"])
	assert.Equal(t, "iptables -t filter -N FW_IN", entry["cmd"])
	assert.Equal(t, float64(1), entry["exit_status"])
}

func TestErrorAttrs_PlainError(t *testing.T) {
	args := ErrorAttrs(errors.Join(assert.AnError))
	assert.Len(t, args, 2)
	assert.Equal(t, "error", args[0])
}
