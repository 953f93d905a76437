package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		input    string
		expected Level
		ok       bool
	}{
		{"debug", Debug, true},
		{"INFO", Info, true},
		{"Warn", Warn, true},
		{"error", Error, true},
		{"verbose", Error, false},
		{"", Error, false},
	}

	for _, tc := range cases {
		level, ok := ParseLevel(tc.input)
		require.Equal(t, tc.expected, level, tc.input)
		require.Equal(t, tc.ok, ok, tc.input)
	}
}

func TestLevelEnables(t *testing.T) {
	require.True(t, Debug.Enables(Error))
	require.True(t, Info.Enables(Info))
	require.False(t, Info.Enables(Debug))
	require.False(t, Error.Enables(Warn))
}

func TestConsoleLoggerFiltersByLevel(t *testing.T) {
	var out bytes.Buffer
	logger := NewConsoleLogger(Warn, &out)

	logger.Debug("hidden: n=%d", 1)
	logger.Info("hidden: n=%d", 2)
	logger.Warn("shown: n=%d", 3)
	logger.Error("shown: n=%d", 4)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "WARN\tshown: n=3")
	require.Contains(t, lines[1], "ERROR\tshown: n=4")
	require.Equal(t, Warn, logger.Level())
}
