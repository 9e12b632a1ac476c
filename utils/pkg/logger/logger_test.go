package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAirdrop_Logger_FormatRFC3339Millis(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 9, 17, 4, 5, 123_456_789, time.FixedZone("X", 3600))
	require.Equal(t, "2024-03-09T16:04:05.123Z", formatRFC3339Millis(ts))
}

func TestAirdrop_Logger_NewWithWriter(t *testing.T) {
	t.Parallel()

	t.Run("drops empty string attributes", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := NewWithWriter(&buf, false, true)
		log.Info("distributor: batch confirmed", "signature", "abc", "cluster", "")
		out := buf.String()
		require.Contains(t, out, "distributor: batch confirmed")
		require.Contains(t, out, "signature=abc")
		require.NotContains(t, out, "cluster=")
	})

	t.Run("debug only when verbose", func(t *testing.T) {
		t.Parallel()
		var quiet, verbose bytes.Buffer
		NewWithWriter(&quiet, false, true).Debug("hidden")
		NewWithWriter(&verbose, true, true).Debug("shown")
		require.Empty(t, quiet.String())
		require.Contains(t, verbose.String(), "shown")
	})
}
