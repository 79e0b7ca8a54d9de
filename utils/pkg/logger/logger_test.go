package logger

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMatrix_Logger_FormatRFC3339Millis(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 3, 4, 5, 6, 7, 89_000_000, time.FixedZone("x", 3600))
	require.Equal(t, "2025-03-04T04:06:07.089Z", formatRFC3339Millis(ts))
}

func TestMatrix_Logger_DropsEmptyStrings(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := New(Config{Writer: &buf, NoColor: true})
	log.Info("engine: registered", "sponsor", "", "amount", 5)
	out := buf.String()
	require.Contains(t, out, "amount=5")
	require.NotContains(t, out, "sponsor")
}

func TestMatrix_Logger_Level(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	New(Config{Writer: &buf, NoColor: true}).Debug("hidden")
	require.Empty(t, buf.String())

	New(Config{Writer: &buf, NoColor: true, Verbose: true}).Debug("shown")
	require.Contains(t, buf.String(), "shown")

	require.Equal(t, slog.Attr{}, replaceAttr(nil, slog.String("k", "")))
}
