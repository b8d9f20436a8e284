package alert

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiDeliversToEverySink(t *testing.T) {
	var buf bytes.Buffer
	rec := &Recorder{}
	sink := Multi{rec, LogSink{Logger: slog.New(slog.NewTextHandler(&buf, nil))}}

	sink.Emit(context.Background(), Alert{
		Severity: SeverityCritical,
		Title:    "cross-account duplicate",
		Fields:   map[string]string{"existing_file_id": "df-1"},
		At:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	got := rec.Alerts()
	require.Len(t, got, 1)
	assert.Equal(t, "df-1", got[0].Fields["existing_file_id"])
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "alert=critical")
	assert.Contains(t, buf.String(), "existing_file_id=df-1")
}
