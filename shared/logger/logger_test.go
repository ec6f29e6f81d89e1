package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newBufferLogger builds a logger that writes to a buffer instead of Output
func newBufferLogger(t *testing.T, level, format string) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, err := New(&Config{Level: level, Format: format, writer: &buf})
	require.NoError(t, err)
	return l, &buf
}

// entries decodes every JSON line written to buf
func entries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		out = append(out, entry)
	}
	return out
}

func TestNew_LevelFiltering(t *testing.T) {
	tests := []struct {
		level    string
		wantMsgs []string
	}{
		{"debug", []string{"Page read", "Checkpoint committed", "Job updated concurrently", "Export failed"}},
		{"info", []string{"Checkpoint committed", "Job updated concurrently", "Export failed"}},
		{"warn", []string{"Job updated concurrently", "Export failed"}},
		{"error", []string{"Export failed"}},
		{"", []string{"Checkpoint committed", "Job updated concurrently", "Export failed"}},
	}

	for _, tt := range tests {
		t.Run("level "+tt.level, func(t *testing.T) {
			l, buf := newBufferLogger(t, tt.level, "json")

			l.Debug("Page read")
			l.Info("Checkpoint committed")
			l.Warn("Job updated concurrently")
			l.Error("Export failed")

			var msgs []string
			for _, e := range entries(t, buf) {
				msgs = append(msgs, e["msg"].(string))
			}
			assert.Equal(t, tt.wantMsgs, msgs)
		})
	}
}

func TestNew_Formats(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		l, buf := newBufferLogger(t, "info", "json")
		l.Info("Export completed", slog.String("job_id", "job-1"), slog.Int64("records", 3))

		got := entries(t, buf)
		require.Len(t, got, 1)
		assert.Equal(t, "INFO", got[0]["level"])
		assert.Equal(t, "job-1", got[0]["job_id"])
		assert.Equal(t, float64(3), got[0]["records"])
		assert.Contains(t, got[0], "time")
	})

	t.Run("console", func(t *testing.T) {
		l, buf := newBufferLogger(t, "info", "console")
		l.Info("Export completed", slog.String("job_id", "job-1"))

		out := buf.String()
		assert.Contains(t, out, "Export completed")
		assert.Contains(t, out, "job_id=job-1")
		assert.NotContains(t, out, "\x1b[", "buffers are written without color")
	})

	t.Run("unknown format falls back to json", func(t *testing.T) {
		l, buf := newBufferLogger(t, "info", "xml")
		l.Info("Export completed")
		assert.Len(t, entries(t, buf), 1)
	})
}

func TestNew_RedactsSecrets(t *testing.T) {
	l, buf := newBufferLogger(t, "info", "json")

	l.Info("Destination resolved",
		slog.String("destination_type", "postgres"),
		slog.String("connection_string", "postgres://user:pw@db/exports"),
		slog.String("password", "pw"),
	)

	out := buf.String()
	assert.NotContains(t, out, "user:pw")
	assert.Contains(t, out, "postgres")

	got := entries(t, buf)[0]
	assert.Equal(t, "[REDACTED]", got["connection_string"])
	assert.Equal(t, "[REDACTED]", got["password"])
}

func TestNew_SourceLocation(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: "info", Format: "json", EnableSource: true, writer: &buf})
	require.NoError(t, err)

	l.Info("Worker started")
	assert.Contains(t, entries(t, &buf)[0], "source")
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "worker.log")

	l, err := New(&Config{Level: "info", Format: "console", Output: path})
	require.NoError(t, err)

	l.With(slog.String("job_id", "job-1")).Info("Export completed", slog.Int64("records", 5))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "Export completed", entry["msg"])
	assert.Equal(t, "job-1", entry["job_id"])
	assert.Equal(t, float64(5), entry["records"])
}

func TestNew_FileOutputUnwritable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	l, err := New(&Config{Output: filepath.Join(blocker, "app.log")})
	require.Error(t, err)
	assert.Nil(t, l)
}

func TestNew_StandardStreams(t *testing.T) {
	for _, output := range []string{"stdout", "stderr", ""} {
		l, err := New(&Config{Output: output})
		require.NoError(t, err, output)
		assert.NoError(t, l.Close())
	}
}

func TestNewDefault(t *testing.T) {
	l := NewDefault()
	require.NotNil(t, l.Logger)
	assert.NoError(t, l.Close())
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}

	for input, want := range tests {
		assert.Equal(t, want, parseLevel(input), input)
	}
}

func TestLogger_Derived(t *testing.T) {
	l, buf := newBufferLogger(t, "info", "json")

	l.WithGroup("export").Info("Page read", slog.Int64("page", 2))
	l.WithAttrs(slog.String("job_id", "job-1"), slog.String("resource_type", "Patient")).Info("Resuming export")
	l.With("worker_id", "w-1").Info("Job claimed")

	got := entries(t, buf)
	require.Len(t, got, 3)

	group, ok := got[0]["export"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), group["page"])

	assert.Equal(t, "job-1", got[1]["job_id"])
	assert.Equal(t, "Patient", got[1]["resource_type"])

	assert.Equal(t, "w-1", got[2]["worker_id"])
}
