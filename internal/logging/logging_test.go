package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		format     string
		level      string
		logAt      slog.Level
		wantOutput bool
		wantJSON   bool
	}{
		{name: "text info", format: "text", level: "info", logAt: slog.LevelInfo, wantOutput: true},
		{name: "json info", format: "json", level: "info", logAt: slog.LevelInfo, wantOutput: true, wantJSON: true},
		{name: "debug logs debug", format: "text", level: "debug", logAt: slog.LevelDebug, wantOutput: true},
		{name: "info filters debug", format: "text", level: "info", logAt: slog.LevelDebug},
		{name: "warn filters info", format: "text", level: "warn", logAt: slog.LevelInfo},
		{name: "unknown format is text", format: "banana", level: "info", logAt: slog.LevelInfo, wantOutput: true},
		{name: "unknown level is info", format: "text", level: "banana", logAt: slog.LevelDebug},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			New(tt.format, tt.level, &buf).Log(context.Background(), tt.logAt, "download file", "path", "/a")

			out := strings.TrimSpace(buf.String())
			assert.Equal(t, tt.wantOutput, out != "", "output: %q", out)
			if tt.wantJSON {
				var m map[string]any
				require.NoError(t, json.Unmarshal([]byte(out), &m))
				assert.Equal(t, "/a", m["path"])
			}
		})
	}
}

func TestNilWriterAndNop(t *testing.T) {
	assert.NotNil(t, New("text", "info", nil))
	Nop().Error("dropped")
}
