package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		level   string
		wantErr bool
	}{
		{name: "defaults", format: "", level: ""},
		{name: "text_debug", format: "text", level: "debug"},
		{name: "bad_level", format: "json", level: "LOUD", wantErr: true},
		{name: "bad_format", format: "xml", level: "INFO", wantErr: true},
	}

	prev := slog.Default()
	defer slog.SetDefault(prev)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LOG_FORMAT", tt.format)
			t.Setenv("LOG_LEVEL", tt.level)
			err := Init()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFromContext_Attributes(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = With(ctx, "user_id", "alice")
	ctx = With(ctx, "collection_id", "c-1")
	Info(ctx, "hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "alice", entry["user_id"])
	assert.Equal(t, "c-1", entry["collection_id"])
	assert.Equal(t, "req-1", GetRequestID(ctx))
}
