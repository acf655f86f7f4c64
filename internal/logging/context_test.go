package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", InstanceID(ctx))
	assert.Equal(t, "", StepID(ctx))
	assert.Equal(t, "", DefinitionID(ctx))

	ctx = WithInstanceID(ctx, "inst-123")
	ctx = WithStepID(ctx, "s1")
	ctx = WithDefinitionID(ctx, "echo")

	assert.Equal(t, "inst-123", InstanceID(ctx))
	assert.Equal(t, "s1", StepID(ctx))
	assert.Equal(t, "echo", DefinitionID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithInstanceID(context.Background(), "inst-abc")
	ctx = WithStepID(ctx, "approve")

	LogWith(ctx, logger).Info("step finished")

	out := buf.String()
	assert.Contains(t, out, "instance_id=inst-abc")
	assert.Contains(t, out, "step_id=approve")
	assert.NotContains(t, out, "definition_id")
	assert.Contains(t, out, "step finished")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithDefinitionID(context.Background(), "orders")
	ctx = WithInstanceID(ctx, "inst-9")
	logger.InfoContext(ctx, "started", "attempt", 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "orders", rec["definition_id"])
	assert.Equal(t, "inst-9", rec["instance_id"])
	assert.Equal(t, float64(1), rec["attempt"])
	_, hasStep := rec["step_id"]
	assert.False(t, hasStep)
}

func TestCorrelationHandler_WithAttrsKeepsInjection(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil))).With("component", "engine")

	logger.InfoContext(WithStepID(context.Background(), "s2"), "retry")

	out := buf.String()
	assert.Contains(t, out, "component=engine")
	assert.Contains(t, out, "step_id=s2")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestNew_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn")

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
