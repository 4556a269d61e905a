package notify

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerForwardsToRequestCollector(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	ctx, c := WithCollector(context.Background())
	n.Notify(ctx, Success("Vehicle created"))
	n.Notify(ctx, Error("Could not load customers"))

	assert.Equal(t, []Notice{Success("Vehicle created"), Error("Could not load customers")}, c.Drain())
	assert.Empty(t, c.Drain())
	assert.Contains(t, buf.String(), "Could not load customers")
}

func TestLoggerWithoutCollector(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	n.Notify(context.Background(), Success("ok"))
	assert.Nil(t, CollectorFromContext(context.Background()))
	assert.Contains(t, buf.String(), "ok")
}
