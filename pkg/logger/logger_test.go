package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithContext_AddsRequestAndService(t *testing.T) {
	var buf bytes.Buffer
	prev := Default()
	SetDefault(New(&buf, "info"))
	t.Cleanup(func() { SetDefault(prev) })

	ctx := context.WithValue(context.Background(), RequestIDKey, "req-1")
	ctx = context.WithValue(ctx, ServiceKey, "depot")
	InfoContext(ctx, "hello", "k", "v")

	out := buf.String()
	assert.Contains(t, out, `"request_id":"req-1"`)
	assert.Contains(t, out, `"service":"depot"`)
	assert.Contains(t, out, `"k":"v"`)
}

func TestNew_DebugLevel(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info").Debug("hidden")
	assert.Empty(t, buf.String())

	New(&buf, "debug").Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestTicketRef(t *testing.T) {
	ref := TicketRef("secret-ticket")
	require.Len(t, ref, 12)
	assert.Equal(t, ref, TicketRef("secret-ticket"))
	assert.NotEqual(t, ref, TicketRef("other-ticket"))
	assert.False(t, strings.Contains(ref, "secret"))
}
