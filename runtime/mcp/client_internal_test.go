package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/toolhost/config"
)

// TestCallToolRateLimitKeepsHalfOpenSlotFree pins the limiter-before-breaker
// ordering: a rate-limited call must not consume the half-open trial slot,
// or a single rejected call would wedge a recovering server until the next
// recorded outcome.
func TestCallToolRateLimitKeepsHalfOpenSlotFree(t *testing.T) {
	now := time.Now()
	breaker := NewCircuitBreaker(
		WithFailureThreshold(1),
		WithResetTimeout(30*time.Second),
		WithHalfOpenMaxCalls(1),
		withClock(func() time.Time { return now }),
	)

	clientSide, serverSide := PipeTransports()
	startFakeServer(t, serverSide, []ToolDescriptor{{Name: "echo", Description: "echoes"}})
	cfg := config.Server{Name: "srv", Command: "unused", TimeoutMS: 2000, RateLimit: 100}
	c := NewClient(cfg,
		WithBreaker(breaker),
		WithDialer(func(config.Server) (*Session, error) {
			return &Session{Transport: clientSide}, nil
		}),
	)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(context.Background())

	breaker.RecordFailure()
	require.Equal(t, StateOpen, breaker.State())
	now = now.Add(31 * time.Second) // reset timeout elapsed, one trial available

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.CallTool(canceled, "echo", json.RawMessage(`{"x":1}`))
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorContains(t, err, "rate limit")

	// The rejected call never reached the breaker, so the single trial
	// slot is still available and a real call can close the circuit.
	out, err := c.CallTool(context.Background(), "echo", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"x":1}`, string(out))
	require.Equal(t, StateClosed, breaker.State())
}
