package transport

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// ReconnectPolicy describes the exponential backoff used when a transport's
// connection drops unexpectedly and must be re-established. Full jitter is
// used so that many endpoints failing at once don't retry in lockstep.
type ReconnectPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultReconnectPolicy matches the spec's reconnect parameters: start at
// 500ms, cap at 30s.
var DefaultReconnectPolicy = ReconnectPolicy{
	Initial: 500 * time.Millisecond,
	Max:     30 * time.Second,
}

// backoff returns the full-jitter delay before reconnect attempt n (n
// starts at 1 for the first retry after an initial failure).
func (p ReconnectPolicy) backoff(n int) time.Duration {
	if p.Initial <= 0 {
		p.Initial = DefaultReconnectPolicy.Initial
	}
	if p.Max <= 0 {
		p.Max = DefaultReconnectPolicy.Max
	}

	capped := float64(p.Initial) * math.Pow(2, float64(n-1))
	if capped > float64(p.Max) {
		capped = float64(p.Max)
	}
	return time.Duration(rand.Float64() * capped)
}

// Reconnecting wraps a Connect call with an unbounded reconnect loop driven
// by ReconnectPolicy, retrying until ctx is canceled or a connection
// succeeds. It's used for sse transports, which the spec requires to
// recover from dropped server-push streams without operator intervention.
func Reconnecting(ctx context.Context, policy ReconnectPolicy, connect func(context.Context) (*Transport, error)) (*Transport, error) {
	attempt := 0
	for {
		t, err := connect(ctx)
		if err == nil {
			return t, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		attempt++
		delay := policy.backoff(attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}
