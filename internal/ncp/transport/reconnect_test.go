package transport

import (
	"testing"
	"time"
)

func TestReconnectPolicy_BackoffCapsAtMax(t *testing.T) {
	p := ReconnectPolicy{Initial: 500 * time.Millisecond, Max: 30 * time.Second}

	for n := 1; n <= 20; n++ {
		d := p.backoff(n)
		if d < 0 || d > p.Max {
			t.Fatalf("backoff(%d) = %v out of bounds [0, %v]", n, d, p.Max)
		}
	}
}

func TestReconnectPolicy_GrowsWithAttempt(t *testing.T) {
	p := ReconnectPolicy{Initial: 500 * time.Millisecond, Max: 30 * time.Second}

	// Full jitter means individual samples are noisy: attempt 1 draws from
	// [0, Initial) and attempt 4 from [0, 8*Initial), so over many draws
	// attempt 4 exceeds Initial while attempt 1 never reaches it.
	var maxSmall, maxLarge time.Duration
	for i := 0; i < 200; i++ {
		if d := p.backoff(1); d > maxSmall {
			maxSmall = d
		}
		if d := p.backoff(4); d > maxLarge {
			maxLarge = d
		}
	}
	if maxSmall >= p.Initial {
		t.Fatalf("backoff(1) reached %v, want below %v", maxSmall, p.Initial)
	}
	if maxLarge <= p.Initial {
		t.Fatalf("backoff(4) never exceeded %v in 200 draws; ceiling did not grow", p.Initial)
	}
}

func TestReconnectPolicy_DefaultsApplyWhenZero(t *testing.T) {
	p := ReconnectPolicy{}
	d := p.backoff(1)
	if d < 0 || d > DefaultReconnectPolicy.Max {
		t.Fatalf("zero-value policy should fall back to defaults, got %v", d)
	}
}
