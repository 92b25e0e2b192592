package logging

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToBurstThenBlocks(t *testing.T) {
	now := time.Unix(0, 0)
	rl := NewRateLimiter(1, 3, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		if !rl.Allow("peer-a") {
			t.Fatalf("expected token %d to be allowed", i)
		}
	}
	if rl.Allow("peer-a") {
		t.Fatal("expected burst to be exhausted")
	}
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	now := time.Unix(0, 0)
	rl := NewRateLimiter(1, 1, func() time.Time { return now })

	if !rl.Allow("peer-a") {
		t.Fatal("expected first token allowed")
	}
	if rl.Allow("peer-a") {
		t.Fatal("expected bucket exhausted immediately after")
	}

	now = now.Add(2 * time.Second)
	if !rl.Allow("peer-a") {
		t.Fatal("expected refill after 2s at 1 token/sec")
	}
}

func TestRateLimiterTracksPeersIndependently(t *testing.T) {
	now := time.Unix(0, 0)
	rl := NewRateLimiter(1, 1, func() time.Time { return now })

	if !rl.Allow("peer-a") {
		t.Fatal("expected peer-a allowed")
	}
	if !rl.Allow("peer-b") {
		t.Fatal("expected peer-b allowed independently of peer-a's bucket")
	}
}
