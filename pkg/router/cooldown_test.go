package router

import "testing"

func TestCooldownPackRoundTrip(t *testing.T) {
	var c cooldownCell
	until, streak := c.Load()
	if until != 0 || streak != 0 {
		t.Fatalf("expected zero cell, got until=%d streak=%d", until, streak)
	}
	c.v.Store(packCooldown(1_700_000_000_123, 7))
	until, streak = c.Load()
	if until != 1_700_000_000_123 {
		t.Fatalf("until mismatch: %d", until)
	}
	if streak != 7 {
		t.Fatalf("streak mismatch: %d", streak)
	}
}

func TestCooldownBackoffMonotonicity(t *testing.T) {
	var c cooldownCell
	const (
		now    = int64(1_000_000)
		base   = int64(30_000)
		maxPow = uint(6)
	)
	want := []int64{
		30_000, 60_000, 120_000, 240_000, 480_000, 960_000, 1_920_000,
		// capped at 2^6 from here on
		1_920_000, 1_920_000,
	}
	for i, w := range want {
		until := c.Fail(now, base, maxPow)
		if got := until - now; got != w {
			t.Fatalf("failure %d: cooldown duration = %d, want %d", i+1, got, w)
		}
	}
	_, streak := c.Load()
	if streak != uint32(len(want)) {
		t.Fatalf("streak = %d, want %d", streak, len(want))
	}
}

func TestCooldownResetClearsStreak(t *testing.T) {
	var c cooldownCell
	c.Fail(1000, 5000, 6)
	c.Fail(1000, 5000, 6)
	c.Reset()
	if until, streak := c.Load(); until != 0 || streak != 0 {
		t.Fatalf("reset left until=%d streak=%d", until, streak)
	}
	// next failure starts the ladder over
	if got := c.Fail(1000, 5000, 6) - 1000; got != 5000 {
		t.Fatalf("post-reset duration = %d, want 5000", got)
	}
}

func TestCooldownAvailability(t *testing.T) {
	var c cooldownCell
	if !c.Available(0) {
		t.Fatal("fresh cell should be available")
	}
	until := c.Fail(1000, 2000, 6)
	if c.Available(until - 1) {
		t.Fatal("should be unavailable before deadline")
	}
	if !c.Available(until) {
		t.Fatal("should be available at deadline")
	}
}
