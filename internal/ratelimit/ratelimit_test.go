package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTokenBucket(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	bucket := newTokenBucket(2, 5, clock.now) // 2 tokens per second, capacity of 5

	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected initial request %d to be allowed", i)
		}
	}
	if bucket.Allow() {
		t.Error("Expected request to be denied when bucket is empty")
	}

	clock.advance(1100 * time.Millisecond)

	if !bucket.Allow() {
		t.Error("Expected request to be allowed after token refill")
	}
	if !bucket.Allow() {
		t.Error("Expected second request to be allowed after token refill")
	}
	if bucket.Allow() {
		t.Error("Expected third request to be denied")
	}
}

func TestTokenBucketCapacityCap(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	bucket := newTokenBucket(100, 3, clock.now)
	clock.advance(time.Minute)
	for i := 0; i < 3; i++ {
		if !bucket.Allow() {
			t.Fatalf("Expected request %d to be allowed", i)
		}
	}
	if bucket.Allow() {
		t.Error("Expected refill to be capped at capacity")
	}
}

func TestConnLimiterPerHost(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	cl := newConnLimiter(0, 2, 3, clock.now)

	host := "10.0.0.1"
	for i := 0; i < 3; i++ {
		if !cl.AllowConnection(host) {
			t.Errorf("Expected connection %d to be allowed for %s", i, host)
		}
	}
	if cl.AllowConnection(host) {
		t.Error("Expected connection to be denied due to per-host limit")
	}
	if !cl.AllowConnection("10.0.0.2") {
		t.Error("Expected connection to be allowed for different host")
	}
}

func TestConnLimiterGlobal(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	cl := newConnLimiter(2, 0, 2, clock.now)

	if !cl.AllowConnection("a") {
		t.Error("Expected first global connection to be allowed")
	}
	if !cl.AllowConnection("b") {
		t.Error("Expected second global connection to be allowed")
	}
	if cl.AllowConnection("c") {
		t.Error("Expected connection to be denied due to global limit")
	}
}

func TestConnLimiterPrune(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	cl := newConnLimiter(0, 1, 1, clock.now)

	cl.AllowConnection("old")
	clock.advance(10 * time.Minute)
	cl.AllowConnection("fresh")

	if n := cl.Hosts(); n != 2 {
		t.Fatalf("Expected 2 hosts, got %d", n)
	}
	if removed := cl.Prune(5 * time.Minute); removed != 1 {
		t.Errorf("Expected 1 host pruned, got %d", removed)
	}
	if _, ok := cl.perHost["fresh"]; !ok {
		t.Error("Expected fresh host to remain")
	}
	if _, ok := cl.perHost["old"]; ok {
		t.Error("Expected old host to be pruned")
	}
}

func TestConnLimiterDisabled(t *testing.T) {
	cl := NewConnLimiter(0, 0, 5)
	if cl.Enabled() {
		t.Error("Expected limiter to report disabled")
	}
	for i := 0; i < 100; i++ {
		if !cl.AllowConnection("h") {
			t.Fatalf("Expected connection %d to be allowed when limits disabled", i)
		}
	}
	var nilLimiter *ConnLimiter
	if nilLimiter.Enabled() {
		t.Error("nil limiter must be disabled")
	}
}
