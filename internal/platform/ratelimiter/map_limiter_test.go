package ratelimiter

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *MapLimiter
	if !l.Allow("k", time.Now()) {
		t.Fatal("nil limiter must allow")
	}
	if err := l.Wait(context.Background(), "k"); err != nil {
		t.Fatalf("nil limiter must not block: %v", err)
	}
	if New(0, 1, 0) != nil || New(1, 0, 0) != nil {
		t.Fatal("invalid arguments must produce a nil limiter")
	}
}

func TestAllowIsPerKey(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Now()
	if !l.Allow("read_thread", now) {
		t.Fatal("first token must be available")
	}
	if l.Allow("read_thread", now) {
		t.Fatal("burst of one must be exhausted")
	}
	if !l.Allow("list_friends", now) {
		t.Fatal("other keys must have their own bucket")
	}
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	l := New(0.001, 1, time.Minute)
	if err := l.Wait(context.Background(), "k"); err != nil {
		t.Fatalf("first wait must succeed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "k"); err == nil {
		t.Fatal("second wait must fail once the deadline cannot be met")
	} else if errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected cancellation error: %v", err)
	}
}
