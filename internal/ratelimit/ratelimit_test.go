package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAcquireReleaseRoundTrips(t *testing.T) {
	l := New(Config{PerHost: HostConfig{RatePerSecond: 100, Burst: 5}, GlobalMaxInFlight: 2})
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "example.com", 1)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lease.Release()
	lease.Release() // idempotent
}

func TestGlobalSemaphoreBoundsConcurrency(t *testing.T) {
	l := New(Config{PerHost: HostConfig{RatePerSecond: 1000, Burst: 1000}, GlobalMaxInFlight: 1})
	ctx := context.Background()

	lease1, err := l.Acquire(ctx, "a.com", 1)
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}

	blocked := make(chan error, 1)
	go func() {
		ctx2, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := l.Acquire(ctx2, "b.com", 1)
		blocked <- err
	}()

	err = <-blocked
	if err == nil {
		t.Error("expected second acquire to block on global semaphore and time out")
	}
	lease1.Release()
}

func TestEvictIdleRemovesUnusedBuckets(t *testing.T) {
	l := New(Config{PerHost: HostConfig{RatePerSecond: 10, Burst: 10}, IdleEvictAfter: time.Millisecond})
	ctx := context.Background()
	lease, err := l.Acquire(ctx, "idle.com", 1)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lease.Release()

	time.Sleep(5 * time.Millisecond)
	if n := l.EvictIdle(time.Now()); n != 1 {
		t.Errorf("EvictIdle = %d, want 1", n)
	}
	if l.HostCount() != 0 {
		t.Errorf("HostCount = %d, want 0", l.HostCount())
	}
}
