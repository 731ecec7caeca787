package jobqueue

import (
	"testing"
	"time"
)

func TestScoreOrdersPriorityAboveArrival(t *testing.T) {
	now := time.Now()
	low := score(PriorityLow, now)
	normal := score(PriorityNormal, now)
	high := score(PriorityHigh, now.Add(time.Hour))

	if !(high < normal && normal < low) {
		t.Errorf("expected high < normal < low (Dequeue pops the lowest score) regardless of arrival time, got low=%v normal=%v high=%v", low, normal, high)
	}
}

func TestScoreOrdersFIFOWithinPriority(t *testing.T) {
	t1 := time.Now()
	t2 := t1.Add(time.Second)

	if score(PriorityNormal, t1) >= score(PriorityNormal, t2) {
		t.Error("expected earlier arrival to sort before later arrival within the same priority")
	}
}

func TestBackoffRespectsCapAndGrows(t *testing.T) {
	cfg := DefaultConfig()
	d1 := backoff(cfg, 1)
	d5 := backoff(cfg, 5)
	d20 := backoff(cfg, 20)

	if d1 <= 0 {
		t.Fatal("expected positive backoff")
	}
	if d5 <= d1 {
		t.Errorf("expected backoff to grow with attempt: d1=%v d5=%v", d1, d5)
	}
	if d20 > cfg.RetryCap+cfg.RetryCap/4 {
		t.Errorf("expected backoff to respect the cap, got %v for cap %v", d20, cfg.RetryCap)
	}
}
