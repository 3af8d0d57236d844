package ratelimit

import (
	"errors"
	"testing"
)

func TestBurstExhaustion(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("caller-a"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if err := l.Allow("caller-a"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("4th call: err = %v, want ErrRateLimited", err)
	}
}

func TestCallersAreIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("a"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("a should be limited: %v", err)
	}
	if err := l.Allow("b"); err != nil {
		t.Errorf("b must have its own bucket: %v", err)
	}
}

func TestUnlimitedMode(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("anyone"); err != nil {
			t.Fatalf("unlimited limiter rejected call %d: %v", i, err)
		}
	}
}

func TestNilLimiterAllows(t *testing.T) {
	var l *Limiter
	if err := l.Allow("x"); err != nil {
		t.Errorf("nil limiter: %v", err)
	}
}
