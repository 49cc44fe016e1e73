package lease

import (
	"testing"
	"time"
)

func TestExpiredAtBoundary(t *testing.T) {
	now := time.Now()
	l := Lease{ExpiresAt: now}
	if !l.Expired(now) {
		t.Error("expected a lease expiring exactly now to be treated as expired")
	}
}

func TestExpiredBeforeBoundary(t *testing.T) {
	now := time.Now()
	l := Lease{ExpiresAt: now.Add(time.Second)}
	if l.Expired(now) {
		t.Error("expected a lease with a future expiry to not be expired")
	}
}

func TestMaxExpiry(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := Lease{CreatedAt: created}
	want := created.Add(900 * time.Second)
	if got := l.MaxExpiry(900); !got.Equal(want) {
		t.Errorf("MaxExpiry = %v, want %v", got, want)
	}
}
