package eventloop

import (
	"testing"
	"time"
)

func TestErrorLimiterZeroWindowAlwaysAllows(t *testing.T) {
	l := newErrorLimiter(0, 0)
	for i := 0; i < 5; i++ {
		allowed, suppressed := l.allow("select:EBADF")
		if !allowed {
			t.Fatalf("iteration %d: expected pass-through limiter to always allow", i)
		}
		if suppressed != 0 {
			t.Fatalf("iteration %d: expected no suppression count, got %d", i, suppressed)
		}
	}
}

func TestErrorLimiterSuppressesBeyondBurst(t *testing.T) {
	l := newErrorLimiter(time.Minute, 2)

	allowed1, _ := l.allow("select:EBADF")
	allowed2, _ := l.allow("select:EBADF")
	if !allowed1 || !allowed2 {
		t.Fatal("expected the first burst of notifications to be allowed")
	}

	allowed3, suppressed3 := l.allow("select:EBADF")
	if allowed3 {
		t.Fatal("expected the notification beyond burst to be suppressed")
	}
	if suppressed3 != 0 {
		t.Fatalf("expected suppressed count to only be reported once allowed again, got %d", suppressed3)
	}

	allowed4, suppressed4 := l.allow("select:EBADF")
	if allowed4 {
		t.Fatal("expected a second notification beyond burst to also be suppressed")
	}
	if suppressed4 != 0 {
		t.Fatalf("expected suppressed count to stay pending, got %d", suppressed4)
	}
}

func TestErrorLimiterCategoriesAreIndependent(t *testing.T) {
	l := newErrorLimiter(time.Minute, 1)

	allowedA, _ := l.allow("category-a")
	allowedB, _ := l.allow("category-b")
	if !allowedA || !allowedB {
		t.Fatal("expected distinct categories to have independent budgets")
	}

	allowedA2, _ := l.allow("category-a")
	if allowedA2 {
		t.Fatal("expected category-a to now be rate limited")
	}
	allowedB2, _ := l.allow("category-b")
	if allowedB2 {
		t.Fatal("expected category-b to now be rate limited")
	}
}
