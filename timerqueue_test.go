package eventloop

import (
	"testing"
	"time"
)

func TestTimerQueueOrdersByExpirationThenSequence(t *testing.T) {
	q := newTimerQueue()
	base := time.Now()

	a := &record{id: "a", kind: kindTimer, expiration: base.Add(10 * time.Millisecond), heapIndex: -1}
	b := &record{id: "b", kind: kindTimer, expiration: base.Add(5 * time.Millisecond), heapIndex: -1}
	c := &record{id: "c", kind: kindTimer, expiration: base.Add(5 * time.Millisecond), heapIndex: -1}

	q.insert(a)
	q.insert(b)
	q.insert(c)

	// b and c share an expiration; b was inserted first so it must win the tie.
	first := q.extract(base.Add(20 * time.Millisecond))
	if first != b {
		t.Fatalf("expected b first, got %v", first.id)
	}
	second := q.extract(base.Add(20 * time.Millisecond))
	if second != c {
		t.Fatalf("expected c second, got %v", second.id)
	}
	third := q.extract(base.Add(20 * time.Millisecond))
	if third != a {
		t.Fatalf("expected a third, got %v", third.id)
	}
}

func TestTimerQueueExtractOnlyWhenDue(t *testing.T) {
	q := newTimerQueue()
	base := time.Now()
	r := &record{id: "r", kind: kindTimer, expiration: base.Add(time.Second), heapIndex: -1}
	q.insert(r)

	if got := q.extract(base); got != nil {
		t.Fatalf("expected nil, timer not yet due, got %v", got)
	}
	if got := q.extract(base.Add(time.Second)); got != r {
		t.Fatalf("expected r once due, got %v", got)
	}
	if got := q.extract(base.Add(time.Second)); got != nil {
		t.Fatalf("expected nil after extraction, got %v", got)
	}
}

func TestTimerQueueRemoveIsSafeOnUninsertedAndDoubleRemove(t *testing.T) {
	q := newTimerQueue()
	r := &record{id: "r", kind: kindTimer, heapIndex: -1}

	// never inserted: must be a no-op, not a panic.
	q.remove(r)

	q.insert(r)
	q.remove(r)
	if q.Len() != 0 {
		t.Fatalf("expected queue empty after remove, got len=%d", q.Len())
	}
	// double-remove after the first must also be a no-op.
	q.remove(r)
}

func TestTimerQueueRemoveArbitraryElement(t *testing.T) {
	q := newTimerQueue()
	base := time.Now()
	a := &record{id: "a", kind: kindTimer, expiration: base.Add(1 * time.Millisecond), heapIndex: -1}
	b := &record{id: "b", kind: kindTimer, expiration: base.Add(2 * time.Millisecond), heapIndex: -1}
	c := &record{id: "c", kind: kindTimer, expiration: base.Add(3 * time.Millisecond), heapIndex: -1}
	q.insert(a)
	q.insert(b)
	q.insert(c)

	q.remove(b)

	if q.Len() != 2 {
		t.Fatalf("expected len 2, got %d", q.Len())
	}
	if got := q.extract(base.Add(10 * time.Millisecond)); got != a {
		t.Fatalf("expected a, got %v", got)
	}
	if got := q.extract(base.Add(10 * time.Millisecond)); got != c {
		t.Fatalf("expected c, got %v", got)
	}
}

func TestTimerQueuePeek(t *testing.T) {
	q := newTimerQueue()
	if _, ok := q.peek(); ok {
		t.Fatal("expected empty queue to report not-ok")
	}
	base := time.Now()
	r := &record{id: "r", kind: kindTimer, expiration: base.Add(time.Minute), heapIndex: -1}
	q.insert(r)
	when, ok := q.peek()
	if !ok || !when.Equal(r.expiration) {
		t.Fatalf("expected peek to return %v, got %v (ok=%v)", r.expiration, when, ok)
	}
}
