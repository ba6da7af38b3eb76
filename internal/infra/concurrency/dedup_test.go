package concurrency

import (
	"context"
	"testing"
	"time"
)

func TestDeduplicatorSeen(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	d := NewDeduplicator(time.Minute)
	d.now = func() time.Time { return now }

	if d.Seen(1) {
		t.Fatal("first update must not be a duplicate")
	}
	if !d.Seen(1) {
		t.Fatal("second update within window must be a duplicate")
	}
	if d.Seen(2) {
		t.Fatal("different key must not be a duplicate")
	}

	now = now.Add(2 * time.Minute)
	if d.Seen(1) {
		t.Fatal("update after window must be accepted again")
	}

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	if d.Len() != 0 {
		t.Fatalf("cleanup left %d keys", d.Len())
	}
}

func TestDeduplicatorDisabled(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(0)
	if d.Seen(7) || d.Seen(7) {
		t.Fatal("zero window disables deduplication")
	}
}

func TestDeduplicatorStartStop(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(time.Second)
	d.Start(context.Background())
	d.Start(context.Background())
	d.Stop()
	d.Stop()
}
