package health

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestTracker(t *testing.T, staleAfter time.Duration) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewTracker(rdb, staleAfter), mr
}

func TestDedupe(t *testing.T) {
	tr, _ := newTestTracker(t, 30*time.Minute)
	ctx := context.Background()

	first, err := tr.Dedupe(ctx, "github", "dlv-1")
	if err != nil {
		t.Fatalf("dedupe: %v", err)
	}
	if !first {
		t.Fatal("first delivery should be new")
	}

	second, err := tr.Dedupe(ctx, "github", "dlv-1")
	if err != nil {
		t.Fatalf("dedupe: %v", err)
	}
	if second {
		t.Fatal("replayed delivery should not be new")
	}

	// Same id on another platform is a different delivery.
	other, err := tr.Dedupe(ctx, "gitlab", "dlv-1")
	if err != nil {
		t.Fatalf("dedupe: %v", err)
	}
	if !other {
		t.Fatal("delivery id namespace must be per platform")
	}
}

func TestDedupeEmptyIDAlwaysNew(t *testing.T) {
	tr, _ := newTestTracker(t, 30*time.Minute)
	for i := 0; i < 2; i++ {
		ok, err := tr.Dedupe(context.Background(), "openproject", "")
		if err != nil || !ok {
			t.Fatalf("empty delivery id: ok=%v err=%v", ok, err)
		}
	}
}

func TestCheckHealthy(t *testing.T) {
	tr, _ := newTestTracker(t, 30*time.Minute)
	ctx := context.Background()

	if err := tr.MarkWebhook(ctx, "conn1"); err != nil {
		t.Fatalf("mark webhook: %v", err)
	}
	tr.ObserveRemoteActivity(ctx, "conn1", 3)

	st, err := tr.Check(ctx, "conn1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.Degraded {
		t.Fatalf("fresh webhook should be healthy: %+v", st)
	}
	if st.LastWebhookAt.IsZero() || st.LastActivityAt.IsZero() {
		t.Fatalf("timestamps missing: %+v", st)
	}
}

func TestCheckDegradedWhenWebhooksQuiet(t *testing.T) {
	tr, _ := newTestTracker(t, 30*time.Minute)
	ctx := context.Background()

	// Remote activity with no webhook delivery ever.
	tr.ObserveRemoteActivity(ctx, "conn1", 1)

	st, err := tr.Check(ctx, "conn1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !st.Degraded {
		t.Fatalf("activity without deliveries should be degraded: %+v", st)
	}
}

func TestCheckUnknownConnection(t *testing.T) {
	tr, _ := newTestTracker(t, 30*time.Minute)
	st, err := tr.Check(context.Background(), "nope")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.Degraded || !st.LastWebhookAt.IsZero() {
		t.Fatalf("unknown connection should be zero status: %+v", st)
	}
}

func TestObserveZeroChangesIsNoop(t *testing.T) {
	tr, mr := newTestTracker(t, 30*time.Minute)
	tr.ObserveRemoteActivity(context.Background(), "conn1", 0)
	if mr.Exists(lastActivityKey + "conn1") {
		t.Fatal("zero changes must not record activity")
	}
}
