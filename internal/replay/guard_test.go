package replay

import (
	"testing"
	"time"

	"github.com/mucan54/remoteql/internal/qerr"
)

func testGuard() *Guard {
	g := NewGuard(5*time.Minute, 30*time.Second, 100)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }
	return g
}

func TestFreshRequestPasses(t *testing.T) {
	g := testGuard()
	ts := g.now().Add(-time.Minute)
	if err := g.Check(ts, "req-1"); err != nil {
		t.Fatalf("fresh request rejected: %v", err)
	}
}

func TestRepeatedNonceRejected(t *testing.T) {
	g := testGuard()
	ts := g.now()
	if err := g.Check(ts, "req-1"); err != nil {
		t.Fatalf("first use rejected: %v", err)
	}
	err := g.Check(ts, "req-1")
	if qerr.KindOf(err) != qerr.KindReplay {
		t.Fatalf("second use must be rejected as replay, got %v", err)
	}
}

func TestDistinctNoncesPass(t *testing.T) {
	g := testGuard()
	ts := g.now()
	if err := g.Check(ts, "req-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Check(ts, "req-2"); err != nil {
		t.Fatalf("distinct nonce rejected: %v", err)
	}
}

func TestStaleTimestampRejected(t *testing.T) {
	g := testGuard()
	ts := g.now().Add(-6 * time.Minute)
	err := g.Check(ts, "req-1")
	if qerr.KindOf(err) != qerr.KindReplay {
		t.Fatalf("stale timestamp must be rejected, got %v", err)
	}
}

func TestFutureTimestampBeyondSkewRejected(t *testing.T) {
	g := testGuard()
	err := g.Check(g.now().Add(time.Minute), "req-1")
	if qerr.KindOf(err) != qerr.KindReplay {
		t.Fatalf("future timestamp must be rejected, got %v", err)
	}
}

func TestFutureTimestampWithinSkewPasses(t *testing.T) {
	g := testGuard()
	if err := g.Check(g.now().Add(10*time.Second), "req-1"); err != nil {
		t.Fatalf("timestamp inside skew tolerance rejected: %v", err)
	}
}

func TestZeroTimestampSkipsWindowCheck(t *testing.T) {
	g := testGuard()
	if err := g.Check(time.Time{}, "req-1"); err != nil {
		t.Fatalf("zero timestamp should skip the window check: %v", err)
	}
}

func TestEmptyNonceSkipsReplayCheck(t *testing.T) {
	g := testGuard()
	ts := g.now()
	if err := g.Check(ts, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Check(ts, ""); err != nil {
		t.Fatalf("empty nonces are not tracked: %v", err)
	}
}

func TestRejectedTimestampDoesNotBurnNonce(t *testing.T) {
	g := testGuard()
	stale := g.now().Add(-time.Hour)
	if err := g.Check(stale, "req-1"); err == nil {
		t.Fatalf("expected rejection")
	}
	if err := g.Check(g.now(), "req-1"); err != nil {
		t.Fatalf("nonce from a rejected request must remain usable: %v", err)
	}
}
