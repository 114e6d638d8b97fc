package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"cadenced/internal/stats"
	"cadenced/pkg/logx"
)

func openTestStore(t *testing.T, maxRows int) *Store {
	t.Helper()
	st, err := Open(Config{
		Path:    filepath.Join(t.TempDir(), "history.db"),
		MaxRows: maxRows,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSaveAndRecentRoundTrip(t *testing.T) {
	t.Parallel()

	st := openTestStore(t, 0)
	ctx := context.Background()

	tot := stats.Totals{
		Samples:           9,
		ErrorAccum:        3_700_000,
		CompensationAccum: 358_000_000,
		MaxError:          1_250_000,
		MinError:          10_000,
		ToleranceExceeded: 1,
	}
	if err := st.SaveRun(ctx, "heartbeat", 50*time.Millisecond, tot); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	recs, err := st.Recent(ctx, "heartbeat", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Task != "heartbeat" || rec.Period != 50*time.Millisecond {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Totals != tot {
		t.Fatalf("totals = %+v, want %+v", rec.Totals, tot)
	}
	if rec.FinishedAt.IsZero() || time.Since(rec.FinishedAt) > time.Minute {
		t.Fatalf("suspicious FinishedAt: %v", rec.FinishedAt)
	}

	// Other tasks see nothing.
	other, err := st.Recent(ctx, "other", 10)
	if err != nil {
		t.Fatalf("Recent(other): %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no records for other task, got %d", len(other))
	}
}

func TestSaveRejectsZeroSamples(t *testing.T) {
	t.Parallel()

	st := openTestStore(t, 0)
	if err := st.SaveRun(context.Background(), "x", time.Second, stats.Totals{}); err == nil {
		t.Fatal("expected error for zero samples")
	}
}

func TestPruneKeepsNewestRows(t *testing.T) {
	t.Parallel()

	st := openTestStore(t, 3)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		tot := stats.Totals{Samples: uint64(i), MinError: 1, MaxError: 2}
		if err := st.SaveRun(ctx, "pruned", time.Second, tot); err != nil {
			t.Fatalf("SaveRun #%d: %v", i, err)
		}
	}

	recs, err := st.Recent(ctx, "pruned", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records after prune, want 3", len(recs))
	}
	// Newest first: samples 5, 4, 3.
	for i, want := range []uint64{5, 4, 3} {
		if recs[i].Totals.Samples != want {
			t.Fatalf("recs[%d].Samples = %d, want %d", i, recs[i].Totals.Samples, want)
		}
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty path")
	}
}
