package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tannerhall/helmsman/internal/model"
	"github.com/tannerhall/helmsman/internal/store"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(s, logger)
}

func record(improvementID string) *model.ImprovementRecord {
	return &model.ImprovementRecord{
		ImprovementID:     improvementID,
		Description:       "tighten pool size",
		StrategyArm:       "pool_opt",
		ImprovementMetric: 0.05,
		ComplianceScore:   0.9,
		RollbackPayload:   map[string]any{"pool_size": float64(32)},
	}
}

func TestStoreDefaultsAndRoundTrip(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	r := record("imp-1")
	if err := a.Store(ctx, r); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if r.ID == "" {
		t.Error("record ID not assigned")
	}
	if r.Timestamp.IsZero() {
		t.Error("server timestamp not assigned")
	}

	got, err := a.Get(ctx, "imp-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.ImprovementCompleted {
		t.Errorf("status = %q, want default completed", got.Status)
	}
	if got.RollbackPayload["pool_size"] != float64(32) {
		t.Errorf("rollback payload = %v, want preserved", got.RollbackPayload)
	}
}

func TestStoreDuplicateFails(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	if err := a.Store(ctx, record("imp-1")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := a.Store(ctx, record("imp-1")); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("duplicate Store: err = %v, want ErrDuplicate", err)
	}
}

func TestStoreRequiresImprovementID(t *testing.T) {
	a := newTestArchive(t)
	if err := a.Store(context.Background(), record("")); !errors.Is(err, ErrMissingID) {
		t.Errorf("Store without id: err = %v, want ErrMissingID", err)
	}
}

func TestListPagination(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		if err := a.Store(ctx, record(string(rune('a'+i)))); err != nil {
			t.Fatalf("Store %d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond) // distinct timestamps for ordering
	}

	p1, err := a.List(ctx, model.ArchiveFilter{}, 1, 3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if p1.Total != 7 || len(p1.Records) != 3 || !p1.HasMore {
		t.Errorf("page 1 = total %d, len %d, hasMore %v; want 7, 3, true", p1.Total, len(p1.Records), p1.HasMore)
	}
	if p1.Records[0].ImprovementID != "g" {
		t.Errorf("first record = %q, want newest", p1.Records[0].ImprovementID)
	}

	p3, err := a.List(ctx, model.ArchiveFilter{}, 3, 3)
	if err != nil {
		t.Fatalf("List page 3: %v", err)
	}
	if len(p3.Records) != 1 || p3.HasMore {
		t.Errorf("page 3 = len %d, hasMore %v; want 1, false", len(p3.Records), p3.HasMore)
	}
}

func TestRolledBackIsTerminal(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	if err := a.Store(ctx, record("imp-1")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := a.UpdateStatus(ctx, "imp-1", model.ImprovementRolledBack); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	err := a.UpdateStatus(ctx, "imp-1", model.ImprovementCompleted)
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("transition out of rolled_back: err = %v, want ErrInvalidTransition", err)
	}
}

func TestExportAndPurge(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := a.Store(ctx, record(string(rune('a'+i)))); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	all, err := a.ExportAll(ctx)
	if err != nil {
		t.Fatalf("ExportAll: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("exported = %d, want 5", len(all))
	}

	// Nothing is old enough to purge.
	n, err := a.PurgeOlderThan(ctx, time.Hour)
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if n != 0 {
		t.Errorf("purged = %d, want 0", n)
	}

	// Everything is older than a zero-age cutoff.
	time.Sleep(5 * time.Millisecond)
	n, err = a.PurgeOlderThan(ctx, 0)
	if err != nil {
		t.Fatalf("PurgeOlderThan(0): %v", err)
	}
	if n != 5 {
		t.Errorf("purged = %d, want 5", n)
	}
}
