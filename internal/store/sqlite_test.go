package store

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/tannerhall/helmsman/internal/bandit"
	"github.com/tannerhall/helmsman/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeRecord(improvementID string, ts time.Time) *model.ImprovementRecord {
	return &model.ImprovementRecord{
		ID:            model.NewID(),
		ImprovementID: improvementID,
		Timestamp:     ts,
		Description:   "tune cache ttl",
		StrategyArm:   "cache_opt",
		Changes:       map[string]any{"ttl_seconds": float64(300)},
		PerformanceBefore: map[string]float64{
			"latency_p50_ms": 120,
			"throughput_rps": 850,
		},
		PerformanceAfter: map[string]float64{
			"latency_p50_ms": 95,
			"throughput_rps": 900,
		},
		ImprovementMetric: 0.13,
		ComplianceScore:   0.92,
		Status:            model.ImprovementCompleted,
		RollbackPayload:   map[string]any{"ttl_seconds": float64(600)},
		Metadata:          map[string]string{"requested_by": "autotuner"},
	}
}

func TestRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := makeRecord("imp-1", time.Now().UTC().Truncate(time.Second))
	if err := s.CreateRecord(ctx, want); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	got, err := s.GetRecord(ctx, "imp-1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.ImprovementID != want.ImprovementID ||
		got.Description != want.Description ||
		got.StrategyArm != want.StrategyArm ||
		got.Status != want.Status {
		t.Errorf("record = %+v, want %+v", got, want)
	}
	if got.PerformanceBefore["latency_p50_ms"] != 120 {
		t.Errorf("performance_before = %v, want preserved", got.PerformanceBefore)
	}
	if got.RollbackPayload["ttl_seconds"] != float64(600) {
		t.Errorf("rollback_payload = %v, want preserved", got.RollbackPayload)
	}
	if got.Metadata["requested_by"] != "autotuner" {
		t.Errorf("metadata = %v, want preserved", got.Metadata)
	}
	if math.Abs(got.ImprovementMetric-0.13) > 1e-9 {
		t.Errorf("improvement_metric = %v, want 0.13", got.ImprovementMetric)
	}
}

func TestCreateRecordDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateRecord(ctx, makeRecord("imp-1", time.Now().UTC())); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	err := s.CreateRecord(ctx, makeRecord("imp-1", time.Now().UTC()))
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate CreateRecord: err = %v, want ErrDuplicate", err)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetRecord(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecord: err = %v, want ErrNotFound", err)
	}
}

func TestListRecordsOrderingAndPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	for i := 0; i < 5; i++ {
		r := makeRecord(string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))
		if err := s.CreateRecord(ctx, r); err != nil {
			t.Fatalf("CreateRecord %d: %v", i, err)
		}
	}

	page, total, err := s.ListRecords(ctx, model.ArchiveFilter{}, 2, 0)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	// Timestamp descending: newest first.
	if page[0].ImprovementID != "e" || page[1].ImprovementID != "d" {
		t.Errorf("page order = %s, %s; want e, d", page[0].ImprovementID, page[1].ImprovementID)
	}

	page, _, err = s.ListRecords(ctx, model.ArchiveFilter{}, 2, 4)
	if err != nil {
		t.Fatalf("ListRecords offset: %v", err)
	}
	if len(page) != 1 || page[0].ImprovementID != "a" {
		t.Errorf("last page = %v, want single oldest record", page)
	}
}

func TestListRecordsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	completed := makeRecord("imp-done", now.Add(-2*time.Hour))
	failed := makeRecord("imp-bad", now.Add(-time.Hour))
	failed.Status = model.ImprovementFailed
	failed.ComplianceScore = 0.4
	recent := makeRecord("imp-new", now)

	for _, r := range []*model.ImprovementRecord{completed, failed, recent} {
		if err := s.CreateRecord(ctx, r); err != nil {
			t.Fatalf("CreateRecord: %v", err)
		}
	}

	byStatus, total, err := s.ListRecords(ctx, model.ArchiveFilter{Status: model.ImprovementFailed}, 10, 0)
	if err != nil {
		t.Fatalf("ListRecords by status: %v", err)
	}
	if total != 1 || byStatus[0].ImprovementID != "imp-bad" {
		t.Errorf("status filter = %v (total %d), want only imp-bad", byStatus, total)
	}

	byCompliance, total, err := s.ListRecords(ctx, model.ArchiveFilter{MinCompliance: 0.9}, 10, 0)
	if err != nil {
		t.Fatalf("ListRecords by compliance: %v", err)
	}
	if total != 2 {
		t.Errorf("compliance filter total = %d, want 2", total)
	}
	for _, r := range byCompliance {
		if r.ComplianceScore < 0.9 {
			t.Errorf("record %s compliance = %v, want >= 0.9", r.ImprovementID, r.ComplianceScore)
		}
	}

	byTime, total, err := s.ListRecords(ctx, model.ArchiveFilter{Since: now.Add(-30 * time.Minute)}, 10, 0)
	if err != nil {
		t.Fatalf("ListRecords by time: %v", err)
	}
	if total != 1 || byTime[0].ImprovementID != "imp-new" {
		t.Errorf("time filter = %v (total %d), want only imp-new", byTime, total)
	}
}

func TestUpdateRecordStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateRecord(ctx, makeRecord("imp-1", time.Now().UTC())); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	if err := s.UpdateRecordStatus(ctx, "imp-1", model.ImprovementRolledBack); err != nil {
		t.Fatalf("UpdateRecordStatus: %v", err)
	}
	got, _ := s.GetRecord(ctx, "imp-1")
	if got.Status != model.ImprovementRolledBack {
		t.Errorf("status = %q, want rolled_back", got.Status)
	}

	// RolledBack is terminal.
	err := s.UpdateRecordStatus(ctx, "imp-1", model.ImprovementCompleted)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("transition out of rolled_back: err = %v, want ErrInvalidTransition", err)
	}
}

func TestDeleteRecordsBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.CreateRecord(ctx, makeRecord("old-1", now.Add(-48*time.Hour)))
	s.CreateRecord(ctx, makeRecord("old-2", now.Add(-36*time.Hour)))
	s.CreateRecord(ctx, makeRecord("new-1", now))

	n, err := s.DeleteRecordsBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteRecordsBefore: %v", err)
	}
	if n != 2 {
		t.Errorf("purged = %d, want 2", n)
	}
	if _, err := s.GetRecord(ctx, "new-1"); err != nil {
		t.Errorf("recent record purged: %v", err)
	}
}

func TestArmUpsertAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	arm := bandit.Arm{
		ID:            "cache_opt",
		Description:   "cache tuning",
		RiskScore:     0.2,
		Pulls:         3,
		TotalReward:   0.9,
		AverageReward: 0.3,
		LastPulledAt:  &now,
	}
	if err := s.UpsertArm(ctx, "platform", arm); err != nil {
		t.Fatalf("UpsertArm: %v", err)
	}

	// Second upsert overwrites the stats.
	arm.Pulls = 4
	arm.TotalReward = 1.4
	arm.AverageReward = 0.35
	if err := s.UpsertArm(ctx, "platform", arm); err != nil {
		t.Fatalf("UpsertArm update: %v", err)
	}

	arms, err := s.LoadArms(ctx, "platform")
	if err != nil {
		t.Fatalf("LoadArms: %v", err)
	}
	if len(arms) != 1 {
		t.Fatalf("arms = %d, want 1", len(arms))
	}
	got := arms[0]
	if got.Pulls != 4 || math.Abs(got.TotalReward-1.4) > 1e-9 {
		t.Errorf("arm stats = %+v, want updated values", got)
	}
	if got.LastPulledAt == nil {
		t.Error("last_pulled_at lost in round trip")
	}

	// Context keys are isolated.
	other, err := s.LoadArms(ctx, "elsewhere")
	if err != nil {
		t.Fatalf("LoadArms other: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("arms for unused context = %d, want 0", len(other))
	}
}
