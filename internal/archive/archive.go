// Package archive is the append-only ledger of improvement attempts. Records
// are never overwritten; only their status (and metadata) may change, and
// rolled_back is a dead end.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tannerhall/helmsman/internal/model"
	"github.com/tannerhall/helmsman/internal/store"
)

// ErrMissingID is returned when a record arrives without an improvement ID.
var ErrMissingID = errors.New("improvement id required")

const defaultPageSize = 20

// Page is one slice of an archive listing.
type Page struct {
	Records  []*model.ImprovementRecord `json:"records"`
	Total    int                        `json:"total"`
	Page     int                        `json:"page"`
	PageSize int                        `json:"page_size"`
	HasMore  bool                       `json:"has_more"`
}

// Archive wraps the store with ledger semantics. The store is the
// transactional resource; the archive adds no locking of its own.
type Archive struct {
	store  store.Store
	logger *slog.Logger
}

// New creates an archive over a store.
func New(s store.Store, logger *slog.Logger) *Archive {
	return &Archive{store: s, logger: logger}
}

// Store appends a record. The server assigns the timestamp and, when unset,
// the record ID and a default status of completed. A duplicate improvement ID
// fails with store.ErrDuplicate.
func (a *Archive) Store(ctx context.Context, r *model.ImprovementRecord) error {
	if r.ImprovementID == "" {
		return ErrMissingID
	}
	if r.ID == "" {
		r.ID = model.NewID()
	}
	if r.Status == "" {
		r.Status = model.ImprovementCompleted
	}
	r.Timestamp = time.Now().UTC()

	if err := a.store.CreateRecord(ctx, r); err != nil {
		return err
	}
	a.logger.Info("improvement archived",
		"improvement_id", r.ImprovementID,
		"strategy_arm", r.StrategyArm,
		"status", r.Status,
		"improvement_metric", r.ImprovementMetric,
	)
	return nil
}

// Get is a point lookup by improvement ID.
func (a *Archive) Get(ctx context.Context, improvementID string) (*model.ImprovementRecord, error) {
	return a.store.GetRecord(ctx, improvementID)
}

// List returns one page of records matching the filter, newest first. page is
// 1-based; a non-positive pageSize falls back to the default.
func (a *Archive) List(ctx context.Context, filter model.ArchiveFilter, page, pageSize int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	records, total, err := a.store.ListRecords(ctx, filter, pageSize, (page-1)*pageSize)
	if err != nil {
		return Page{}, err
	}
	return Page{
		Records:  records,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		HasMore:  page*pageSize < total,
	}, nil
}

// UpdateStatus transitions a record's status; the transition table in the
// store rejects anything out of rolled_back.
func (a *Archive) UpdateStatus(ctx context.Context, improvementID, status string) error {
	if err := a.store.UpdateRecordStatus(ctx, improvementID, status); err != nil {
		return err
	}
	a.logger.Info("improvement status updated",
		"improvement_id", improvementID,
		"status", status,
	)
	return nil
}

// ExportAll streams every record, newest first, for bulk export.
func (a *Archive) ExportAll(ctx context.Context) ([]*model.ImprovementRecord, error) {
	var out []*model.ImprovementRecord
	const batch = 200
	for offset := 0; ; offset += batch {
		records, total, err := a.store.ListRecords(ctx, model.ArchiveFilter{}, batch, offset)
		if err != nil {
			return nil, fmt.Errorf("export batch at %d: %w", offset, err)
		}
		out = append(out, records...)
		if offset+batch >= total || len(records) == 0 {
			return out, nil
		}
	}
}

// PurgeOlderThan removes records older than the given age. The retention
// policy itself lives outside the archive; this is just the mechanism.
func (a *Archive) PurgeOlderThan(ctx context.Context, age time.Duration) (int, error) {
	n, err := a.store.DeleteRecordsBefore(ctx, time.Now().UTC().Add(-age))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.logger.Info("archive purged", "removed", n, "older_than", age)
	}
	return n, nil
}
