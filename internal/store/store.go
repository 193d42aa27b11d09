package store

import (
	"context"
	"errors"
	"time"

	"github.com/tannerhall/helmsman/internal/bandit"
	"github.com/tannerhall/helmsman/internal/model"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned when a record with the same improvement ID already
// exists. A duplicate store is a programming error upstream and is never
// silently overwritten.
var ErrDuplicate = errors.New("duplicate improvement id")

// ErrInvalidTransition is returned when a record status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// Store defines persistence for improvement records and bandit arm snapshots.
type Store interface {
	CreateRecord(ctx context.Context, r *model.ImprovementRecord) error
	GetRecord(ctx context.Context, improvementID string) (*model.ImprovementRecord, error)
	ListRecords(ctx context.Context, filter model.ArchiveFilter, limit, offset int) ([]*model.ImprovementRecord, int, error)
	UpdateRecordStatus(ctx context.Context, improvementID, status string) error
	DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int, error)

	UpsertArm(ctx context.Context, contextKey string, arm bandit.Arm) error
	LoadArms(ctx context.Context, contextKey string) ([]bandit.Arm, error)

	Close() error
}

// ArmPersister adapts a Store to the bandit.Persister interface.
type ArmPersister struct {
	Store Store
}

// LoadArms implements bandit.Persister.
func (p ArmPersister) LoadArms(ctx context.Context, contextKey string) ([]bandit.Arm, error) {
	return p.Store.LoadArms(ctx, contextKey)
}

// SaveArm implements bandit.Persister.
func (p ArmPersister) SaveArm(ctx context.Context, contextKey string, arm bandit.Arm) error {
	return p.Store.UpsertArm(ctx, contextKey, arm)
}
