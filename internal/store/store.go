// Package store persists split file records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/opsdash/splitmanager/internal/model"
)

var (
	ErrFileNotFound = errors.New("split file not found")
	// ErrUpdateConflict means Update kept losing to concurrent writers
	ErrUpdateConflict = errors.New("split file update conflict")
)

// FileStore keeps split file records. Files in a continuation status are indexed
// by last update so stale ones can be found by the sweeper.
type FileStore interface {
	Save(ctx context.Context, file *model.SplitFile) error
	Get(ctx context.Context, id string) (*model.SplitFile, error)
	// Update applies fn to the current record and saves it atomically. An error
	// from fn aborts the update and is returned unchanged.
	Update(ctx context.Context, id string, fn func(file *model.SplitFile) error) (*model.SplitFile, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*model.SplitFile, error)
	Delete(ctx context.Context, id string) error
	ListActiveBefore(ctx context.Context, cutoff time.Time) ([]*model.SplitFile, error)
	Ping(ctx context.Context) error
}
