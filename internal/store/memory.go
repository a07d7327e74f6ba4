package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opsdash/splitmanager/internal/model"
)

// MemoryFileStore keeps records in process memory. Used in development when Redis
// is not reachable, and in tests.
type MemoryFileStore struct {
	mu    sync.RWMutex
	files map[string]model.SplitFile
}

func NewMemoryFileStore() *MemoryFileStore {
	return &MemoryFileStore{files: make(map[string]model.SplitFile)}
}

func (s *MemoryFileStore) Save(_ context.Context, file *model.SplitFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[file.ID] = copyFile(file)
	return nil
}

func (s *MemoryFileStore) Get(_ context.Context, id string) (*model.SplitFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	file, ok := s.files[id]
	if !ok {
		return nil, ErrFileNotFound
	}
	out := copyFile(&file)
	return &out, nil
}

func (s *MemoryFileStore) Update(_ context.Context, id string, fn func(file *model.SplitFile) error) (*model.SplitFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.files[id]
	if !ok {
		return nil, ErrFileNotFound
	}
	file := copyFile(&current)
	if err := fn(&file); err != nil {
		return nil, err
	}
	s.files[id] = copyFile(&file)
	return &file, nil
}

func (s *MemoryFileStore) ListByOwner(_ context.Context, ownerID string, limit, offset int) ([]*model.SplitFile, error) {
	s.mu.RLock()
	var owned []*model.SplitFile
	for _, file := range s.files {
		if file.OwnerID == ownerID {
			f := copyFile(&file)
			owned = append(owned, &f)
		}
	}
	s.mu.RUnlock()

	sort.Slice(owned, func(i, j int) bool {
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})
	return page(owned, limit, offset), nil
}

func (s *MemoryFileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		return ErrFileNotFound
	}
	delete(s.files, id)
	return nil
}

func (s *MemoryFileStore) ListActiveBefore(_ context.Context, cutoff time.Time) ([]*model.SplitFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []*model.SplitFile
	for _, file := range s.files {
		if file.Status.IsContinuation() && !file.UpdatedAt.After(cutoff) {
			f := copyFile(&file)
			stale = append(stale, &f)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	return stale, nil
}

func (s *MemoryFileStore) Ping(context.Context) error {
	return nil
}

func copyFile(file *model.SplitFile) model.SplitFile {
	out := *file
	if file.Preview != nil {
		out.Preview = append([]byte(nil), file.Preview...)
	}
	if file.Error != nil {
		e := *file.Error
		out.Error = &e
	}
	if file.CompletedAt != nil {
		c := *file.CompletedAt
		out.CompletedAt = &c
	}
	return out
}

func page(files []*model.SplitFile, limit, offset int) []*model.SplitFile {
	if offset >= len(files) {
		return []*model.SplitFile{}
	}
	end := len(files)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return files[offset:end]
}
