package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/opsdash/splitmanager/internal/client"
	"github.com/opsdash/splitmanager/internal/model"
	"github.com/opsdash/splitmanager/internal/poller"
	"github.com/opsdash/splitmanager/internal/store"
)

var (
	ErrFileNotFound      = store.ErrFileNotFound
	ErrNotCompleted      = errors.New("split is not ready for review yet")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStorage           = errors.New("object storage unavailable")
)

const (
	defaultListLimit  = 20
	signedURLExpiry   = time.Hour
	processingTimeout = 10 * time.Minute
)

// Enqueuer is the part of the asynq client the service needs
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// SplitService manages split files and their processing lifecycle
type SplitService struct {
	store   store.FileStore
	storage client.StorageClient
	queue   Enqueuer
	logger  *zap.Logger
	now     func() time.Time
}

func NewSplitService(fileStore store.FileStore, storage client.StorageClient, queue Enqueuer, logger *zap.Logger) *SplitService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SplitService{
		store:   fileStore,
		storage: storage,
		queue:   queue,
		logger:  logger,
		now:     time.Now,
	}
}

// Upload stores the spreadsheet and queues it for processing
func (s *SplitService) Upload(ctx context.Context, ownerID, filename, splitColumn string, body io.Reader, size int64) (*model.UploadSplitResponse, error) {
	fileID := uuid.New().String()
	now := s.now()
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	objectKey := fmt.Sprintf("uploads/%s/%s/%s", ownerID, fileID, name)

	if _, err := s.storage.Upload(ctx, objectKey, body, "text/csv"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	file := &model.SplitFile{
		ID:          fileID,
		OwnerID:     ownerID,
		Filename:    name,
		ObjectKey:   objectKey,
		SplitColumn: splitColumn,
		Status:      model.StatusUploaded,
		Message:     "File uploaded",
		SizeBytes:   size,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Save(ctx, file); err != nil {
		return nil, fmt.Errorf("failed to save split file: %w", err)
	}

	if err := s.enqueue(ctx, fileID); err != nil {
		_ = s.Fail(ctx, fileID, "failed to queue processing")
		return nil, err
	}

	s.logger.Info("split file uploaded",
		zap.String("fileId", fileID),
		zap.String("owner", ownerID),
		zap.Int64("size", size),
	)

	return &model.UploadSplitResponse{
		FileID:      fileID,
		Filename:    name,
		Status:      file.Status,
		SplitColumn: splitColumn,
		SizeBytes:   size,
		CreatedAt:   now,
	}, nil
}

// GetStatus returns the current status. A missing record, or one that belongs to
// someone else, is reported as not ready.
func (s *SplitService) GetStatus(ctx context.Context, ownerID, fileID string) (*model.SplitStatusResponse, error) {
	file, err := s.store.Get(ctx, fileID)
	if errors.Is(err, store.ErrFileNotFound) || (err == nil && file.OwnerID != ownerID) {
		return nil, poller.ErrNotReady
	}
	if err != nil {
		return nil, err
	}

	preview, err := decodePreview(file.Preview)
	if err != nil {
		return nil, err
	}

	return &model.SplitStatusResponse{
		FileID:   file.ID,
		Status:   file.Status,
		Message:  file.Message,
		Progress: file.Progress,
		Error:    file.Error,
		Payload:  preview,
	}, nil
}

// FetchStatus adapts GetStatus to a poller fetch for one owner
func (s *SplitService) FetchStatus(ownerID string) poller.FetchFunc[model.SplitPreview] {
	return func(ctx context.Context, fileID string) (poller.Result[model.SplitPreview], error) {
		status, err := s.GetStatus(ctx, ownerID, fileID)
		if err != nil {
			return poller.Result[model.SplitPreview]{}, err
		}
		return poller.Result[model.SplitPreview]{
			Status:  status.Status,
			Message: status.Message,
			Payload: status.Payload,
		}, nil
	}
}

// GetResult returns the complete split with fresh signed download URLs
func (s *SplitService) GetResult(ctx context.Context, ownerID, fileID string) (*model.SplitPreview, error) {
	file, err := s.owned(ctx, ownerID, fileID)
	if err != nil {
		return nil, err
	}
	if file.Status != model.StatusInReview && file.Status != model.StatusCompleted {
		return nil, ErrNotCompleted
	}

	preview, err := decodePreview(file.Preview)
	if err != nil {
		return nil, err
	}
	if preview == nil {
		return nil, ErrNotCompleted
	}

	for i := range preview.Groups {
		url, err := s.storage.GetSignedURL(ctx, preview.Groups[i].ObjectKey, signedURLExpiry)
		if err != nil {
			s.logger.Warn("failed to sign group url", zap.String("fileId", fileID), zap.Error(err))
			continue
		}
		preview.Groups[i].FileURL = url
	}
	return preview, nil
}

// List returns the owner's files, newest first
func (s *SplitService) List(ctx context.Context, ownerID string, limit, offset int) (*model.SplitListResponse, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	files, err := s.store.ListByOwner(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}

	out := &model.SplitListResponse{
		Files:  make([]model.SplitSummary, 0, len(files)),
		Limit:  limit,
		Offset: offset,
	}
	for _, f := range files {
		out.Files = append(out.Files, model.SplitSummary{
			FileID:    f.ID,
			Filename:  f.Filename,
			Status:    f.Status,
			Progress:  f.Progress,
			CreatedAt: f.CreatedAt,
			UpdatedAt: f.UpdatedAt,
		})
	}
	return out, nil
}

// Pause stops processing of a file that is still in progress
func (s *SplitService) Pause(ctx context.Context, ownerID, fileID string) (*model.SplitActionResponse, error) {
	file, err := s.transition(ctx, ownerID, fileID, func(f *model.SplitFile) error {
		if !f.Status.IsContinuation() {
			return fmt.Errorf("%w: cannot pause a file that is %s", ErrInvalidTransition, f.Status)
		}
		f.Status = model.StatusPaused
		f.Message = "Paused by user"
		return nil
	})
	if err != nil {
		return nil, err
	}
	return actionResponse(file), nil
}

// Resume restarts processing of a paused file from the beginning
func (s *SplitService) Resume(ctx context.Context, ownerID, fileID string) (*model.SplitActionResponse, error) {
	file, err := s.transition(ctx, ownerID, fileID, func(f *model.SplitFile) error {
		if f.Status != model.StatusPaused {
			return fmt.Errorf("%w: cannot resume a file that is %s", ErrInvalidTransition, f.Status)
		}
		f.Status = model.StatusUploaded
		f.Message = "Resumed"
		f.Progress = 0
		f.Preview = nil
		f.Error = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.enqueue(ctx, fileID); err != nil {
		_ = s.Fail(ctx, fileID, "failed to queue processing")
		return nil, err
	}
	return actionResponse(file), nil
}

// Approve accepts a reviewed split
func (s *SplitService) Approve(ctx context.Context, ownerID, fileID, note string) (*model.SplitActionResponse, error) {
	file, err := s.transition(ctx, ownerID, fileID, func(f *model.SplitFile) error {
		if f.Status != model.StatusInReview {
			return fmt.Errorf("%w: cannot approve a file that is %s", ErrInvalidTransition, f.Status)
		}
		now := s.now()
		f.Status = model.StatusCompleted
		f.Message = "Approved"
		if note != "" {
			f.Message = note
		}
		f.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return actionResponse(file), nil
}

// Delete removes the record, the upload and every split output
func (s *SplitService) Delete(ctx context.Context, ownerID, fileID string) error {
	file, err := s.owned(ctx, ownerID, fileID)
	if err != nil {
		return err
	}

	keys := []string{file.ObjectKey}
	if preview, err := decodePreview(file.Preview); err == nil && preview != nil {
		for _, g := range preview.Groups {
			keys = append(keys, g.ObjectKey)
		}
	}
	for _, key := range keys {
		if err := s.storage.Delete(ctx, key); err != nil {
			s.logger.Warn("failed to delete object", zap.String("key", key), zap.Error(err))
		}
	}

	if err := s.store.Delete(ctx, fileID); err != nil {
		return err
	}
	s.logger.Info("split file deleted", zap.String("fileId", fileID))
	return nil
}

// Get returns the raw record (called by worker)
func (s *SplitService) Get(ctx context.Context, fileID string) (*model.SplitFile, error) {
	return s.store.Get(ctx, fileID)
}

// MarkStage moves a file to the next processing stage (called by worker).
// Paused and terminal files are left alone.
func (s *SplitService) MarkStage(ctx context.Context, fileID string, status model.StatusCode, progress int, message string) error {
	_, err := s.store.Update(ctx, fileID, func(f *model.SplitFile) error {
		if !f.Status.IsContinuation() {
			return fmt.Errorf("%w: file is %s", ErrInvalidTransition, f.Status)
		}
		f.Status = status
		f.Progress = progress
		f.Message = message
		f.UpdatedAt = s.now()
		return nil
	})
	return err
}

// AttachPreview stores a preview and moves the file to status (called by worker)
func (s *SplitService) AttachPreview(ctx context.Context, fileID string, preview *model.SplitPreview, status model.StatusCode, progress int, message string) error {
	data, err := json.Marshal(preview)
	if err != nil {
		return fmt.Errorf("failed to marshal preview: %w", err)
	}

	_, err = s.store.Update(ctx, fileID, func(f *model.SplitFile) error {
		if !f.Status.IsContinuation() {
			return fmt.Errorf("%w: file is %s", ErrInvalidTransition, f.Status)
		}
		f.Status = status
		f.Progress = progress
		f.Message = message
		f.Preview = data
		f.UpdatedAt = s.now()
		return nil
	})
	return err
}

// Fail marks a file in progress as failed (called by worker and sweeper)
func (s *SplitService) Fail(ctx context.Context, fileID string, errMsg string) error {
	_, err := s.store.Update(ctx, fileID, func(f *model.SplitFile) error {
		if !f.Status.IsContinuation() {
			return fmt.Errorf("%w: file is %s", ErrInvalidTransition, f.Status)
		}
		now := s.now()
		f.Status = model.StatusFailed
		f.Message = "Processing failed"
		f.Error = &errMsg
		f.UpdatedAt = now
		f.CompletedAt = &now
		return nil
	})
	if err == nil {
		s.logger.Warn("split file failed", zap.String("fileId", fileID), zap.String("error", errMsg))
	}
	return err
}

// FailStale fails every file still in progress that was last updated before cutoff
func (s *SplitService) FailStale(ctx context.Context, cutoff time.Time, errMsg string) (int, error) {
	files, err := s.store.ListActiveBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, f := range files {
		err := s.Fail(ctx, f.ID, errMsg)
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, store.ErrFileNotFound) {
			continue
		}
		if err != nil {
			return failed, err
		}
		failed++
	}
	return failed, nil
}

func (s *SplitService) enqueue(ctx context.Context, fileID string) error {
	payload, err := json.Marshal(model.SplitJobPayload{FileID: fileID})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	task := asynq.NewTask(model.TaskTypeSplitProcess, payload)
	_, err = s.queue.EnqueueContext(ctx, task,
		asynq.Queue(model.QueueSplits),
		asynq.MaxRetry(3),
		asynq.Retention(24*time.Hour),
		asynq.Timeout(processingTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func (s *SplitService) owned(ctx context.Context, ownerID, fileID string) (*model.SplitFile, error) {
	file, err := s.store.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.OwnerID != ownerID {
		return nil, ErrFileNotFound
	}
	return file, nil
}

func (s *SplitService) transition(ctx context.Context, ownerID, fileID string, fn func(f *model.SplitFile) error) (*model.SplitFile, error) {
	return s.store.Update(ctx, fileID, func(f *model.SplitFile) error {
		if f.OwnerID != ownerID {
			return ErrFileNotFound
		}
		if err := fn(f); err != nil {
			return err
		}
		f.UpdatedAt = s.now()
		return nil
	})
}

func actionResponse(f *model.SplitFile) *model.SplitActionResponse {
	return &model.SplitActionResponse{
		Success: true,
		FileID:  f.ID,
		Status:  f.Status,
	}
}

func decodePreview(data []byte) (*model.SplitPreview, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var preview model.SplitPreview
	if err := json.Unmarshal(data, &preview); err != nil {
		return nil, fmt.Errorf("failed to unmarshal preview: %w", err)
	}
	return &preview, nil
}
