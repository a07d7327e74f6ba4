package worker

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opsdash/splitmanager/internal/client"
	"github.com/opsdash/splitmanager/internal/model"
	"github.com/opsdash/splitmanager/internal/service"
	"github.com/opsdash/splitmanager/internal/store"
)

// FileTracker is the part of the split service the worker reports to
type FileTracker interface {
	Get(ctx context.Context, fileID string) (*model.SplitFile, error)
	MarkStage(ctx context.Context, fileID string, status model.StatusCode, progress int, message string) error
	AttachPreview(ctx context.Context, fileID string, preview *model.SplitPreview, status model.StatusCode, progress int, message string) error
	Fail(ctx context.Context, fileID string, errMsg string) error
}

type Options struct {
	SampleRows  int
	Parallelism int
}

// SplitWorker turns an uploaded spreadsheet into one CSV per split value
type SplitWorker struct {
	files       FileTracker
	storage     client.StorageClient
	logger      *zap.Logger
	sampleRows  int
	parallelism int
}

func NewSplitWorker(files FileTracker, storage client.StorageClient, logger *zap.Logger, opts Options) *SplitWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SampleRows <= 0 {
		opts.SampleRows = 10
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	return &SplitWorker{
		files:       files,
		storage:     storage,
		logger:      logger,
		sampleRows:  opts.SampleRows,
		parallelism: opts.Parallelism,
	}
}

// errStopped means the file was paused, deleted or finished elsewhere
var errStopped = errors.New("processing stopped")

type table struct {
	header []string
	rows   [][]string
}

// ProcessTask handles split task processing
func (w *SplitWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload model.SplitJobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	log := w.logger.With(zap.String("fileId", payload.FileID))
	file, err := w.files.Get(ctx, payload.FileID)
	if errors.Is(err, store.ErrFileNotFound) {
		log.Info("split file is gone, dropping task")
		return nil
	}
	if err != nil {
		return err
	}
	if !file.Status.IsContinuation() {
		log.Info("split file no longer in progress, skipping", zap.Stringer("status", file.Status))
		return nil
	}

	log.Info("starting split", zap.String("column", file.SplitColumn))
	err = w.process(ctx, file)
	switch {
	case err == nil:
		log.Info("split ready for review")
		return nil
	case errors.Is(err, errStopped):
		log.Info("split stopped")
		return nil
	case errors.Is(err, asynq.SkipRetry):
		w.fail(ctx, log, file.ID, err)
		return err
	default:
		if isLastAttempt(ctx) {
			w.fail(ctx, log, file.ID, err)
		} else {
			log.Warn("split attempt failed, will retry", zap.Error(err))
		}
		return err
	}
}

func (w *SplitWorker) process(ctx context.Context, file *model.SplitFile) error {
	// Step 1: Download
	if err := w.stage(ctx, file.ID, model.StatusInProgress, 10, "Downloading spreadsheet"); err != nil {
		return err
	}
	body, err := w.storage.Download(ctx, file.ObjectKey)
	if errors.Is(err, client.ErrObjectNotFound) {
		return fmt.Errorf("uploaded spreadsheet is missing: %w", asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("failed to download spreadsheet: %w", err)
	}
	defer body.Close()

	// Step 2: Parse
	if err := w.stage(ctx, file.ID, model.StatusInProgress, 25, "Parsing spreadsheet"); err != nil {
		return err
	}
	tbl, err := parseCSV(body)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	col := columnIndex(tbl.header, file.SplitColumn)
	if col < 0 {
		return fmt.Errorf("split column %q not found in header: %w", file.SplitColumn, asynq.SkipRetry)
	}

	// Step 3: Publish the preview while groups are written
	preview := &model.SplitPreview{
		Columns:     tbl.header,
		RowCount:    len(tbl.rows),
		SampleRows:  tbl.rows[:min(len(tbl.rows), w.sampleRows)],
		SplitColumn: tbl.header[col],
	}
	if err := w.attach(ctx, file.ID, preview, model.StatusProcessing, 40, "Splitting by "+tbl.header[col]); err != nil {
		return err
	}

	// Step 4: Write one file per group
	groups, err := w.writeGroups(ctx, file.ID, tbl, col)
	if err != nil {
		return err
	}

	// Step 5: Ready for review
	preview.Groups = groups
	preview.Complete = true
	msg := fmt.Sprintf("Split into %d files", len(groups))
	return w.attach(ctx, file.ID, preview, model.StatusInReview, 100, msg)
}

func (w *SplitWorker) writeGroups(ctx context.Context, fileID string, tbl *table, col int) ([]model.SplitGroup, error) {
	byKey := make(map[string][][]string)
	for _, row := range tbl.rows {
		key := model.BlankGroupKey
		if col < len(row) {
			if v := strings.TrimSpace(row[col]); v != "" {
				key = v
			}
		}
		byKey[key] = append(byKey[key], row)
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	groups := make([]model.SplitGroup, len(keys))
	names := objectNames(keys)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.parallelism)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			data, err := encodeCSV(tbl.header, byKey[key])
			if err != nil {
				return err
			}
			objectKey := fmt.Sprintf("splits/%s/%s.csv", fileID, names[i])
			url, err := w.storage.Upload(gctx, objectKey, bytes.NewReader(data), "text/csv")
			if err != nil {
				return fmt.Errorf("failed to upload group %q: %w", key, err)
			}
			groups[i] = model.SplitGroup{
				Key:       key,
				RowCount:  len(byKey[key]),
				ObjectKey: objectKey,
				FileURL:   url,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return groups, nil
}

func (w *SplitWorker) stage(ctx context.Context, fileID string, status model.StatusCode, progress int, message string) error {
	return stopOn(w.files.MarkStage(ctx, fileID, status, progress, message))
}

func (w *SplitWorker) attach(ctx context.Context, fileID string, preview *model.SplitPreview, status model.StatusCode, progress int, message string) error {
	return stopOn(w.files.AttachPreview(ctx, fileID, preview, status, progress, message))
}

func (w *SplitWorker) fail(ctx context.Context, log *zap.Logger, fileID string, cause error) {
	msg := strings.TrimSuffix(cause.Error(), ": "+asynq.SkipRetry.Error())
	if err := w.files.Fail(ctx, fileID, msg); err != nil && !errors.Is(err, service.ErrInvalidTransition) {
		log.Error("failed to mark split as failed", zap.Error(err))
	}
}

func stopOn(err error) error {
	if errors.Is(err, service.ErrInvalidTransition) || errors.Is(err, store.ErrFileNotFound) {
		return fmt.Errorf("%w: %v", errStopped, err)
	}
	return err
}

func isLastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

func parseCSV(r io.Reader) (*table, error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("spreadsheet is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("invalid CSV header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	tbl := &table{header: header}
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid CSV: %w", err)
		}
		if isBlankRow(row) {
			continue
		}
		tbl.rows = append(tbl.rows, row)
	}
	if len(tbl.rows) == 0 {
		return nil, errors.New("spreadsheet has no data rows")
	}
	return tbl, nil
}

func isBlankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func columnIndex(header []string, name string) int {
	name = strings.TrimSpace(name)
	for i, h := range header {
		if strings.EqualFold(h, name) {
			return i
		}
	}
	return -1
}

func encodeCSV(header []string, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(header); err != nil {
		return nil, err
	}
	if err := cw.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// objectNames turns group keys into unique, path-safe object names
func objectNames(keys []string) []string {
	names := make([]string, len(keys))
	seen := make(map[string]int)
	for i, key := range keys {
		name := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.' {
				return r
			}
			return '_'
		}, key)
		name = strings.Trim(name, ".")
		if name == "" {
			name = "group"
		}
		if n := seen[name]; n > 0 {
			seen[name] = n + 1
			name = fmt.Sprintf("%s-%d", name, n+1)
		} else {
			seen[name] = 1
		}
		names[i] = name
	}
	return names
}
