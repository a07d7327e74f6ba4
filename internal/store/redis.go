package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opsdash/splitmanager/internal/model"
)

const (
	fileKeyPrefix  = "splitfile:"
	ownerKeyPrefix = "splitfiles:owner:"
	activeKey      = "splitfiles:active"
	defaultFileTTL = 7 * 24 * time.Hour

	// maxUpdateRetries bounds the WATCH/EXEC attempts of one Update call
	maxUpdateRetries = 5
)

// RedisFileStore stores records as JSON strings with sorted-set indexes
type RedisFileStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisFileStore(redisClient *redis.Client, ttl time.Duration) *RedisFileStore {
	if ttl <= 0 {
		ttl = defaultFileTTL
	}
	return &RedisFileStore{redis: redisClient, ttl: ttl}
}

func fileKey(id string) string       { return fileKeyPrefix + id }
func ownerKey(ownerID string) string { return ownerKeyPrefix + ownerID }

func (s *RedisFileStore) Save(ctx context.Context, file *model.SplitFile) error {
	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to marshal split file: %w", err)
	}

	pipe := s.redis.TxPipeline()
	s.queueSave(ctx, pipe, file, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save split file: %w", err)
	}
	return nil
}

func (s *RedisFileStore) queueSave(ctx context.Context, pipe redis.Pipeliner, file *model.SplitFile, data []byte) {
	pipe.Set(ctx, fileKey(file.ID), data, s.ttl)
	pipe.ZAdd(ctx, ownerKey(file.OwnerID), redis.Z{
		Score:  float64(file.CreatedAt.UnixMilli()),
		Member: file.ID,
	})
	pipe.Expire(ctx, ownerKey(file.OwnerID), s.ttl)
	if file.Status.IsContinuation() {
		pipe.ZAdd(ctx, activeKey, redis.Z{
			Score:  float64(file.UpdatedAt.UnixMilli()),
			Member: file.ID,
		})
	} else {
		pipe.ZRem(ctx, activeKey, file.ID)
	}
}

// Update uses WATCH on the record key and retries when another writer got there first
func (s *RedisFileStore) Update(ctx context.Context, id string, fn func(file *model.SplitFile) error) (*model.SplitFile, error) {
	key := fileKey(id)
	var updated *model.SplitFile

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrFileNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get split file: %w", err)
		}

		var file model.SplitFile
		if err := json.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("failed to unmarshal split file: %w", err)
		}
		if err := fn(&file); err != nil {
			return err
		}

		out, err := json.Marshal(&file)
		if err != nil {
			return fmt.Errorf("failed to marshal split file: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.queueSave(ctx, pipe, &file, out)
			return nil
		})
		if err != nil {
			return err
		}
		updated = &file
		return nil
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("failed to update split file %s after %d attempts: %w", id, maxUpdateRetries, ErrUpdateConflict)
}

func (s *RedisFileStore) Get(ctx context.Context, id string) (*model.SplitFile, error) {
	data, err := s.redis.Get(ctx, fileKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get split file: %w", err)
	}

	var file model.SplitFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal split file: %w", err)
	}
	return &file, nil
}

// ListByOwner returns the owner's files, newest first. Index entries whose record
// has expired are pruned.
func (s *RedisFileStore) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*model.SplitFile, error) {
	ids, err := s.redis.ZRevRange(ctx, ownerKey(ownerID), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list split files: %w", err)
	}
	return s.loadAll(ctx, ownerKey(ownerID), ids)
}

func (s *RedisFileStore) Delete(ctx context.Context, id string) error {
	file, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, fileKey(id))
	pipe.ZRem(ctx, ownerKey(file.OwnerID), id)
	pipe.ZRem(ctx, activeKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete split file: %w", err)
	}
	return nil
}

func (s *RedisFileStore) ListActiveBefore(ctx context.Context, cutoff time.Time) ([]*model.SplitFile, error) {
	ids, err := s.redis.ZRangeByScore(ctx, activeKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active split files: %w", err)
	}
	return s.loadAll(ctx, activeKey, ids)
}

func (s *RedisFileStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

func (s *RedisFileStore) loadAll(ctx context.Context, indexKey string, ids []string) ([]*model.SplitFile, error) {
	files := make([]*model.SplitFile, 0, len(ids))
	for _, id := range ids {
		file, err := s.Get(ctx, id)
		if errors.Is(err, ErrFileNotFound) {
			s.redis.ZRem(ctx, indexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, nil
}
