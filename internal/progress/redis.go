package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/spachava753/flaskgrader/internal/models"
	"github.com/spachava753/flaskgrader/internal/util"
)

const maxUpdateRetries = 10

// RedisStore keeps progress as JSON strings in Redis. Updates use optimistic
// locking with WATCH.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to addr and checks the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis addr cannot be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "flaskgrader:progress:"}
}

func (s *RedisStore) key(studentID, projectID string) string {
	return s.prefix + util.SafeSegment(projectID) + ":" + util.SafeSegment(studentID)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Get(ctx context.Context, studentID, projectID string) (*models.StudentProgress, error) {
	return s.get(ctx, s.client, studentID, projectID)
}

func (s *RedisStore) get(ctx context.Context, c redis.Cmdable, studentID, projectID string) (*models.StudentProgress, error) {
	raw, err := c.Get(ctx, s.key(studentID, projectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.NewStudentProgress(studentID, projectID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading progress: %w", err)
	}
	var p models.StudentProgress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parsing progress: %w", err)
	}
	if p.CompletedTasks == nil {
		p.CompletedTasks = []int{}
	}
	return &p, nil
}

func (s *RedisStore) Save(ctx context.Context, p *models.StudentProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling progress: %w", err)
	}
	if err := s.client.Set(ctx, s.key(p.StudentID, p.ProjectID), data, 0).Err(); err != nil {
		return fmt.Errorf("writing progress: %w", err)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, studentID, projectID string, fn func(*models.StudentProgress) error) (*models.StudentProgress, error) {
	key := s.key(studentID, projectID)
	var out *models.StudentProgress

	txf := func(tx *redis.Tx) error {
		p, err := s.get(ctx, tx, studentID, projectID)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshaling progress: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			out = p
		}
		return err
	}

	for range maxUpdateRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("updating progress for %s: too many concurrent writers", studentID)
}
