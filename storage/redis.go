package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"review-notifier/pkg/reviews"
)

// RedisStore keeps snapshots as single string values with a TTL.
// A SET replaces the whole value, so readers see either the old or the new snapshot.
type RedisStore struct {
	rdb    *redis.Client
	logger *slog.Logger
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis-backed snapshot store. A zero ttl keeps keys forever.
func NewRedis(rdb *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		rdb:    rdb,
		logger: logger,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisStore) key(project string, date time.Time) string {
	k := SnapshotKey(project, date)
	if k == "" {
		return ""
	}
	return s.prefix + k
}

// Save replaces the snapshot for project and date with revs.
func (s *RedisStore) Save(ctx context.Context, project string, date time.Time, revs []reviews.Review) error {
	key := s.key(project, date)
	if key == "" {
		return &reviews.PersistenceError{Op: "save", Project: project, Key: project, Err: errors.New("invalid project name")}
	}

	data, err := Encode(revs)
	if err != nil {
		return &reviews.PersistenceError{Op: "save", Project: project, Key: key, Err: fmt.Errorf("marshal snapshot: %w", err)}
	}

	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return &reviews.PersistenceError{Op: "save", Project: project, Key: key, Err: fmt.Errorf("redis set: %w", err)}
	}

	s.logger.Info("Snapshot saved to redis", "key", key, "project", project, "review_count", len(revs))
	return nil
}

// Load returns the stored snapshot for project and date.
func (s *RedisStore) Load(ctx context.Context, project string, date time.Time) ([]reviews.Review, error) {
	key := s.key(project, date)
	if key == "" {
		return nil, &reviews.PersistenceError{Op: "load", Project: project, Key: project, Err: errors.New("invalid project name")}
	}

	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, reviews.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, &reviews.PersistenceError{Op: "load", Project: project, Key: key, Err: fmt.Errorf("redis get: %w", err)}
	}

	revs, err := Decode(data)
	if err != nil {
		return nil, &reviews.PersistenceError{Op: "load", Project: project, Key: key, Err: fmt.Errorf("unmarshal snapshot: %w", err)}
	}
	return revs, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// List returns the snapshot keys stored for project, without the store prefix.
func (s *RedisStore) List(ctx context.Context, project string) ([]string, error) {
	var keys []string
	pattern := globEscaper.Replace(s.prefix+keyPrefix+project+"_") + "*"
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), s.prefix)
		if isProjectKey(key, project) {
			keys = append(keys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
