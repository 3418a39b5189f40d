// Package storage handles persistence of daily review snapshots.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"review-notifier/pkg/reviews"
)

const keyPrefix = "reviews_"

// Store persists one snapshot per project and day, either on the local
// filesystem or in a Cloud Storage bucket.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new snapshot store. When localPath is set the bucket is ignored.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// SnapshotKey returns the object name for a project and day.
// It returns "" when the project name could escape the storage directory.
func SnapshotKey(project string, date time.Time) string {
	if !validProject(project) {
		return ""
	}
	return fmt.Sprintf("%s%s_%s.json", keyPrefix, project, date.Format(time.DateOnly))
}

func validProject(project string) bool {
	return reviews.ValidProjectName(project)
}

// isProjectKey reports whether key names a snapshot of exactly project.
func isProjectKey(key, project string) bool {
	day, ok := strings.CutPrefix(key, keyPrefix+project+"_")
	if !ok {
		return false
	}
	day, ok = strings.CutSuffix(day, ".json")
	if !ok {
		return false
	}
	_, err := time.Parse(time.DateOnly, day)
	return err == nil
}

// Encode renders reviews in the on-disk snapshot format.
func Encode(revs []reviews.Review) ([]byte, error) {
	if revs == nil {
		revs = []reviews.Review{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reviews.Snapshot{Reviews: revs}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses the on-disk snapshot format.
func Decode(data []byte) ([]reviews.Review, error) {
	var snap reviews.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if snap.Reviews == nil {
		return []reviews.Review{}, nil
	}
	return snap.Reviews, nil
}

// Save replaces the snapshot for project and date with revs.
func (s *Store) Save(ctx context.Context, project string, date time.Time, revs []reviews.Review) error {
	key := SnapshotKey(project, date)
	if key == "" {
		return &reviews.PersistenceError{Op: "save", Project: project, Key: project, Err: errors.New("invalid project name")}
	}
	s.logger.Debug("Saving snapshot", "key", key, "project", project)

	data, err := Encode(revs)
	if err != nil {
		return &reviews.PersistenceError{Op: "save", Project: project, Key: key, Err: fmt.Errorf("marshal snapshot: %w", err)}
	}

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := writeFileAtomic(filePath, data); err != nil {
			return &reviews.PersistenceError{Op: "save", Project: project, Key: key, Err: err}
		}
		s.logger.Info("Snapshot saved to local storage", "path", filePath, "project", project, "review_count", len(revs))
		return nil
	}

	// Cloud Storage object writes become visible only after a successful Close.
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json; charset=utf-8"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return &reviews.PersistenceError{Op: "save", Project: project, Key: key, Err: fmt.Errorf("save after retries: %w", err)}
	}

	s.logger.Info("Snapshot saved", "key", key, "project", project, "review_count", len(revs))
	return nil
}

// Load returns the stored snapshot for project and date.
// It returns reviews.ErrSnapshotNotFound when nothing was stored yet.
func (s *Store) Load(ctx context.Context, project string, date time.Time) ([]reviews.Review, error) {
	key := SnapshotKey(project, date)
	if key == "" {
		return nil, &reviews.PersistenceError{Op: "load", Project: project, Key: project, Err: errors.New("invalid project name")}
	}

	var data []byte

	if s.localPath != "" {
		var err error
		filePath := filepath.Join(s.localPath, key)
		data, err = os.ReadFile(filePath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, reviews.ErrSnapshotNotFound
			}
			return nil, &reviews.PersistenceError{Op: "load", Project: project, Key: key, Err: fmt.Errorf("read from local storage: %w", err)}
		}
	} else {
		var readData []byte
		notFound := false
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						notFound = true
						return nil
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				readData, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(2*time.Minute),
			retry.MaxJitter(10*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
			}),
		)
		if err != nil {
			return nil, &reviews.PersistenceError{Op: "load", Project: project, Key: key, Err: fmt.Errorf("load after retries: %w", err)}
		}
		if notFound {
			return nil, reviews.ErrSnapshotNotFound
		}
		data = readData
	}

	revs, err := Decode(data)
	if err != nil {
		return nil, &reviews.PersistenceError{Op: "load", Project: project, Key: key, Err: fmt.Errorf("unmarshal snapshot: %w", err)}
	}
	return revs, nil
}

// List returns the snapshot keys stored for project, oldest day first.
func (s *Store) List(ctx context.Context, project string) ([]string, error) {
	prefix := keyPrefix + project + "_"
	var keys []string

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !isProjectKey(entry.Name(), project) {
				continue
			}
			keys = append(keys, entry.Name())
		}
		return keys, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if isProjectKey(attrs.Name, project) {
			keys = append(keys, attrs.Name)
		}
	}
	return keys, nil
}

// writeFileAtomic writes data to a temporary file next to path and renames it
// into place, so readers never observe a partially written snapshot.
func writeFileAtomic(path string, data []byte) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmp, 0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
