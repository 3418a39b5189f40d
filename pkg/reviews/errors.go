package reviews

import (
	"errors"
	"fmt"
)

// ErrSnapshotNotFound indicates no snapshot was stored for a project and day yet.
// This is the normal state on the first run of a day and is not a failure.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Error kinds used in reports and metrics.
const (
	KindTransient   = "transient"
	KindData        = "data"
	KindReference   = "reference"
	KindPersistence = "persistence"
	KindUnknown     = "unknown"
)

// FetchError is a network or API failure talking to an upstream service.
type FetchError struct {
	Err     error
	Service string
	Project string
}

func (e *FetchError) Error() string {
	if e.Project != "" {
		return fmt.Sprintf("%s (project %s): %v", e.Service, e.Project, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DataError describes a single malformed review.
type DataError struct {
	Err    error
	Reason string
	SKU    int64
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("review sku %d: %s: %v", e.SKU, e.Reason, e.Err)
	}
	return fmt.Sprintf("review sku %d: %s", e.SKU, e.Reason)
}

func (e *DataError) Unwrap() error { return e.Err }

// ReferenceError is a failure reading the product reference data of a group.
type ReferenceError struct {
	Err   error
	Group string
	Sheet string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("reference data for group %s (sheet %s): %v", e.Group, e.Sheet, e.Err)
}

func (e *ReferenceError) Unwrap() error { return e.Err }

// PersistenceError is a failure reading or writing a snapshot.
type PersistenceError struct {
	Err     error
	Op      string // "load" or "save"
	Project string
	Key     string
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("snapshot %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Kind classifies err into one of the Kind constants.
func Kind(err error) string {
	var (
		fetchErr *FetchError
		dataErr  *DataError
		refErr   *ReferenceError
		persErr  *PersistenceError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &refErr):
		return KindReference
	case errors.As(err, &persErr):
		return KindPersistence
	case errors.As(err, &fetchErr):
		return KindTransient
	case errors.As(err, &dataErr):
		return KindData
	default:
		return KindUnknown
	}
}
