// Package reviews contains the core domain types for the review notification service.
package reviews

import (
	"strconv"
	"strings"
	"time"
)

// ActiveThreshold is the remaining stock a product must exceed to be monitored.
const ActiveThreshold = 12

// MaxProjectNameLen bounds project names, which end up in snapshot keys.
const MaxProjectNameLen = 128

// ValidProjectName reports whether name can be used as a snapshot key component.
func ValidProjectName(name string) bool {
	if name == "" || len(name) > MaxProjectNameLen || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`+"\x00")
}

// RawReview is a review as returned by the marketplace API.
type RawReview struct {
	ID          string `json:"id"`
	SKU         int64  `json:"sku"`
	Text        string `json:"text"`
	PublishedAt string `json:"published_at"`
	Status      string `json:"status"`
	Rating      int    `json:"rating"`
}

// Review is a filtered review worth notifying about.
// Two reviews are the same review iff every field is equal.
type Review struct {
	PublishedAt time.Time `json:"published_at"` // In the reference timezone
	DisplayName string    `json:"display_name,omitempty"`
	Comment     string    `json:"comment"`
	ProductID   int64     `json:"product_id"`
	Rating      int       `json:"rating"`
}

// Equal reports whether r and o describe the same review.
func (r Review) Equal(o Review) bool {
	return r.ProductID == o.ProductID &&
		r.DisplayName == o.DisplayName &&
		r.Comment == o.Comment &&
		r.Rating == o.Rating &&
		r.PublishedAt.Equal(o.PublishedAt)
}

// Key returns a comparable value identifying the review by all of its fields.
// Timestamps are normalized to UTC so that location does not affect identity.
func (r Review) Key() string {
	return strconv.FormatInt(r.ProductID, 10) + "\x00" +
		r.DisplayName + "\x00" +
		r.Comment + "\x00" +
		strconv.Itoa(r.Rating) + "\x00" +
		r.PublishedAt.UTC().Format(time.RFC3339Nano)
}

// ProductNameIndex maps product ID to display name.
type ProductNameIndex map[int64]string

// ActiveProductSet maps product ID to remaining quantity for products above the threshold.
type ActiveProductSet map[int64]int

// Contains reports whether the product is active.
func (s ActiveProductSet) Contains(productID int64) bool {
	_, ok := s[productID]
	return ok
}

// ReferenceData is the per-group data shared by all projects of the group.
type ReferenceData struct {
	Names  ProductNameIndex
	Active ActiveProductSet
}

// Snapshot is the persisted set of already notified reviews for a project on one day.
type Snapshot struct {
	Date    time.Time `json:"-"`
	Project string    `json:"-"`
	Reviews []Review  `json:"reviews"`
}
