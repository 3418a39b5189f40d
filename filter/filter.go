// Package filter narrows fetched reviews down to the ones worth notifying about.
package filter

import (
	"errors"
	"fmt"
	"time"

	"review-notifier/pkg/reviews"
)

// MaxRating is the rating at and above which reviews are never reported.
const MaxRating = 5

// naiveLayout is accepted for timestamps without an offset; they are read as UTC.
const naiveLayout = "2006-01-02T15:04:05.999999999"

// Result holds the kept reviews and the items skipped for data-quality reasons.
type Result struct {
	Reviews []reviews.Review
	Skipped []*reviews.DataError
}

// Filter returns the reviews published on refDate (in loc) with a rating below MaxRating
// for products present in active, in input order. Display names come from names.
// Reviews with a missing or malformed timestamp are skipped and reported in Result.Skipped.
func Filter(raw []reviews.RawReview, names reviews.ProductNameIndex, active reviews.ActiveProductSet, refDate time.Time, loc *time.Location) Result {
	var res Result
	year, month, day := refDate.Date()

	for _, r := range raw {
		if r.PublishedAt == "" {
			res.Skipped = append(res.Skipped, &reviews.DataError{SKU: r.SKU, Reason: "missing published_at"})
			continue
		}

		published, err := ParseTimestamp(r.PublishedAt)
		if err != nil {
			res.Skipped = append(res.Skipped, &reviews.DataError{SKU: r.SKU, Reason: "malformed published_at", Err: err})
			continue
		}
		published = published.In(loc)

		y, m, d := published.Date()
		if y != year || m != month || d != day {
			continue
		}
		if r.Rating >= MaxRating {
			continue
		}
		if !active.Contains(r.SKU) {
			continue
		}

		res.Reviews = append(res.Reviews, reviews.Review{
			ProductID:   r.SKU,
			DisplayName: names[r.SKU],
			Comment:     r.Text,
			Rating:      r.Rating,
			PublishedAt: published,
		})
	}

	return res
}

// ParseTimestamp parses an ISO-8601 timestamp with a 'Z' suffix or a numeric offset.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t, nil
	}
	if naive, naiveErr := time.ParseInLocation(naiveLayout, s, time.UTC); naiveErr == nil {
		return naive, nil
	}
	return time.Time{}, fmt.Errorf("parse %q: %w", s, err)
}
