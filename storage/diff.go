package storage

import "review-notifier/pkg/reviews"

// Diff returns the entries of current that are not in previous, in the order of current.
// When found is false there was no earlier snapshot today and everything is new.
//
// Snapshots only hold the latest fetch of the current day, so this detects reviews
// added since the last run today, not since the beginning of time.
func Diff(current, previous []reviews.Review, found bool) []reviews.Review {
	if !found {
		return append([]reviews.Review(nil), current...)
	}

	seen := make(map[string]struct{}, len(previous))
	for _, r := range previous {
		seen[r.Key()] = struct{}{}
	}

	var fresh []reviews.Review
	for _, r := range current {
		if _, ok := seen[r.Key()]; ok {
			continue
		}
		fresh = append(fresh, r)
	}
	return fresh
}
