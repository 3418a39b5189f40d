// Package cli implements the review-notifier command line: one-shot runs, the HTTP service
// and snapshot inspection.
package cli
