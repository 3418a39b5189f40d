// Package notify delivers review alerts and operational reports to chat or email channels.
package notify

import (
	"context"
	"log/slog"

	"review-notifier/pkg/reviews"
)

// Message is a channel-independent notification.
type Message struct {
	Subject string // Used by email providers
	HTML    string // Telegram-compatible HTML subset
	Text    string // Plain text rendering of HTML
}

// Provider defines the interface for message delivery implementations.
type Provider interface {
	// Send delivers msg to the provider's configured destination.
	Send(ctx context.Context, msg Message) error
}

// Sender routes review alerts to the team channel and reports to the admin channel.
type Sender struct {
	team   Provider
	admin  Provider
	logger *slog.Logger
}

// New creates a new sender.
func New(team, admin Provider, logger *slog.Logger) *Sender {
	return &Sender{
		team:   team,
		admin:  admin,
		logger: logger,
	}
}

// ReviewAlert posts one new review to the team channel.
// Delivery errors are logged and returned as *reviews.FetchError for accounting.
func (s *Sender) ReviewAlert(ctx context.Context, project string, r reviews.Review) error {
	msg := formatReviewAlert(project, r)

	s.logger.Info("Sending review alert",
		"project", project,
		"sku", r.ProductID,
		"rating", r.Rating)

	if err := s.team.Send(ctx, msg); err != nil {
		s.logger.Error("Failed to deliver review alert",
			"project", project,
			"sku", r.ProductID,
			"error", err)
		return &reviews.FetchError{Service: "team channel", Project: project, Err: err}
	}
	return nil
}

// AdminReport posts an operational error to the admin channel.
// Delivery failures are only logged.
func (s *Sender) AdminReport(ctx context.Context, scope string, reportErr error) {
	msg := formatAdminReport(scope, reportErr)

	if err := s.admin.Send(ctx, msg); err != nil {
		s.logger.Error("Failed to deliver admin report",
			"scope", scope,
			"report", reportErr,
			"error", err)
		return
	}
	s.logger.Info("Admin report sent", "scope", scope, "kind", reviews.Kind(reportErr))
}
