package notify

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// GmailProvider sends messages as email via Gmail API.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
	to      string
	delay   time.Duration
}

// NewGmailProvider creates a new Gmail provider delivering to the given address.
func NewGmailProvider(service *gmail.Service, to string, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		logger:  logger,
		to:      to,
		delay:   time.Second,
	}
}

// sanitizeEmailHeader drops control characters so values cannot add headers.
func sanitizeEmailHeader(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// emailBody wraps a Telegram-style HTML message into an HTML document.
func emailBody(msgHTML string) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n</head>\n")
	b.WriteString("<body style=\"font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6;\">\n")
	b.WriteString(strings.ReplaceAll(msgHTML, "\n", "<br>\n"))
	b.WriteString("\n</body>\n</html>")
	return b.String()
}

// Send delivers msg to the provider's recipient. Client errors other than rate limiting are not retried.
func (g *GmailProvider) Send(ctx context.Context, msg Message) error {
	to := sanitizeEmailHeader(g.to)
	raw := buildMIME(to, sanitizeEmailHeader(msg.Subject), emailBody(msg.HTML))

	attempt := 0
	return retry.Do(
		func() error {
			attempt++
			start := time.Now()
			_, err := g.service.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
			if err == nil {
				g.logger.Info("Email delivered", "to", to, "attempt", attempt, "duration_ms", time.Since(start).Milliseconds())
				return nil
			}
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 429 {
				g.logger.Error("Gmail rejected email", "to", to, "status", apiErr.Code, "error", err)
				return retry.Unrecoverable(err)
			}
			g.logger.Warn("Email delivery failed", "to", to, "attempt", attempt, "error", err)
			return err
		},
		retry.Attempts(3),
		retry.Delay(g.delay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(g.delay),
		retry.Context(ctx),
	)
}

// buildMIME returns the base64url encoded message Gmail expects. From is filled in by Gmail.
func buildMIME(to, subject, body string) string {
	var b strings.Builder
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: =?UTF-8?B?" + base64.StdEncoding.EncodeToString([]byte(subject)) + "?=\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	return base64.URLEncoding.EncodeToString([]byte(b.String()))
}
