package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
)

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramProvider sends messages to one Telegram chat, optionally into a forum topic.
type TelegramProvider struct {
	client   *http.Client
	logger   *slog.Logger
	apiURL   string
	token    string
	chatID   string
	topicID  int64
	attempts uint
	delay    time.Duration
}

// NewTelegramProvider creates a new Telegram provider. A zero topicID posts to the main chat.
func NewTelegramProvider(client *http.Client, apiURL, token, chatID string, topicID int64, logger *slog.Logger) *TelegramProvider {
	if apiURL == "" {
		apiURL = DefaultTelegramAPI
	}
	return &TelegramProvider{
		client:   client,
		logger:   logger,
		apiURL:   strings.TrimSuffix(apiURL, "/"),
		token:    token,
		chatID:   chatID,
		topicID:  topicID,
		attempts: 3,
		delay:    time.Second,
	}
}

type telegramSendRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	MessageThreadID       int64  `json:"message_thread_id,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
	ErrorCode int  `json:"error_code"`
	OK        bool `json:"ok"`
}

// TelegramError is an error reported by the Bot API.
type TelegramError struct {
	Description string
	Code        int
	RetryAfter  time.Duration
}

func (e *TelegramError) Error() string {
	return fmt.Sprintf("telegram %d: %s", e.Code, e.Description)
}

func isEntityParseError(err error) bool {
	var tgErr *TelegramError
	return errors.As(err, &tgErr) && tgErr.Code == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(tgErr.Description), "can't parse entities")
}

// Send sends msg as HTML. When Telegram rejects the markup the message is
// re-sent as plain text.
func (p *TelegramProvider) Send(ctx context.Context, msg Message) error {
	err := p.send(ctx, telegramSendRequest{
		ChatID:                p.chatID,
		Text:                  msg.HTML,
		ParseMode:             "HTML",
		MessageThreadID:       p.topicID,
		DisableWebPagePreview: true,
	})
	if err == nil || !isEntityParseError(err) {
		return err
	}

	p.logger.Warn("Telegram rejected HTML, resending as plain text", "chat_id", p.chatID, "error", err)
	text := msg.Text
	if text == "" {
		text = PlainText(msg.HTML)
	}
	return p.send(ctx, telegramSendRequest{
		ChatID:                p.chatID,
		Text:                  text,
		MessageThreadID:       p.topicID,
		DisableWebPagePreview: true,
	})
}

func (p *TelegramProvider) send(ctx context.Context, payload telegramSendRequest) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", p.apiURL, p.token)

	var lastTGErr *TelegramError
	err = retry.Do(
		func() error {
			lastTGErr = nil

			p.logger.Debug("Telegram API request starting",
				"method", "POST",
				"endpoint", "sendMessage",
				"chat_id", p.chatID,
				"topic_id", p.topicID)

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")

			startTime := time.Now()
			resp, err := p.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				// The URL contains the bot token; log only the transport error kind.
				var urlErr *url.Error
				if errors.As(err, &urlErr) {
					err = urlErr.Err
				}
				p.logger.Warn("Telegram API request failed, will retry",
					"chat_id", p.chatID,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					p.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			var result telegramResponse
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
			}

			if !result.OK {
				tgErr := &TelegramError{
					Code:        result.ErrorCode,
					Description: result.Description,
					RetryAfter:  time.Duration(result.Parameters.RetryAfter) * time.Second,
				}
				if tgErr.Code == 0 {
					tgErr.Code = resp.StatusCode
				}
				lastTGErr = tgErr
				p.logger.Warn("Telegram API returned error",
					"chat_id", p.chatID,
					"code", tgErr.Code,
					"description", tgErr.Description)
				if tgErr.Code == http.StatusTooManyRequests || tgErr.Code >= 500 {
					if tgErr.RetryAfter > 0 {
						waitRetryAfter(ctx, tgErr.RetryAfter)
					}
					return tgErr
				}
				return retry.Unrecoverable(tgErr)
			}

			p.logger.Info("Telegram API request completed",
				"endpoint", "sendMessage",
				"chat_id", p.chatID,
				"duration_ms", duration.Milliseconds(),
				"status", "success")
			return nil
		},
		retry.Attempts(p.attempts),
		retry.Delay(p.delay),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(p.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("Retrying Telegram send after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		if lastTGErr != nil {
			return fmt.Errorf("after retries: %w", lastTGErr)
		}
		return fmt.Errorf("after retries: %w", err)
	}
	return nil
}

// waitRetryAfter honors a flood-control hint, capped so a run cannot stall.
func waitRetryAfter(ctx context.Context, d time.Duration) {
	if d > time.Minute {
		d = time.Minute
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// PlainText strips markup from a Telegram HTML message.
func PlainText(htmlText string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlText))
	if err != nil {
		return htmlText
	}
	return strings.TrimSpace(doc.Text())
}
