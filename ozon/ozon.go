// Package ozon fetches product reviews from the Ozon Seller API.
package ozon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"review-notifier/pkg/reviews"
)

// DefaultBaseURL is the production Seller API endpoint.
const DefaultBaseURL = "https://api-seller.ozon.ru"

const (
	reviewListPath = "/v1/review/list"
	maxPageLimit   = 100
)

// Credentials identify one seller account.
type Credentials struct {
	ClientID string
	APIKey   string
}

// StatusError is a non-2xx response from the API.
type StatusError struct {
	Body       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// IsAuthError reports whether err is a rejected-credentials response.
func IsAuthError(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) &&
		(statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden)
}

type listRequest struct {
	SortDir string `json:"sort_dir"`
	Status  string `json:"status"`
	LastID  string `json:"last_id,omitempty"`
	Limit   int    `json:"limit"`
}

type listResponse struct {
	Reviews *[]reviews.RawReview `json:"reviews"`
	LastID  string               `json:"last_id"`
	HasNext bool                 `json:"has_next"`
}

// Client fetches reviews.
type Client struct {
	client   *http.Client
	logger   *slog.Logger
	baseURL  string
	limit    int
	maxPages int
	attempts uint
	delay    time.Duration
}

// New creates a new review API client. limit is the page size (at most 100) and
// maxPages bounds how many pages a single Fetch reads.
func New(client *http.Client, baseURL string, limit, maxPages int, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if limit <= 0 || limit > maxPageLimit {
		limit = maxPageLimit
	}
	if maxPages <= 0 {
		maxPages = 1
	}
	return &Client{
		client:   client,
		logger:   logger,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		limit:    limit,
		maxPages: maxPages,
		attempts: 3,
		delay:    time.Second,
	}
}

// Fetch returns the newest reviews of a seller account, newest first.
// Errors are returned as *reviews.FetchError.
func (c *Client) Fetch(ctx context.Context, project string, creds Credentials) ([]reviews.RawReview, error) {
	var all []reviews.RawReview
	lastID := ""

	for page := 1; page <= c.maxPages; page++ {
		resp, err := c.fetchPage(ctx, creds, lastID)
		if err != nil {
			return nil, &reviews.FetchError{Service: "review api", Project: project, Err: fmt.Errorf("page %d: %w", page, err)}
		}
		all = append(all, *resp.Reviews...)

		c.logger.Info("Review page fetched",
			"project", project,
			"page", page,
			"reviews_on_page", len(*resp.Reviews),
			"has_next", resp.HasNext)

		if !resp.HasNext || resp.LastID == "" {
			break
		}
		lastID = resp.LastID
	}

	return all, nil
}

func (c *Client) fetchPage(ctx context.Context, creds Credentials, lastID string) (*listResponse, error) {
	body, err := json.Marshal(listRequest{
		SortDir: "DESC",
		Status:  "ALL",
		LastID:  lastID,
		Limit:   c.limit,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + reviewListPath
	var result *listResponse

	err = retry.Do(
		func() error {
			c.logger.Debug("HTTP request starting",
				"method", "POST",
				"url", endpoint,
				"purpose", "list_reviews")

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Client-Id", creds.ClientID)
			req.Header.Set("Api-Key", creds.APIKey)

			startTime := time.Now()
			resp, err := c.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				c.logger.Warn("HTTP request failed, will retry",
					"url", endpoint,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Info("HTTP request completed",
				"url", endpoint,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
				if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
					return retry.Unrecoverable(statusErr)
				}
				c.logger.Warn("HTTP request returned non-OK status, will retry", "status_code", resp.StatusCode)
				return statusErr
			}

			var parsed listResponse
			if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
			}
			if parsed.Reviews == nil {
				return retry.Unrecoverable(errors.New("response has no reviews field"))
			}
			result = &parsed
			return nil
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(c.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying review fetch after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}

	return result, nil
}
