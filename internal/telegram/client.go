// Package telegram delivers notification text through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"nasnotifier/internal/logger"
	"nasnotifier/internal/metrics"
	"nasnotifier/internal/models"
)

// DefaultBaseURL is the public Bot API endpoint
const DefaultBaseURL = "https://api.telegram.org"

// Client errors
var (
	ErrMissingToken  = errors.New("telegram token is required")
	ErrMissingChatID = errors.New("telegram chat id is required")
)

// APIError is a non-2xx answer from the Bot API
type APIError struct {
	StatusCode  int
	Description string

	// RetryAfter is set from the response parameters on 429
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("telegram returned %d: %s", e.StatusCode, e.Description)
	}
	return fmt.Sprintf("telegram returned %d", e.StatusCode)
}

// Temporary reports whether a retry may succeed: server errors and rate limits
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Config holds client configuration
type Config struct {
	Token   string
	ChatID  string
	BaseURL string

	// MaxAttempts is the total number of tries, the first one included
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Timeout applies to each HTTP request
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client sends messages to one chat
type Client struct {
	token          string
	chatID         string
	baseURL        string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	client         *http.Client

	// Metrics
	sent    atomic.Uint64
	dropped atomic.Uint64
	retries atomic.Uint64
}

// NewClient creates a client. Zero-valued retry settings get defaults.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = 30 * cfg.InitialBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		token:          cfg.Token,
		chatID:         cfg.ChatID,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		client:         cfg.HTTPClient,
	}
}

// Validate ensures we have enough configuration to send anything
func (c *Client) Validate() error {
	if c.token == "" {
		return ErrMissingToken
	}
	if c.chatID == "" {
		return ErrMissingChatID
	}
	return nil
}

// Name identifies the client as a delivery publisher
func (c *Client) Name() string { return "telegram" }

// Publish delivers a notification's text
func (c *Client) Publish(ctx context.Context, n *models.Notification) error {
	return c.Send(ctx, n.Text)
}

// Send delivers text, retrying transient failures with exponential backoff up
// to the attempt ceiling. On exhaustion or a permanent error the message is
// given up and a *models.DeliveryError is returned.
func (c *Client) Send(ctx context.Context, text string) error {
	log := logger.WithComponent("telegram")
	var lastErr error
	backoff := c.initialBackoff

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			wait := backoff
			var apiErr *APIError
			if errors.As(lastErr, &apiErr) && apiErr.RetryAfter > 0 {
				wait = apiErr.RetryAfter
			}
			if wait > c.maxBackoff {
				wait = c.maxBackoff
			}

			log.Warn().
				Int("attempt", attempt).
				Dur("backoff", wait).
				Msg("retrying telegram send")

			c.retries.Add(1)
			metrics.TelegramRetries.Inc()

			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				c.dropped.Add(1)
				return &models.DeliveryError{Attempts: attempt - 1, Err: ctx.Err()}
			}

			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
		}

		err := c.post(ctx, text)
		if err == nil {
			metrics.TelegramRequestsTotal.WithLabelValues("ok").Inc()
			c.sent.Add(1)
			return nil
		}
		lastErr = err

		if !isTransient(err) || ctx.Err() != nil {
			metrics.TelegramRequestsTotal.WithLabelValues("permanent").Inc()
			c.dropped.Add(1)
			log.Error().Err(err).Int("attempt", attempt).Msg("telegram send failed permanently")
			return &models.DeliveryError{Attempts: attempt, Err: err}
		}

		metrics.TelegramRequestsTotal.WithLabelValues("transient").Inc()
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Msg("telegram send attempt failed")
	}

	c.dropped.Add(1)
	log.Error().
		Err(lastErr).
		Int("max_attempts", c.maxAttempts).
		Msg("telegram send failed after all retries")

	return &models.DeliveryError{Attempts: c.maxAttempts, Err: lastErr}
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	// transport level: connection refused, reset, timeouts
	return true
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (c *Client) post(ctx context.Context, text string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                c.chatID,
		Text:                  text,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %w", redact(err, c.token))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var parsed apiResponse
	if data, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); readErr == nil {
		if json.Unmarshal(data, &parsed) == nil {
			apiErr.Description = parsed.Description
			if parsed.Parameters.RetryAfter > 0 {
				apiErr.RetryAfter = time.Duration(parsed.Parameters.RetryAfter) * time.Second
			}
		}
	}
	return apiErr
}

func (c *Client) endpoint() string {
	return fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
}

// redact keeps the bot token, which is part of the URL, out of error strings
func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "<redacted>"))
}

// Stats returns client statistics
func (c *Client) Stats() Stats {
	return Stats{
		Sent:    c.sent.Load(),
		Dropped: c.dropped.Load(),
		Retries: c.retries.Load(),
	}
}

// Stats holds client metrics
type Stats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
	Retries uint64 `json:"retries"`
}
