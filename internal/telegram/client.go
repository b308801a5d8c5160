// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

// Package telegram is a minimal Telegram Bot API client: sendMessage for
// delivery plus getMe and getUpdates for diagnostics. Every call goes
// through a circuit breaker so a Bot API outage fails fast instead of
// tying up queue workers for the full HTTP timeout.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// MaxMessageLength is the Bot API limit for message text.
const MaxMessageLength = 4096

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// Config configures a Client.
type Config struct {
	Token   string
	BaseURL string
	// Timeout bounds each HTTP request. Defaults to 5s.
	Timeout time.Duration

	// Breaker tuning. Zero values use the defaults below.
	BreakerName        string
	BreakerMinRequests uint32
	BreakerFailureRate float64
	BreakerOpenTimeout time.Duration
}

// Client calls the Bot API.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	cb      *gobreaker.CircuitBreaker[*apiResponse]
	logger  zerolog.Logger
}

// NewClient creates a Client.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	logger = logger.With().Str("component", "telegram").Logger()
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		cb:      newBreaker(cfg, logger),
		logger:  logger,
	}
}

// SendMessageRequest is the sendMessage body.
type SendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

// Message is the subset of a sent message the engine keeps.
type Message struct {
	MessageID int64 `json:"message_id"`
	Chat      Chat  `json:"chat"`
	Date      int64 `json:"date"`
}

// Chat identifies a chat.
type Chat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
}

// User is a Bot API user, as returned by getMe.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// Update is one getUpdates entry.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type apiResponse struct {
	OK          bool               `json:"ok"`
	Result      json.RawMessage    `json:"result,omitempty"`
	ErrorCode   int                `json:"error_code,omitempty"`
	Description string             `json:"description,omitempty"`
	Parameters  *responseParameter `json:"parameters,omitempty"`
}

type responseParameter struct {
	RetryAfter int `json:"retry_after,omitempty"`
}

// SendMessage sends text to chatID and returns the Bot API message ID.
// Text longer than MaxMessageLength is truncated.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text, parseMode string) (int64, error) {
	req := SendMessageRequest{
		ChatID:                chatID,
		Text:                  truncate(text, MaxMessageLength),
		ParseMode:             parseMode,
		DisableWebPagePreview: true,
	}
	var msg Message
	if err := c.call(ctx, "sendMessage", req, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// ValidateBot calls getMe and returns the bot identity. It fails when the
// token is wrong.
func (c *Client) ValidateBot(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, "getMe", nil, &u); err != nil {
		return nil, err
	}
	if !u.IsBot {
		return nil, fmt.Errorf("getMe: account %d is not a bot", u.ID)
	}
	return &u, nil
}

// GetUpdates polls pending updates. It is a diagnostic; the engine does not
// consume updates.
func (c *Client) GetUpdates(ctx context.Context, offset int64, limit int) ([]Update, error) {
	body := map[string]any{"offset": offset, "limit": limit, "timeout": 0}
	var updates []Update
	if err := c.call(ctx, "getUpdates", body, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (c *Client) call(ctx context.Context, method string, body, out any) error {
	resp, err := c.cb.Execute(func() (*apiResponse, error) {
		return c.do(ctx, method, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("telegram %s: %w", method, ErrCircuitOpen)
	}
	if err != nil {
		return err
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method string, body any) (*apiResponse, error) {
	endpoint := c.baseURL + "/bot" + c.token + "/" + method

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("telegram %s: marshal: %w", method, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("telegram %s: build request: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		// url.Error embeds the request URL, which carries the token.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("telegram %s: %w", method, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("telegram %s: read response: %w", method, err)
	}

	var resp apiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		if httpResp.StatusCode >= 400 {
			return nil, &APIError{Method: method, Code: httpResp.StatusCode, Description: http.StatusText(httpResp.StatusCode)}
		}
		return nil, fmt.Errorf("telegram %s: decode response: %w", method, err)
	}
	if !resp.OK {
		apiErr := &APIError{Method: method, Code: resp.ErrorCode, Description: resp.Description}
		if apiErr.Code == 0 {
			apiErr.Code = httpResp.StatusCode
		}
		if resp.Parameters != nil {
			apiErr.RetryAfterSeconds = resp.Parameters.RetryAfter
		}
		return nil, apiErr
	}
	return &resp, nil
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
