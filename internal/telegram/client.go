// Package telegram implements the destination messaging client over the Bot
// API: sending new posts and editing previously delivered ones. Errors
// distinguish rate limiting (with retry-after), permanently gone destinations
// and everything else.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sms-code-relay-go/internal/config"
)

// ErrDestinationGone indicates the chat no longer accepts messages: deleted,
// deactivated, or the bot was removed. The destination is blacklisted for the
// process lifetime.
var ErrDestinationGone = errors.New("destination gone")

// RateLimitedError carries the retry-after hint from a 429 response.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// APIError is any other Bot API rejection.
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api error %d: %s", e.Code, e.Description)
}

// Client is the Bot API client
type Client struct {
	botToken string
	apiBase  string
	http     *http.Client
}

// NewClient creates a Bot API client from configuration.
func NewClient(cfg *config.TelegramConfig) *Client {
	return &Client{
		botToken: cfg.BotToken,
		apiBase:  strings.TrimRight(cfg.APIBase, "/"),
		http:     &http.Client{Timeout: cfg.RequestTimeout},
	}
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
	Result struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// Send posts a new message with a copy button and returns its message id.
func (c *Client) Send(ctx context.Context, chatID, text, copyValue string) (int64, error) {
	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "MarkdownV2",
		"reply_markup":             copyKeyboard(copyValue),
		"disable_web_page_preview": true,
	}

	resp, err := c.call(ctx, "sendMessage", payload)
	if err != nil {
		return 0, err
	}
	if resp.OK {
		return resp.Result.MessageID, nil
	}

	// Retry with a share-URL button when copy_text is unsupported by the
	// current Bot API environment.
	payload["reply_markup"] = shareKeyboard(copyValue)
	resp, err = c.call(ctx, "sendMessage", payload)
	if err != nil {
		return 0, err
	}
	if resp.OK {
		return resp.Result.MessageID, nil
	}
	return 0, classify(resp)
}

// Edit rewrites a previously sent message in place. A "message is not
// modified" rejection counts as success and returns the original id.
func (c *Client) Edit(ctx context.Context, chatID string, messageID int64, text, copyValue string) (int64, error) {
	payload := map[string]any{
		"chat_id":                  chatID,
		"message_id":               messageID,
		"text":                     text,
		"parse_mode":               "MarkdownV2",
		"reply_markup":             copyKeyboard(copyValue),
		"disable_web_page_preview": true,
	}

	resp, err := c.call(ctx, "editMessageText", payload)
	if err != nil {
		return 0, err
	}
	if resp.OK {
		return editResultID(resp, messageID), nil
	}
	if notModified(resp) {
		return messageID, nil
	}

	payload["reply_markup"] = shareKeyboard(copyValue)
	resp, err = c.call(ctx, "editMessageText", payload)
	if err != nil {
		return 0, err
	}
	if resp.OK {
		return editResultID(resp, messageID), nil
	}
	if notModified(resp) {
		return messageID, nil
	}
	return 0, classify(resp)
}

func (c *Client) call(ctx context.Context, method string, payload map[string]any) (*apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", method, err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("invalid %s response: %w", method, err)
	}
	return &out, nil
}

func editResultID(resp *apiResponse, fallback int64) int64 {
	if resp.Result.MessageID != 0 {
		return resp.Result.MessageID
	}
	return fallback
}

func notModified(resp *apiResponse) bool {
	return strings.Contains(strings.ToLower(resp.Description), "message is not modified")
}

// goneMarkers are Bot API descriptions that mean the chat will never accept
// messages again.
var goneMarkers = []string{
	"chat not found",
	"bot was kicked",
	"bot was blocked",
	"chat was deactivated",
	"user is deactivated",
}

func classify(resp *apiResponse) error {
	if resp.Parameters.RetryAfter > 0 || resp.ErrorCode == http.StatusTooManyRequests {
		after := time.Duration(resp.Parameters.RetryAfter) * time.Second
		if after <= 0 {
			after = time.Second
		}
		return &RateLimitedError{RetryAfter: after}
	}
	low := strings.ToLower(resp.Description)
	for _, marker := range goneMarkers {
		if strings.Contains(low, marker) {
			return fmt.Errorf("%w: %s", ErrDestinationGone, resp.Description)
		}
	}
	return &APIError{Code: resp.ErrorCode, Description: resp.Description}
}

func copyKeyboard(copyValue string) map[string]any {
	return map[string]any{
		"inline_keyboard": [][]map[string]any{{
			{
				"text":      copyValue,
				"style":     "success",
				"copy_text": map[string]string{"text": copyValue},
			},
		}},
	}
}

func shareKeyboard(copyValue string) map[string]any {
	return map[string]any{
		"inline_keyboard": [][]map[string]any{{
			{
				"text":  copyValue,
				"style": "success",
				"url":   "https://t.me/share/url?url=" + url.QueryEscape(copyValue),
			},
		}},
	}
}
