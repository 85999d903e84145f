// Package upstream implements the HTTP/JSON client for the source message
// API: login, message fetch and health probing. Paths and payload fields are
// treated as an opaque boundary; the client only assumes a bearer-token login
// and a list of row objects from the fetch call.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"sms-code-relay-go/internal/config"
	"sms-code-relay-go/internal/models"
)

const (
	loginPath  = "/api/v1/auth/login"
	fetchPath  = "/api/v1/biring/code"
	healthPath = "/api/v1/health"
)

// LoginError indicates a failed login: bad credentials, unreachable API or a
// response without a usable token. The account is skipped for the cycle.
type LoginError struct {
	Account string
	Reason  string
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login failed for %s: %s", e.Account, e.Reason)
}

// Client talks to one upstream API instance
type Client struct {
	baseURL      string
	apiKey       string
	loginTimeout time.Duration
	fetchTimeout time.Duration
	http         *http.Client
}

// NewClient creates an upstream client from configuration.
func NewClient(cfg *config.UpstreamConfig) *Client {
	loginTimeout := cfg.LoginTimeout
	if loginTimeout <= 0 {
		loginTimeout = 90 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		loginTimeout: loginTimeout,
		fetchTimeout: clampFetchTimeout(cfg.FetchTimeout),
		http:         &http.Client{},
	}
}

func clampFetchTimeout(d time.Duration) time.Duration {
	if d < 15*time.Second {
		return 15 * time.Second
	}
	if d > 300*time.Second {
		return 300 * time.Second
	}
	return d
}

// SetBase swaps the endpoint and key after a runtime config reload.
func (c *Client) SetBase(baseURL, apiKey string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
	c.apiKey = apiKey
}

func (c *Client) addHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(c.apiKey); key != "" {
		req.Header.Set("X-API-Key", key)
	}
}

// Login exchanges account credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})

	ctx, cancel := context.WithTimeout(ctx, c.loginTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return "", &LoginError{Account: email, Reason: err.Error()}
	}
	c.addHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &LoginError{Account: email, Reason: ClassifyNetError(err)}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var payload map[string]any
	_ = json.Unmarshal(raw, &payload)

	if resp.StatusCode != http.StatusOK {
		reason := extractLoginError(payload)
		if reason == "" {
			reason = shortText(string(raw), 220)
		}
		if reason == "" {
			reason = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return "", &LoginError{Account: email, Reason: reason}
	}

	token := extractLoginToken(payload)
	if token == "" {
		return "", &LoginError{Account: email, Reason: "response missing token"}
	}
	return token, nil
}

// FetchMessages pulls candidate message rows for one token. A limit of zero
// or less means unlimited.
func (c *Client) FetchMessages(ctx context.Context, token, startDate string, limit int) ([]models.Message, error) {
	body, _ := json.Marshal(map[string]string{"token": token, "start_date": startDate})

	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+fetchPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}
	c.addHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch request failed (%s): %w", ClassifyNetError(err), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read fetch response: %w", err)
	}

	var payload struct {
		Data struct {
			Messages []map[string]any `json:"messages"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("invalid json response (status %d): %s", resp.StatusCode, shortText(string(raw), 220))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch failed (status %d): %s", resp.StatusCode, shortText(string(raw), 220))
	}

	rows := payload.Data.Messages
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	messages := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, models.MessageFromRow(row))
	}
	return messages, nil
}

// CheckHealth probes the upstream health endpoint, logging the outcome.
func (c *Client) CheckHealth(ctx context.Context) bool {
	endpoint := c.baseURL + healthPath

	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}

	resp, err := c.http.Do(req)
	if err != nil {
		logrus.Errorf("api health failed | endpoint=%s | reason=%s | error=%s",
			endpoint, ClassifyNetError(err), shortText(err.Error(), 220))
		return false
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		logrus.Warnf("api health responded non-200 | endpoint=%s | status=%d | body=%s",
			endpoint, resp.StatusCode, shortText(string(raw), 220))
		return false
	}

	logrus.Infof("api health ok | endpoint=%s | body=%s", endpoint, shortText(string(raw), 220))
	return true
}

// tokenKeys are the accepted token field names, checked at the top level and
// under "data" / "result".
var tokenKeys = []string{"token", "access_token", "session_token", "api_token", "jwt"}

func extractLoginToken(payload map[string]any) string {
	candidates := []map[string]any{payload}
	for _, key := range []string{"data", "result"} {
		if nested, ok := payload[key].(map[string]any); ok {
			candidates = append(candidates, nested)
		}
	}
	for _, candidate := range candidates {
		for _, key := range tokenKeys {
			if v, ok := candidate[key].(string); ok {
				if s := strings.TrimSpace(v); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func extractLoginError(payload map[string]any) string {
	for _, key := range []string{"message", "error", "detail", "errors"} {
		if v, ok := payload[key]; ok && v != nil {
			if s := strings.TrimSpace(fmt.Sprintf("%v", v)); s != "" {
				return shortText(s, 220)
			}
		}
	}
	return ""
}

// ClassifyNetError maps a transport error to a coarse reason for logs.
func ClassifyNetError(err error) string {
	low := strings.ToLower(err.Error())
	switch {
	case strings.Contains(low, "no such host") || strings.Contains(low, "name resolution"):
		return "dns_error"
	case strings.Contains(low, "deadline exceeded") || strings.Contains(low, "timeout"):
		return "timeout"
	case strings.Contains(low, "connection refused"):
		return "connection_refused"
	default:
		return "network_error"
	}
}

func shortText(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
