package config

import (
	"strconv"
	"strings"
	"time"
)

// Runtime holds the hot-reloadable settings the admin side writes into the
// storage KV. The poll loop re-reads them whenever the update marker changes.
type Runtime struct {
	APIBaseURL   string
	APIKey       string
	SessionToken string
	StartDate    string
	Limit        int
	PollInterval time.Duration
	FetchEnabled bool
	UpdateMarker string
}

// RuntimeDefaults are the static-config fallbacks used when the stored
// runtime record omits a field.
type RuntimeDefaults struct {
	APIBaseURL   string
	APIKey       string
	SessionToken string
	StartDate    string
	Limit        int
	PollInterval time.Duration
}

const (
	minPollInterval = 5 * time.Second
	maxPollInterval = 300 * time.Second
	maxFetchLimit   = 10000
)

// RuntimeFromMap resolves a stored runtime-config record against defaults.
func RuntimeFromMap(raw map[string]any, def RuntimeDefaults) Runtime {
	rt := Runtime{
		APIBaseURL:   strings.TrimRight(stringField(raw, "api_base_url", def.APIBaseURL), "/"),
		APIKey:       stringField(raw, "api_key", def.APIKey),
		SessionToken: stringField(raw, "api_session_token", def.SessionToken),
		StartDate:    NormalizeStartDate(stringField(raw, "messages_start_date", def.StartDate)),
		Limit:        ClampLimit(intField(raw, "bot_limit", def.Limit)),
		PollInterval: clampInterval(intervalField(raw, "poll_interval_seconds", def.PollInterval)),
		FetchEnabled: boolField(raw, "fetch_codes_enabled", true),
		UpdateMarker: stringField(raw, "messages_update_requested_at", ""),
	}
	return rt
}

// ClampLimit bounds a per-source fetch limit. Zero or negative means
// unlimited and is kept as 0.
func ClampLimit(n int) int {
	if n <= 0 {
		return 0
	}
	if n > maxFetchLimit {
		return maxFetchLimit
	}
	return n
}

func clampInterval(d time.Duration) time.Duration {
	if d < minPollInterval {
		return minPollInterval
	}
	if d > maxPollInterval {
		return maxPollInterval
	}
	return d
}

// NormalizeStartDate validates a YYYY-MM-DD string, zero-padding month and
// day. Anything unparseable falls back to today.
func NormalizeStartDate(raw string) string {
	v := strings.TrimSpace(raw)
	parts := strings.Split(v, "-")
	if len(parts) == 3 && len(parts[0]) == 4 && allDigits(parts) {
		return parts[0] + "-" + pad2(parts[1]) + "-" + pad2(parts[2])
	}
	return time.Now().Format("2006-01-02")
}

func allDigits(parts []string) bool {
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, ch := range p {
			if ch < '0' || ch > '9' {
				return false
			}
		}
	}
	return true
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

func stringField(raw map[string]any, key, fallback string) string {
	if raw != nil {
		if v, ok := raw[key]; ok {
			if s := strings.TrimSpace(anyToString(v)); s != "" {
				return s
			}
		}
	}
	return fallback
}

func intField(raw map[string]any, key string, fallback int) int {
	if raw != nil {
		if v, ok := raw[key]; ok {
			if n, ok := anyToInt(v); ok {
				return n
			}
		}
	}
	return fallback
}

func intervalField(raw map[string]any, key string, fallback time.Duration) time.Duration {
	if raw != nil {
		if v, ok := raw[key]; ok {
			if n, ok := anyToInt(v); ok {
				return time.Duration(n) * time.Second
			}
		}
	}
	return fallback
}

func boolField(raw map[string]any, key string, fallback bool) bool {
	if raw != nil {
		if v, ok := raw[key]; ok {
			switch t := v.(type) {
			case bool:
				return t
			case string:
				if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
					return b
				}
			case float64:
				return t != 0
			}
		}
	}
	return fallback
}

func anyToString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return ""
	}
}

func anyToInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n, true
		}
	}
	return 0, false
}
