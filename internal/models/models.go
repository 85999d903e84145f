package models

import (
	"time"
)

// Account represents an upstream API credential record
type Account struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Enabled  bool   `json:"enabled"`
}

// Destination represents a chat that receives relayed messages
type Destination struct {
	Name    string `json:"name"`
	ChatID  string `json:"chat_id"`
	Enabled bool   `json:"enabled"`
}

// Token represents a cached upstream bearer token for one account
type Token struct {
	Value      string    `json:"token"`
	ObtainedAt time.Time `json:"obtained_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Valid reports whether the token has at least skew left before expiry.
func (t Token) Valid(now time.Time, skew time.Duration) bool {
	return t.Value != "" && t.ExpiresAt.After(now.Add(skew))
}

// DeliveryRecord represents one destination sub-record of an audit entry
type DeliveryRecord struct {
	Destination string `json:"group"`
	ChatID      string `json:"chat_id"`
	MessageID   int64  `json:"message_id"`
	Action      string `json:"action"` // send or edit
}

// SentRecord represents one audit trail entry in the daily store
type SentRecord struct {
	Number      string           `json:"number"`
	Code        string           `json:"code"`
	ServiceName string           `json:"service_name"`
	Range       string           `json:"range"`
	Body        string           `json:"message"`
	ThreadKey   string           `json:"thread_key"`
	Deliveries  []DeliveryRecord `json:"groups"`
	SentAt      time.Time        `json:"sent_at"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Database  string            `json:"database"`
	Upstream  string            `json:"upstream"`
	Details   map[string]string `json:"details,omitempty"`
}

// PollerStatusResponse represents the poller status response
type PollerStatusResponse struct {
	Running   bool      `json:"running"`
	ActiveDay string    `json:"active_day"`
	LastRun   time.Time `json:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
