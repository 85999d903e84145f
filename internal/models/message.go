package models

import (
	"fmt"
	"strings"
)

// Message is one row fetched from an upstream source. It only lives within a
// single poll cycle; the persisted state refers to it by key alone.
type Message struct {
	Number      string         `json:"number"`
	ServiceName string         `json:"service_name"`
	Range       string         `json:"range"`
	Body        string         `json:"message"`
	Raw         map[string]any `json:"-"`
}

// stableIDFields are checked in order when deriving the message key. When the
// upstream attaches any of these, repeated messages with identical content are
// kept distinct instead of collapsing into one delivery.
var stableIDFields = []string{
	"id",
	"message_id",
	"sms_id",
	"code_id",
	"created_at",
	"received_at",
	"timestamp",
	"date",
	"time",
}

// MessageFromRow converts a raw upstream row into a Message.
func MessageFromRow(row map[string]any) Message {
	return Message{
		Number:      rowString(row, "number"),
		ServiceName: rowString(row, "service_name"),
		Range:       rowString(row, "range"),
		Body:        rowString(row, "message"),
		Raw:         row,
	}
}

func rowString(row map[string]any, key string) string {
	v, ok := row[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; ids are integral in practice.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Key returns the deduplication fingerprint of the message.
func (m Message) Key() string {
	base := strings.Join([]string{m.Number, m.ServiceName, m.Range, m.Body}, "|")
	for _, field := range stableIDFields {
		if v := strings.TrimSpace(rowString(m.Raw, field)); v != "" {
			return fmt.Sprintf("%s|%s=%s", base, field, v)
		}
	}
	return base
}

// ThreadKey returns the conversation grouping key. Messages sharing a thread
// key replace each other's delivered post per destination via edit.
func (m Message) ThreadKey() string {
	return strings.Join([]string{m.Number, m.ServiceName, m.Range}, "|")
}
