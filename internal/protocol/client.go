package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// ClientMessage is an outbound client-to-relay command.
type ClientMessage interface {
	// Encode renders the command as a single text frame.
	Encode() (string, error)
}

// ReqMessage opens a subscription: ["REQ", <sub_id>, <filter>...].
type ReqMessage struct {
	SubID   string
	Filters []nostr.Filter
}

// CloseMessage closes a subscription: ["CLOSE", <sub_id>].
type CloseMessage struct {
	SubID string
}

// PublishMessage publishes an event: ["EVENT", <event JSON>].
type PublishMessage struct {
	Event json.RawMessage
}

// RawMessage is a pre-encoded frame, used to tunnel NEG-OPEN / NEG-MSG /
// NEG-CLOSE and any NIP extensions the codec does not statically model.
type RawMessage struct {
	Text string
}

func (m ReqMessage) Encode() (string, error) {
	if m.SubID == "" {
		return "", fmt.Errorf("req: empty sub id")
	}
	if len(m.Filters) == 0 {
		return "", fmt.Errorf("req: no filters")
	}
	parts := make([]interface{}, 0, 2+len(m.Filters))
	parts = append(parts, "REQ", m.SubID)
	for _, f := range m.Filters {
		parts = append(parts, f)
	}
	b, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("req: %w", err)
	}
	return string(b), nil
}

func (m CloseMessage) Encode() (string, error) {
	if m.SubID == "" {
		return "", fmt.Errorf("close: empty sub id")
	}
	b, err := json.Marshal([]interface{}{"CLOSE", m.SubID})
	if err != nil {
		return "", fmt.Errorf("close: %w", err)
	}
	return string(b), nil
}

func (m PublishMessage) Encode() (string, error) {
	if len(m.Event) == 0 {
		return "", fmt.Errorf("event: empty payload")
	}
	b, err := json.Marshal([]interface{}{"EVENT", m.Event})
	if err != nil {
		return "", fmt.Errorf("event: %w", err)
	}
	return string(b), nil
}

func (m RawMessage) Encode() (string, error) {
	if m.Text == "" {
		return "", fmt.Errorf("raw: empty frame")
	}
	return m.Text, nil
}
