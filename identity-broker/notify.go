package main

import (
	"encoding/json"
	"regexp"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Event types pushed to the affected party when request state changes.
const (
	EventNewRequest    = "new_request_received"
	EventRequestAnswer = "request_answer_received"
	EventAccessRevoked = "access_revoked"
)

// Event is the payload published to a DID's subscriber group.
type Event struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Context   string `json:"context,omitempty"`
	Status    string `json:"status,omitempty"`
	From      string `json:"from,omitempty"`
}

// Notifier publishes state-change events to the subscriber group of a DID.
// Delivery is best effort: a publish failure is logged and never fails the
// operation that triggered it.
type Notifier interface {
	Notify(did string, event Event)
}

var didSanitizer = regexp.MustCompile(`[^a-zA-Z0-9-._]+`)

// subjectForDID derives the deterministic per-DID group subject. Characters
// outside [A-Za-z0-9-._] collapse to underscores so any DID method yields a
// valid subject token.
func subjectForDID(did string) string {
	return "user." + didSanitizer.ReplaceAllString(did, "_")
}

// NATSNotifier publishes events over a NATS connection.
type NATSNotifier struct {
	conn *nats.Conn
}

// NewNATSNotifier wraps an established NATS connection.
func NewNATSNotifier(conn *nats.Conn) *NATSNotifier {
	return &NATSNotifier{conn: conn}
}

// Notify publishes the event to the DID's group subject.
func (n *NATSNotifier) Notify(did string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("type", event.Type).Msg("Failed to marshal notification")
		return
	}

	subject := subjectForDID(did)
	if err := n.conn.Publish(subject, payload); err != nil {
		log.Warn().Err(err).Str("subject", subject).Str("type", event.Type).Msg("Failed to publish notification")
		return
	}

	log.Debug().Str("subject", subject).Str("type", event.Type).Msg("Notification published")
}

// noopNotifier drops events; used when NATS is not configured.
type noopNotifier struct{}

func (noopNotifier) Notify(string, Event) {}
