// Package realtime fans session events out to subscribed clients.
package realtime

import (
	"context"
	"encoding/json"
	"log"
)

// Event names pushed to session channels.
const (
	EventSessionUpdate    = "session:update"
	EventRoundStart       = "round:start"
	EventNoteSubmitted    = "note:submitted"
	EventModerationUpdate = "moderation:update"
)

// Transport is the notification channel the gateway publishes through.
type Transport interface {
	Publish(ctx context.Context, group string, message []byte) error
}

// Envelope is the wire shape of every pushed event.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Group names the channel of a session.
func Group(sessionCode string) string {
	return "session:" + sessionCode
}

// Gateway publishes best-effort events. Failures are logged and never returned.
type Gateway struct {
	transport Transport
}

// NewGateway 创建事件网关；transport 为 nil 时推送不可用，发布成为空操作。
func NewGateway(transport Transport) *Gateway {
	return &Gateway{transport: transport}
}

// Available reports whether a push transport is configured.
func (g *Gateway) Available() bool {
	return g != nil && g.transport != nil
}

// Publish broadcasts event with payload to the session's channel.
func (g *Gateway) Publish(ctx context.Context, sessionCode, event string, payload any) {
	if !g.Available() {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[realtime] marshal %s payload for session=%s failed: %v", event, sessionCode, err)
		return
	}
	message, err := json.Marshal(Envelope{Event: event, Payload: body})
	if err != nil {
		log.Printf("[realtime] marshal %s envelope for session=%s failed: %v", event, sessionCode, err)
		return
	}

	// The mutation has already committed; a cancelled request must not stop the fan-out.
	if err := g.transport.Publish(context.WithoutCancel(ctx), Group(sessionCode), message); err != nil {
		log.Printf("[realtime] publish %s for session=%s failed: %v", event, sessionCode, err)
	}
}
