// Package gateway talks to a WPPConnect-compatible messaging gateway.
//
// Send operations never return errors. Every outcome, including transport
// failures and credential problems, is reported as an ok flag plus a
// diagnostic Payload that callers persist verbatim.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
)

// Sender delivers personalized messages to a single phone.
type Sender interface {
	SendText(ctx context.Context, phone, message string) (bool, Payload)
	SendImage(ctx context.Context, phone, imagePath, caption string) (bool, Payload)
}

// SessionManager inspects and wakes the gateway's device session.
type SessionManager interface {
	SessionStatus(ctx context.Context) (*SessionState, error)
	StartSession(ctx context.Context) (*SessionState, error)
}

// Payload is the structured response or diagnostic of a gateway call.
type Payload map[string]any

// Marshal renders the payload for storage in the dispatch log.
func (p Payload) Marshal() string {
	if p == nil {
		return "{}"
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(p))
	}
	return string(raw)
}

func errorPayload(format string, args ...any) Payload {
	return Payload{"error": fmt.Sprintf(format, args...)}
}

// SessionConnected is the status the gateway reports for a paired device.
const SessionConnected = "CONNECTED"

// SessionState is the gateway view of the device session.
type SessionState struct {
	Status  string  `json:"status"`
	QRCode  string  `json:"qrcode,omitempty"`
	URLCode string  `json:"urlcode,omitempty"`
	Raw     Payload `json:"raw,omitempty"`
}

// Connected reports whether messages can be sent through the session.
func (s *SessionState) Connected() bool {
	return s != nil && s.Status == SessionConnected
}
