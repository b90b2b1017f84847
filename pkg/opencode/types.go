// Package opencode provides a client for the opencode server protocol:
// a REST API plus a Server-Sent Events stream on /event.
package opencode

import (
	"encoding/json"
	"fmt"
)

// Event types seen on the /event SSE stream.
const (
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventMessageRemoved     = "message.removed"
	EventPermissionAsked    = "permission.asked"
	EventPermissionUpdated  = "permission.updated"
	EventPermissionReplied  = "permission.replied"
	EventQuestionAsked      = "question.asked"
	EventQuestionRejected   = "question.rejected"
	EventQuestionReplied    = "question.replied"
	EventSessionIdle        = "session.idle"
	EventSessionStatus      = "session.status"
	EventSessionCompacted   = "session.compacted"
	EventSessionError       = "session.error"
)

// HealthResponse from GET /global/health.
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// SessionTime carries creation/update timestamps (unix millis).
type SessionTime struct {
	Created int64 `json:"created,omitempty"`
	Updated int64 `json:"updated,omitempty"`
}

// Session is the remote session descriptor.
type Session struct {
	ID        string      `json:"id"`
	Title     string      `json:"title,omitempty"`
	Directory string      `json:"directory,omitempty"`
	Version   string      `json:"version,omitempty"`
	Time      SessionTime `json:"time"`
}

// ModelSpec selects a provider/model pair for a prompt.
type ModelSpec struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// TextPartInput is one prompt input part.
type TextPartInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptRequest for POST /session/{id}/message.
type PromptRequest struct {
	Model *ModelSpec      `json:"model,omitempty"`
	Agent string          `json:"agent,omitempty"`
	Parts []TextPartInput `json:"parts"`
}

// MessageTime marks when a message started and completed (unix millis).
// Completed is zero while the assistant is still responding.
type MessageTime struct {
	Created   int64 `json:"created,omitempty"`
	Completed int64 `json:"completed,omitempty"`
}

// MessageInfo is the metadata half of a session message.
type MessageInfo struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"sessionID"`
	Role       string       `json:"role"`
	Mode       string       `json:"mode,omitempty"`
	ProviderID string       `json:"providerID,omitempty"`
	ModelID    string       `json:"modelID,omitempty"`
	Time       *MessageTime `json:"time,omitempty"`
	Error      *ServerError `json:"error,omitempty"`
}

// Message is one entry of a session's history.
type Message struct {
	Info  MessageInfo       `json:"info"`
	Parts []json.RawMessage `json:"parts,omitempty"`
}

// ProviderModel is one model offered by a provider. ID may carry a
// provider-prefixed alias distinct from the catalog key.
type ProviderModel struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Provider is one entry of the model catalog.
type Provider struct {
	ID     string                   `json:"id"`
	Models map[string]ProviderModel `json:"models,omitempty"`
}

// ProvidersResponse from GET /config/providers. Default maps provider
// id to that provider's default model key.
type ProvidersResponse struct {
	Providers []Provider        `json:"providers"`
	Default   map[string]string `json:"default,omitempty"`
}

// EventEnvelope is the base shape of every SSE event.
type EventEnvelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// MessageUpdatedProperties for message.updated events.
type MessageUpdatedProperties struct {
	Info MessageInfo `json:"info"`
}

// SessionStatusProperties for session.status events.
type SessionStatusProperties struct {
	SessionID string        `json:"sessionID,omitempty"`
	Status    SessionStatus `json:"status"`
}

// SessionStatus is the inner status of a session.status event.
type SessionStatus struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// SessionCompactedProperties for session.compacted events. Servers
// disagree on the counter field name, so both are accepted.
type SessionCompactedProperties struct {
	SessionID string `json:"sessionID,omitempty"`
	Compacted *int   `json:"compacted,omitempty"`
	Count     *int   `json:"count,omitempty"`
}

// SessionErrorProperties for session.error events.
type SessionErrorProperties struct {
	SessionID string       `json:"sessionID,omitempty"`
	Error     *ServerError `json:"error,omitempty"`
}

// ServerError is a structured error from the opencode server, either
// embedded in an event or returned from a REST call.
type ServerError struct {
	Name    string `json:"name,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
	Data    *struct {
		Message string `json:"message,omitempty"`
	} `json:"data,omitempty"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind(), e.ErrMessage())
}

// Kind returns the error name, falling back to its type.
func (e *ServerError) Kind() string {
	if e.Name != "" {
		return e.Name
	}
	if e.Type != "" {
		return e.Type
	}
	return "unknown"
}

// ErrMessage returns the most specific message available.
func (e *ServerError) ErrMessage() string {
	if e.Data != nil && e.Data.Message != "" {
		return e.Data.Message
	}
	return e.Message
}

// IsAborted reports whether the error is a message abort, which a
// client that just interrupted the session should swallow.
func IsAborted(err error) bool {
	serverErr, ok := err.(*ServerError)
	return ok && serverErr.Kind() == "MessageAbortedError"
}

// ParseEvent decodes one SSE payload.
func ParseEvent(data []byte) (*EventEnvelope, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// SessionIDOf extracts the session id an event refers to. Events
// without one return the empty string.
func SessionIDOf(event *EventEnvelope) string {
	if len(event.Properties) == 0 {
		return ""
	}
	var probe struct {
		SessionID string `json:"sessionID"`
		Info      *struct {
			SessionID string `json:"sessionID"`
		} `json:"info"`
		Part *struct {
			SessionID string `json:"sessionID"`
		} `json:"part"`
	}
	if err := json.Unmarshal(event.Properties, &probe); err != nil {
		return ""
	}
	if probe.SessionID != "" {
		return probe.SessionID
	}
	if probe.Info != nil && probe.Info.SessionID != "" {
		return probe.Info.SessionID
	}
	if probe.Part != nil {
		return probe.Part.SessionID
	}
	return ""
}
