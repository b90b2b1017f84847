package runtime

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/hiverun/hive/pkg/opencode"
)

// ingestHandler adapts one handle to the upstream event stream. The
// client already filters to the bound session, so every event here
// belongs to it.
func (r *Runtime) ingestHandler(handle *Handle) opencode.EventHandler {
	return func(event *opencode.EventEnvelope) {
		ctx := context.Background()
		r.observeMode(ctx, handle, event)
		r.observeCompaction(ctx, handle, event)
		r.republish(ctx, handle, event)
		r.applyStatus(ctx, handle, event)
	}
}

// observeMode tracks mode switches announced by assistant messages.
func (r *Runtime) observeMode(ctx context.Context, handle *Handle, event *opencode.EventEnvelope) {
	if event.Type != opencode.EventMessageUpdated {
		return
	}
	var props opencode.MessageUpdatedProperties
	if err := json.Unmarshal(event.Properties, &props); err != nil {
		return
	}
	if props.Info.Role != "assistant" {
		return
	}
	mode := normalizeMode(props.Info.Mode)
	if mode == "" {
		return
	}

	handle.mu.Lock()
	changed := handle.currentMode != mode
	handle.currentMode = mode
	handle.modeUpdatedAt = time.Now()
	updatedAt := handle.modeUpdatedAt
	handle.mu.Unlock()

	if changed {
		r.collab.PublishEvent(ctx, handle.session.ID, "mode", map[string]any{
			"mode":      string(mode),
			"updatedAt": updatedAt,
		})
	}
}

// observeCompaction records upstream history summarization. Servers
// report the counter as either "compacted" or "count"; absent both,
// the previous count is incremented.
func (r *Runtime) observeCompaction(ctx context.Context, handle *Handle, event *opencode.EventEnvelope) {
	if event.Type != opencode.EventSessionCompacted {
		return
	}
	var props opencode.SessionCompactedProperties
	_ = json.Unmarshal(event.Properties, &props)

	handle.mu.Lock()
	switch {
	case props.Compacted != nil:
		handle.compactionCount = *props.Compacted
	case props.Count != nil:
		handle.compactionCount = *props.Count
	default:
		handle.compactionCount++
	}
	handle.lastCompactionAt = time.Now()
	count := handle.compactionCount
	at := handle.lastCompactionAt
	handle.mu.Unlock()

	r.collab.PublishEvent(ctx, handle.session.ID, "session.compaction", map[string]any{
		"count":            count,
		"lastCompactionAt": at,
	})
}

// republish forwards the raw upstream event onto the session channel.
func (r *Runtime) republish(ctx context.Context, handle *Handle, event *opencode.EventEnvelope) {
	data := map[string]any{
		"type":      event.Type,
		"timestamp": time.Now(),
	}
	if len(event.Properties) > 0 {
		data["properties"] = json.RawMessage(event.Properties)
	}
	r.collab.PublishEvent(ctx, handle.session.ID, event.Type, data)
}

// applyStatus derives the handle status from the event type.
func (r *Runtime) applyStatus(ctx context.Context, handle *Handle, event *opencode.EventEnvelope) {
	switch event.Type {
	case opencode.EventSessionError:
		r.applySessionError(handle, event)

	case opencode.EventSessionIdle:
		handle.mu.Lock()
		handle.status = StatusAwaitingInput
		handle.statusMessage = ""
		handle.pendingInterrupt = false
		handle.mu.Unlock()

	case opencode.EventSessionStatus:
		var props opencode.SessionStatusProperties
		if err := json.Unmarshal(event.Properties, &props); err != nil {
			return
		}
		if props.Status.Type == "idle" {
			return
		}
		handle.setStatus(StatusWorking, "")

	case opencode.EventPermissionAsked, opencode.EventPermissionUpdated,
		opencode.EventQuestionAsked, opencode.EventQuestionRejected:
		handle.setStatus(StatusAwaitingInput, "")

	case opencode.EventPermissionReplied, opencode.EventQuestionReplied:
		handle.setStatus(StatusWorking, "")

	case opencode.EventMessageUpdated:
		var props opencode.MessageUpdatedProperties
		if err := json.Unmarshal(event.Properties, &props); err != nil {
			return
		}
		if props.Info.Role != "assistant" {
			return
		}
		handle.mu.Lock()
		// An in-flight interrupt freezes status until it resolves.
		if !handle.pendingInterrupt {
			handle.status = StatusWorking
			handle.statusMessage = ""
		}
		handle.mu.Unlock()
	}
}

// applySessionError maps a session.error event to the error status,
// except when it is the echo of an interrupt we initiated ourselves.
func (r *Runtime) applySessionError(handle *Handle, event *opencode.EventEnvelope) {
	var props opencode.SessionErrorProperties
	_ = json.Unmarshal(event.Properties, &props)

	message := "agent session error"
	aborted := false
	if props.Error != nil {
		message = props.Error.ErrMessage()
		aborted = opencode.IsAborted(props.Error)
	}

	handle.mu.Lock()
	defer handle.mu.Unlock()
	if handle.pendingInterrupt && aborted {
		handle.pendingInterrupt = false
		handle.status = StatusAwaitingInput
		handle.statusMessage = ""
		return
	}
	handle.status = StatusError
	handle.statusMessage = message
	r.logger.Warn("agent session error",
		zap.String("session_id", handle.session.ID),
		zap.String("message", message))
}
