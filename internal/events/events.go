// Package events provides event types and the Hive topic layout on top of
// the event bus.
package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hiverun/hive/internal/common/config"
	"github.com/hiverun/hive/internal/common/logger"
	"github.com/hiverun/hive/internal/events/bus"
)

// Event types carried on the Hive channels.
const (
	ServiceUpdated = "service.updated"
	CellStatus     = "cell.status"
	CellTiming     = "cell.timing"
	AgentEvent     = "agent.event"
)

// Timing event step names.
const (
	StepCreateWorktree     = "create_worktree"
	StepEnsureServices     = "ensure_services"
	StepMarkReady          = "mark_ready"
	StepTemplateSetupTotal = "template_setup_total"
)

// TemplateSetupStep names the timing step for a single setup command.
func TemplateSetupStep(command string) string {
	return "template_setup:" + command
}

// ServiceStartStep names the timing step for a single service start.
func ServiceStartStep(serviceName string) string {
	return "service_start:" + serviceName
}

// TimingEvent is the timing payload surfaced to clients.
type TimingEvent struct {
	CellID     string         `json:"cellId"`
	Workflow   string         `json:"workflow"`
	RunID      string         `json:"runId"`
	Step       string         `json:"step"`
	Status     string         `json:"status"` // "ok" | "error"
	DurationMs int64          `json:"durationMs"`
	CreatedAt  time.Time      `json:"createdAt"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Subject builders for the four Hive channels.
func ServiceUpdateSubject(cellID string) string { return "hive.service-update." + cellID }
func CellStatusSubject(workspaceID string) string {
	return "hive.cell-status." + sanitizeToken(workspaceID)
}
func CellTimingSubject(cellID string) string    { return "hive.cell-timing." + cellID }
func AgentEventSubject(sessionID string) string { return "hive.agent-event." + sessionID }

// sanitizeToken keeps subjects NATS-safe for identifiers that may contain
// path separators or dots.
func sanitizeToken(id string) string {
	replacer := strings.NewReplacer(".", "_", "/", "_", " ", "_")
	return replacer.Replace(id)
}

// Publisher fans typed Hive events onto the underlying bus.
type Publisher struct {
	bus    bus.EventBus
	logger *logger.Logger
}

// NewPublisher creates a Publisher over an event bus.
func NewPublisher(b bus.EventBus, log *logger.Logger) *Publisher {
	return &Publisher{bus: b, logger: log}
}

// Bus exposes the underlying bus for raw subscriptions.
func (p *Publisher) Bus() bus.EventBus {
	return p.bus
}

// PublishServiceUpdate announces a service row change on the cell's
// service-update channel.
func (p *Publisher) PublishServiceUpdate(ctx context.Context, cellID string, data map[string]any) {
	p.publish(ctx, ServiceUpdateSubject(cellID), ServiceUpdated, data)
}

// PublishCellStatus announces a cell status change on the workspace channel.
func (p *Publisher) PublishCellStatus(ctx context.Context, workspaceID string, data map[string]any) {
	p.publish(ctx, CellStatusSubject(workspaceID), CellStatus, data)
}

// PublishTiming announces a provisioning timing event on the cell channel.
func (p *Publisher) PublishTiming(ctx context.Context, timing TimingEvent) {
	data := map[string]any{
		"cellId":     timing.CellID,
		"workflow":   timing.Workflow,
		"runId":      timing.RunID,
		"step":       timing.Step,
		"status":     timing.Status,
		"durationMs": timing.DurationMs,
		"createdAt":  timing.CreatedAt,
	}
	if timing.Error != "" {
		data["error"] = timing.Error
	}
	if timing.Metadata != nil {
		data["metadata"] = timing.Metadata
	}
	p.publish(ctx, CellTimingSubject(timing.CellID), CellTiming, data)
}

// PublishAgentEvent re-publishes an agent event on the session channel.
func (p *Publisher) PublishAgentEvent(ctx context.Context, sessionID, eventType string, data map[string]any) {
	p.publish(ctx, AgentEventSubject(sessionID), eventType, data)
}

func (p *Publisher) publish(ctx context.Context, subject, eventType string, data map[string]any) {
	if err := p.bus.Publish(ctx, subject, bus.NewEvent(eventType, "hive", data)); err != nil {
		p.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Subscribe registers a handler for a subject and returns an unsubscribe
// function.
func (p *Publisher) Subscribe(subject string, handler bus.EventHandler) (func(), error) {
	sub, err := p.bus.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Provide builds the configured event bus implementation: NATS when a URL
// is configured, in-memory otherwise.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, natsBus.Close, nil
	}
	memBus := bus.NewMemoryEventBus(log)
	return memBus, memBus.Close, nil
}
