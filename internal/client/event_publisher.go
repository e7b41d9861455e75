package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// Event types published by the engine.
const (
	EventTaskAssigned      = "task.assigned"
	EventInstanceCompleted = "instance.completed"
	EventCarbonCopy        = "cc.notified"
)

// Publisher is the subset of *nats.Conn the event publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ApprovalEvent is the JSON schema published to NATS.
type ApprovalEvent struct {
	EventType    string                 `json:"event_type"`
	InstanceID   string                 `json:"instance_id"`
	InstanceNo   string                 `json:"instance_no"`
	EntityType   string                 `json:"entity_type"`
	EntityID     string                 `json:"entity_id"`
	Status       string                 `json:"status"`
	Recipients   []string               `json:"recipients,omitempty"`
	IsActionable bool                   `json:"is_actionable,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`
}

// EventPublisher publishes approval events to NATS. Subjects are
// <prefix>.<event_type>, e.g. approvals.instance.completed.
//
// Task assignment and completion events are fire-and-forget: failures are
// logged and never reach the engine. Carbon-copy delivery returns its error
// so the recipient is not stamped as notified.
type EventPublisher struct {
	nats   Publisher
	prefix string
	log    *logger.Logger
	now    func() time.Time
}

var (
	_ service.AssignmentListener = (*EventPublisher)(nil)
	_ service.CompletionListener = (*EventPublisher)(nil)
	_ service.Notifier           = (*EventPublisher)(nil)
)

// NewEventPublisher creates a publisher. A nil Publisher disables publishing.
func NewEventPublisher(pub Publisher, prefix string, log *logger.Logger) *EventPublisher {
	if prefix == "" {
		prefix = "approvals"
	}
	return &EventPublisher{nats: pub, prefix: prefix, log: log, now: time.Now}
}

// ConnectNATS dials the NATS server with reconnect logging.
func ConnectNATS(url, name string, log *logger.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return conn, nil
}

// TasksAssigned publishes one actionable event addressed to the new assignees.
func (p *EventPublisher) TasksAssigned(ctx context.Context, inst *repository.ApprovalInstance, tasks []*repository.ApprovalTask) {
	if len(tasks) == 0 {
		return
	}
	recipients := make([]string, 0, len(tasks))
	taskIDs := make([]string, 0, len(tasks))
	for _, t := range tasks {
		recipients = append(recipients, t.AssigneeID)
		taskIDs = append(taskIDs, t.ID)
	}

	event := p.newEvent(EventTaskAssigned, inst)
	event.Recipients = recipients
	event.IsActionable = true
	event.Payload = map[string]interface{}{
		"task_ids": taskIDs,
		"title":    inst.Title,
		"urgency":  string(inst.Urgency),
	}
	if err := p.publish(event); err != nil {
		p.log.Warn().Err(err).
			Str("instance_id", inst.ID).
			Msg("Failed to publish task assignment event (non-fatal)")
	}
}

// InstanceCompleted publishes the terminal status so domain services can
// react to it.
func (p *EventPublisher) InstanceCompleted(ctx context.Context, inst *repository.ApprovalInstance) {
	event := p.newEvent(EventInstanceCompleted, inst)
	event.Recipients = []string{inst.InitiatorID}
	event.Payload = map[string]interface{}{}
	if inst.FinalApproverID != nil {
		event.Payload["final_approver_id"] = *inst.FinalApproverID
	}
	if inst.FinalComment != nil {
		event.Payload["final_comment"] = *inst.FinalComment
	}
	if err := p.publish(event); err != nil {
		p.log.Warn().Err(err).
			Str("instance_id", inst.ID).
			Msg("Failed to publish completion event (non-fatal)")
	}
}

// Notify publishes a carbon-copy notification for one recipient.
func (p *EventPublisher) Notify(ctx context.Context, n *service.Notification) error {
	event := &ApprovalEvent{
		EventType:  EventCarbonCopy,
		InstanceID: n.InstanceID,
		InstanceNo: n.InstanceNo,
		EntityType: n.EntityType,
		EntityID:   n.EntityID,
		Status:     string(n.Status),
		Recipients: []string{n.RecipientID},
		Payload: map[string]interface{}{
			"title":         n.Title,
			"final_comment": n.FinalComment,
		},
		OccurredAt: p.now().UTC(),
	}
	return p.publish(event)
}

func (p *EventPublisher) newEvent(eventType string, inst *repository.ApprovalInstance) *ApprovalEvent {
	return &ApprovalEvent{
		EventType:  eventType,
		InstanceID: inst.ID,
		InstanceNo: inst.InstanceNo,
		EntityType: inst.EntityType,
		EntityID:   inst.EntityID,
		Status:     string(inst.Status),
		OccurredAt: p.now().UTC(),
	}
}

func (p *EventPublisher) publish(event *ApprovalEvent) error {
	if p.nats == nil {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.EventType, err)
	}

	subject := p.prefix + "." + event.EventType
	if err := p.nats.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("instance_id", event.InstanceID).
		Int("recipients", len(event.Recipients)).
		Msg("Approval event published")
	return nil
}
