package repository

import (
	"context"
	"time"
)

// Store is the unit of work used by the engine. All reads and writes of one
// operation go through the Tx handed to fn; an error from fn discards every
// write made through it.
type Store interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx exposes the repositories bound to one transaction.
type Tx interface {
	Templates() Templates
	Instances() Instances
	Tasks() Tasks
	CarbonCopies() CarbonCopies
	ActionLogs() ActionLogs
}

// Templates persists template versions and their flow definitions.
type Templates interface {
	// Create inserts the template, its flow and the flow's nodes.
	Create(ctx context.Context, tpl *ApprovalTemplate, flow *ApprovalFlowDefinition) error
	GetByID(ctx context.Context, id string) (*ApprovalTemplate, error)
	// GetPublishedByCode returns the published version for code, or NotFound.
	GetPublishedByCode(ctx context.Context, code string) (*ApprovalTemplate, error)
	// LatestVersion returns the highest version for code, 0 when none exists.
	LatestVersion(ctx context.Context, code string) (int, error)
	List(ctx context.Context, entityType string) ([]*ApprovalTemplate, error)
	UpdateStatus(ctx context.Context, id string, status TemplateStatus, publishedAt *time.Time) error
	GetFlow(ctx context.Context, flowID string) (*ApprovalFlowDefinition, error)
	UpdateFlowStatus(ctx context.Context, flowID string, status TemplateStatus) error
	// ReplaceNodes swaps the node list of a DRAFT flow.
	ReplaceNodes(ctx context.Context, flowID string, nodes []*ApprovalNodeDefinition) error
}

// Instances persists approval instances.
type Instances interface {
	// NextSequence atomically allocates the next daily sequence for prefix.
	NextSequence(ctx context.Context, prefix string, day time.Time) (int, error)
	Create(ctx context.Context, inst *ApprovalInstance) error
	GetByID(ctx context.Context, id string) (*ApprovalInstance, error)
	// GetForUpdate reads the instance and holds its row lock until the
	// transaction ends.
	GetForUpdate(ctx context.Context, id string) (*ApprovalInstance, error)
	// Update writes every mutable column guarded by inst.Version and bumps
	// the version on success.
	Update(ctx context.Context, inst *ApprovalInstance) error
	CountByFlow(ctx context.Context, flowID string) (int, error)
}

// Tasks persists approval tasks.
type Tasks interface {
	Create(ctx context.Context, task *ApprovalTask) error
	GetByID(ctx context.Context, id string) (*ApprovalTask, error)
	Update(ctx context.Context, task *ApprovalTask) error
	ListByInstance(ctx context.Context, instanceID string) ([]*ApprovalTask, error)
	ListByNode(ctx context.Context, instanceID, nodeID string) ([]*ApprovalTask, error)
	// ListPendingForUser returns pending tasks of PENDING instances assigned
	// to userID, most urgent first.
	ListPendingForUser(ctx context.Context, userID string) ([]*PendingTask, error)
}

// CarbonCopies persists carbon-copy recipients.
type CarbonCopies interface {
	// Add inserts cc unless the (instance, user) pair already exists.
	Add(ctx context.Context, cc *ApprovalCarbonCopy) error
	ListByInstance(ctx context.Context, instanceID string) ([]*ApprovalCarbonCopy, error)
	ListForUser(ctx context.Context, userID string) ([]*ApprovalCarbonCopy, error)
	MarkNotified(ctx context.Context, id string, at time.Time) error
	MarkRead(ctx context.Context, id, userID string, at time.Time) error
}

// ActionLogs is the append-only audit log. No update or delete is exposed.
type ActionLogs interface {
	Append(ctx context.Context, entry *ApprovalActionLog) error
	ListByInstance(ctx context.Context, instanceID string) ([]*ApprovalActionLog, error)
}
