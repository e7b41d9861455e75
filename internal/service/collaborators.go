package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// OrgChart answers the organisational questions assignee rules depend on.
// Implementations live in internal/client.
type OrgChart interface {
	// UsersWithRole returns the user IDs holding role, in ranking order.
	UsersWithRole(ctx context.Context, role string) ([]string, error)
	// RolesOf returns the roles held by a user.
	RolesOf(ctx context.Context, userID string) ([]string, error)
	// DepartmentOf returns the department a user belongs to.
	DepartmentOf(ctx context.Context, userID string) (string, error)
	// DepartmentHeadOf returns the head of a department.
	DepartmentHeadOf(ctx context.Context, department string) (string, error)
	// ManagerOf returns the direct manager of a user, or "" when none.
	ManagerOf(ctx context.Context, userID string) (string, error)
	// IsActive reports whether a user may currently receive tasks.
	IsActive(ctx context.Context, userID string) (bool, error)
}

// Notification is handed to a Notifier for each carbon-copy recipient.
type Notification struct {
	RecipientID  string
	InstanceID   string
	InstanceNo   string
	EntityType   string
	EntityID     string
	Title        string
	Status       repository.InstanceStatus
	FinalComment string
	CompletedAt  *time.Time
}

// Notifier delivers carbon-copy notifications. Errors are logged by the
// caller and never roll back an approval transition.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// CompletionListener is told when an instance reaches a terminal status.
type CompletionListener interface {
	InstanceCompleted(ctx context.Context, inst *repository.ApprovalInstance)
}

// AssignmentListener is told when tasks are opened for an instance.
type AssignmentListener interface {
	TasksAssigned(ctx context.Context, inst *repository.ApprovalInstance, tasks []*repository.ApprovalTask)
}

// MultiNotifier fans a notification out to several notifiers and returns the
// first error after trying all of them.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(ctx context.Context, n *Notification) error {
	var first error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type nopListener struct{}

func (nopListener) InstanceCompleted(context.Context, *repository.ApprovalInstance) {}

func (nopListener) TasksAssigned(context.Context, *repository.ApprovalInstance, []*repository.ApprovalTask) {
}
