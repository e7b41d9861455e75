package service

import (
	"encoding/json"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// SubmitRequest starts an approval. When InstanceID is set the existing DRAFT
// instance is submitted and the template/entity fields are ignored.
type SubmitRequest struct {
	InstanceID   string
	TemplateID   string
	TemplateCode string
	EntityType   string
	EntityID     string
	Title        string
	FormData     json.RawMessage
	InitiatorID  string
	Urgency      repository.Urgency
	CCUserIDs    []string
}

// SubmitResult is the submitted instance and the tasks opened for its first
// node. Tasks is empty when every node was skipped and the instance was
// approved outright.
type SubmitResult struct {
	Instance *repository.ApprovalInstance
	Tasks    []*repository.ApprovalTask
}

// DecisionRequest approves or rejects a task.
type DecisionRequest struct {
	TaskID  string
	ActorID string
	Comment string
}

// DecisionResult reports the instance after a transition. Replayed is set
// when the same actor repeated a decision that was already applied; nothing
// was written in that case.
type DecisionResult struct {
	Instance    *repository.ApprovalInstance
	Task        *repository.ApprovalTask
	OpenedTasks []*repository.ApprovalTask
	Replayed    bool
}

// DelegateRequest hands a task to another user.
type DelegateRequest struct {
	TaskID       string
	ActorID      string
	DelegateToID string
	Comment      string
}

// DelegateResult holds the original task (now DELEGATED) and the delegate's
// new task.
type DelegateResult struct {
	Instance  *repository.ApprovalInstance
	Delegated *repository.ApprovalTask
	Task      *repository.ApprovalTask
	Replayed  bool
}

// InstanceRequest acts on a whole instance (withdraw, terminate).
type InstanceRequest struct {
	InstanceID string
	ActorID    string
	Comment    string
}

// InstanceDetail is an instance with its tasks and carbon-copy recipients.
type InstanceDetail struct {
	Instance     *repository.ApprovalInstance
	Tasks        []*repository.ApprovalTask
	CarbonCopies []*repository.ApprovalCarbonCopy
}
