package repository

import (
	"encoding/json"
	"time"
)

// ── Template / flow definition ───────────────────────────────────────────────

// TemplateStatus is the publication state of a template version.
type TemplateStatus string

const (
	TemplateStatusDraft     TemplateStatus = "DRAFT"
	TemplateStatusPublished TemplateStatus = "PUBLISHED"
	TemplateStatusRetired   TemplateStatus = "RETIRED"
)

// NodeType controls how many tasks a node opens.
type NodeType string

const (
	NodeTypeSerial      NodeType = "SERIAL"      // one assignee at a time, ranked fallback queue
	NodeTypeParallel    NodeType = "PARALLEL"    // every assignee gets a task
	NodeTypeConditional NodeType = "CONDITIONAL" // serial, entered only when Condition holds
)

// ApprovalPolicy decides when a parallel node is complete.
type ApprovalPolicy string

const (
	ApprovalPolicyAll ApprovalPolicy = "ALL"
	ApprovalPolicyAny ApprovalPolicy = "ANY"
)

// AssigneeKind tags the variant of an AssigneeRule.
type AssigneeKind string

const (
	AssigneeFixedUsers       AssigneeKind = "FIXED_USERS"
	AssigneeRole             AssigneeKind = "ROLE"
	AssigneeDepartmentHead   AssigneeKind = "DEPARTMENT_HEAD"
	AssigneeFormField        AssigneeKind = "FORM_FIELD"
	AssigneeInitiatorManager AssigneeKind = "INITIATOR_MANAGER"
)

// AssigneeRule says who approves a node. Only the payload fields that belong
// to Kind are meaningful:
//
//	FIXED_USERS        UserIDs
//	ROLE               Role
//	DEPARTMENT_HEAD    Field (optional form_data key holding the department; initiator's department when empty)
//	FORM_FIELD         Field (form_data key holding a user id or a list of user ids)
//	INITIATOR_MANAGER  -
type AssigneeRule struct {
	Kind    AssigneeKind `json:"kind" yaml:"kind"`
	UserIDs []string     `json:"user_ids,omitempty" yaml:"user_ids,omitempty"`
	Role    string       `json:"role,omitempty" yaml:"role,omitempty"`
	Field   string       `json:"field,omitempty" yaml:"field,omitempty"`
}

// ConditionOperator compares a form_data field with a literal.
type ConditionOperator string

const (
	OpEQ  ConditionOperator = "EQ"
	OpNE  ConditionOperator = "NE"
	OpGT  ConditionOperator = "GT"
	OpGTE ConditionOperator = "GTE"
	OpLT  ConditionOperator = "LT"
	OpLTE ConditionOperator = "LTE"
	OpIN  ConditionOperator = "IN"
)

// NodeCondition gates a CONDITIONAL node.
type NodeCondition struct {
	Field    string            `json:"field" yaml:"field"`
	Operator ConditionOperator `json:"operator" yaml:"operator"`
	Value    string            `json:"value,omitempty" yaml:"value,omitempty"`
	Values   []string          `json:"values,omitempty" yaml:"values,omitempty"`
}

// ApprovalTemplate binds an entity type to a flow definition. Published
// versions are immutable.
type ApprovalTemplate struct {
	ID          string
	Code        string
	Name        string
	EntityType  string
	Version     int
	Status      TemplateStatus
	FlowID      string
	Description string
	Checksum    string
	CreatedBy   string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// ApprovalFlowDefinition is the ordered node list of one template version.
type ApprovalFlowDefinition struct {
	ID         string
	TemplateID string
	Status     TemplateStatus
	Nodes      []*ApprovalNodeDefinition // ordered by Sequence
	CreatedAt  time.Time
}

// ApprovalNodeDefinition is one approval step.
type ApprovalNodeDefinition struct {
	ID             string
	FlowID         string
	NodeCode       string
	NodeName       string
	NodeType       NodeType
	Sequence       int
	ApprovalPolicy ApprovalPolicy
	Assignee       AssigneeRule
	Condition      *NodeCondition
}

// NodeByID returns the node with the given id, or nil.
func (f *ApprovalFlowDefinition) NodeByID(id string) *ApprovalNodeDefinition {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// NodesAfter returns the nodes whose sequence is greater than seq, in order.
func (f *ApprovalFlowDefinition) NodesAfter(seq int) []*ApprovalNodeDefinition {
	var out []*ApprovalNodeDefinition
	for _, n := range f.Nodes {
		if n.Sequence > seq {
			out = append(out, n)
		}
	}
	return out
}

// ── Runtime ──────────────────────────────────────────────────────────────────

// InstanceStatus is the lifecycle state of an approval instance.
type InstanceStatus string

const (
	InstanceStatusDraft      InstanceStatus = "DRAFT"
	InstanceStatusPending    InstanceStatus = "PENDING"
	InstanceStatusApproved   InstanceStatus = "APPROVED"
	InstanceStatusRejected   InstanceStatus = "REJECTED"
	InstanceStatusCancelled  InstanceStatus = "CANCELLED"
	InstanceStatusTerminated InstanceStatus = "TERMINATED"
)

// IsTerminal reports whether no further transition is possible.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceStatusApproved, InstanceStatusRejected, InstanceStatusCancelled, InstanceStatusTerminated:
		return true
	}
	return false
}

// Urgency is the submitter-declared priority of an instance.
type Urgency string

const (
	UrgencyNormal   Urgency = "NORMAL"
	UrgencyUrgent   Urgency = "URGENT"
	UrgencyCritical Urgency = "CRITICAL"
)

// Rank orders urgencies; higher is more urgent. Unknown values rank -1.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyNormal:
		return 0
	case UrgencyUrgent:
		return 1
	case UrgencyCritical:
		return 2
	}
	return -1
}

// ApprovalInstance is one submission of a business entity for approval.
// EntityType/EntityID are carried, never resolved. CurrentNodeID is non-nil
// exactly when Status is PENDING.
type ApprovalInstance struct {
	ID               string
	InstanceNo       string
	TemplateID       string
	FlowID           string
	EntityType       string
	EntityID         string
	Title            string
	InitiatorID      string
	FormData         json.RawMessage
	Status           InstanceStatus
	CurrentNodeID    *string
	CurrentNodeOrder int
	Urgency          Urgency
	SubmittedAt      *time.Time
	CompletedAt      *time.Time
	FinalComment     *string
	FinalApproverID  *string
	Version          int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TaskStatus is the state of one approver's unit of work.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusApproved  TaskStatus = "APPROVED"
	TaskStatusRejected  TaskStatus = "REJECTED"
	TaskStatusDelegated TaskStatus = "DELEGATED"
	TaskStatusWithdrawn TaskStatus = "WITHDRAWN"
	TaskStatusExpired   TaskStatus = "EXPIRED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// ApprovalTask is assigned to one approver at one node of one instance.
type ApprovalTask struct {
	ID                  string
	InstanceID          string
	NodeID              string
	NodeSequence        int
	AssigneeID          string
	OriginalAssigneeID  string
	DelegatedToID       *string
	DelegatedFromTaskID *string
	CandidateIDs        []string
	Status              TaskStatus
	Action              *string
	Comment             *string
	ActedBy             *string
	DueAt               *time.Time
	CreatedAt           time.Time
	CompletedAt         *time.Time
}

// PendingTask is a pending task joined with a summary of its instance.
type PendingTask struct {
	Task        *ApprovalTask
	InstanceNo  string
	EntityType  string
	EntityID    string
	Title       string
	InitiatorID string
	Urgency     Urgency
	NodeName    string
	SubmittedAt *time.Time
}

// ApprovalCarbonCopy records a user informed about an instance's outcome.
type ApprovalCarbonCopy struct {
	ID         string
	InstanceID string
	UserID     string
	AddedBy    string
	NotifiedAt *time.Time
	ReadAt     *time.Time
	CreatedAt  time.Time
}

// ActionType names an audited transition.
type ActionType string

const (
	ActionSubmit    ActionType = "SUBMIT"
	ActionApprove   ActionType = "APPROVE"
	ActionReject    ActionType = "REJECT"
	ActionDelegate  ActionType = "DELEGATE"
	ActionWithdraw  ActionType = "WITHDRAW"
	ActionTerminate ActionType = "TERMINATE"
	ActionSkip      ActionType = "SKIP"
	ActionExpire    ActionType = "EXPIRE"
	ActionAdvance   ActionType = "ADVANCE"
	ActionDenied    ActionType = "DENIED"
)

// ApprovalActionLog is one immutable audit record.
type ApprovalActionLog struct {
	ID         string
	InstanceID string
	TaskID     *string
	ActorID    string
	Action     ActionType
	Comment    *string
	FromNodeID *string
	ToNodeID   *string
	FromStatus *string
	ToStatus   *string
	Metadata   map[string]interface{}
	CreatedAt  time.Time
}
