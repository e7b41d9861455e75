package handler

import (
	"encoding/json"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// ── Request bodies ────────────────────────────────────────────────────────────

type submitBody struct {
	InstanceID   string          `json:"instance_id"`
	TemplateID   string          `json:"template_id"`
	TemplateCode string          `json:"template_code"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Title        string          `json:"title"`
	FormData     json.RawMessage `json:"form_data"`
	InitiatorID  string          `json:"initiator_id"`
	Urgency      string          `json:"urgency"`
	CCUserIDs    []string        `json:"cc_user_ids"`
}

func (b *submitBody) request(actor string) *service.SubmitRequest {
	return &service.SubmitRequest{
		InstanceID:   b.InstanceID,
		TemplateID:   b.TemplateID,
		TemplateCode: b.TemplateCode,
		EntityType:   b.EntityType,
		EntityID:     b.EntityID,
		Title:        b.Title,
		FormData:     b.FormData,
		InitiatorID:  actor,
		Urgency:      repository.Urgency(b.Urgency),
		CCUserIDs:    b.CCUserIDs,
	}
}

type decisionBody struct {
	TaskID     string `json:"task_id"`
	ApproverID string `json:"approver_id"`
	Comment    string `json:"comment"`
}

type delegateBody struct {
	TaskID       string `json:"task_id"`
	ApproverID   string `json:"approver_id"`
	DelegateToID string `json:"delegate_to_id"`
	Comment      string `json:"comment"`
}

type instanceBody struct {
	InstanceID  string `json:"instance_id"`
	InitiatorID string `json:"initiator_id"`
	Comment     string `json:"comment"`
}

type ccReadBody struct {
	CCID string `json:"cc_id"`
}

type templateIDBody struct {
	ID string `json:"id"`
}

type nodeBody struct {
	NodeCode       string                    `json:"node_code"`
	NodeName       string                    `json:"node_name"`
	NodeType       string                    `json:"node_type"`
	Sequence       int                       `json:"sequence"`
	ApprovalPolicy string                    `json:"approval_policy"`
	Assignee       repository.AssigneeRule   `json:"assignee"`
	Condition      *repository.NodeCondition `json:"condition,omitempty"`
}

type templateBody struct {
	Code        string     `json:"code"`
	Name        string     `json:"name"`
	EntityType  string     `json:"entity_type"`
	Description string     `json:"description"`
	Nodes       []nodeBody `json:"nodes"`
}

func toNodes(bodies []nodeBody) []*repository.ApprovalNodeDefinition {
	nodes := make([]*repository.ApprovalNodeDefinition, 0, len(bodies))
	for _, b := range bodies {
		nodes = append(nodes, &repository.ApprovalNodeDefinition{
			NodeCode:       b.NodeCode,
			NodeName:       b.NodeName,
			NodeType:       repository.NodeType(b.NodeType),
			Sequence:       b.Sequence,
			ApprovalPolicy: repository.ApprovalPolicy(b.ApprovalPolicy),
			Assignee:       b.Assignee,
			Condition:      b.Condition,
		})
	}
	return nodes
}

// ── Response views ────────────────────────────────────────────────────────────

type instanceView struct {
	ID               string          `json:"id"`
	InstanceNo       string          `json:"instance_no"`
	TemplateID       string          `json:"template_id"`
	EntityType       string          `json:"entity_type"`
	EntityID         string          `json:"entity_id"`
	Title            string          `json:"title,omitempty"`
	InitiatorID      string          `json:"initiator_id"`
	FormData         json.RawMessage `json:"form_data,omitempty"`
	Status           string          `json:"status"`
	CurrentNodeID    *string         `json:"current_node_id,omitempty"`
	CurrentNodeOrder int             `json:"current_node_order"`
	Urgency          string          `json:"urgency"`
	SubmittedAt      *time.Time      `json:"submitted_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	FinalComment     *string         `json:"final_comment,omitempty"`
	FinalApproverID  *string         `json:"final_approver_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

func newInstanceView(inst *repository.ApprovalInstance) *instanceView {
	if inst == nil {
		return nil
	}
	return &instanceView{
		ID:               inst.ID,
		InstanceNo:       inst.InstanceNo,
		TemplateID:       inst.TemplateID,
		EntityType:       inst.EntityType,
		EntityID:         inst.EntityID,
		Title:            inst.Title,
		InitiatorID:      inst.InitiatorID,
		FormData:         inst.FormData,
		Status:           string(inst.Status),
		CurrentNodeID:    inst.CurrentNodeID,
		CurrentNodeOrder: inst.CurrentNodeOrder,
		Urgency:          string(inst.Urgency),
		SubmittedAt:      inst.SubmittedAt,
		CompletedAt:      inst.CompletedAt,
		FinalComment:     inst.FinalComment,
		FinalApproverID:  inst.FinalApproverID,
		CreatedAt:        inst.CreatedAt,
	}
}

type taskView struct {
	ID                  string     `json:"id"`
	InstanceID          string     `json:"instance_id"`
	NodeID              string     `json:"node_id"`
	NodeSequence        int        `json:"node_sequence"`
	AssigneeID          string     `json:"assignee_id"`
	OriginalAssigneeID  string     `json:"original_assignee_id"`
	DelegatedToID       *string    `json:"delegated_to_id,omitempty"`
	DelegatedFromTaskID *string    `json:"delegated_from_task_id,omitempty"`
	Status              string     `json:"status"`
	Comment             *string    `json:"comment,omitempty"`
	ActedBy             *string    `json:"acted_by,omitempty"`
	DueAt               *time.Time `json:"due_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

func newTaskView(t *repository.ApprovalTask) *taskView {
	if t == nil {
		return nil
	}
	return &taskView{
		ID:                  t.ID,
		InstanceID:          t.InstanceID,
		NodeID:              t.NodeID,
		NodeSequence:        t.NodeSequence,
		AssigneeID:          t.AssigneeID,
		OriginalAssigneeID:  t.OriginalAssigneeID,
		DelegatedToID:       t.DelegatedToID,
		DelegatedFromTaskID: t.DelegatedFromTaskID,
		Status:              string(t.Status),
		Comment:             t.Comment,
		ActedBy:             t.ActedBy,
		DueAt:               t.DueAt,
		CreatedAt:           t.CreatedAt,
		CompletedAt:         t.CompletedAt,
	}
}

func newTaskViews(tasks []*repository.ApprovalTask) []*taskView {
	out := make([]*taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, newTaskView(t))
	}
	return out
}

type pendingTaskView struct {
	Task        *taskView  `json:"task"`
	InstanceNo  string     `json:"instance_no"`
	EntityType  string     `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	Title       string     `json:"title,omitempty"`
	InitiatorID string     `json:"initiator_id"`
	Urgency     string     `json:"urgency"`
	NodeName    string     `json:"node_name"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
}

func newPendingViews(items []*repository.PendingTask) []*pendingTaskView {
	out := make([]*pendingTaskView, 0, len(items))
	for _, p := range items {
		out = append(out, &pendingTaskView{
			Task:        newTaskView(p.Task),
			InstanceNo:  p.InstanceNo,
			EntityType:  p.EntityType,
			EntityID:    p.EntityID,
			Title:       p.Title,
			InitiatorID: p.InitiatorID,
			Urgency:     string(p.Urgency),
			NodeName:    p.NodeName,
			SubmittedAt: p.SubmittedAt,
		})
	}
	return out
}

type actionLogView struct {
	ID         string                 `json:"id"`
	InstanceID string                 `json:"instance_id"`
	TaskID     *string                `json:"task_id,omitempty"`
	ActorID    string                 `json:"actor_id"`
	Action     string                 `json:"action"`
	Comment    *string                `json:"comment,omitempty"`
	FromNodeID *string                `json:"from_node_id,omitempty"`
	ToNodeID   *string                `json:"to_node_id,omitempty"`
	FromStatus *string                `json:"from_status,omitempty"`
	ToStatus   *string                `json:"to_status,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

func newActionLogViews(logs []*repository.ApprovalActionLog) []*actionLogView {
	out := make([]*actionLogView, 0, len(logs))
	for _, l := range logs {
		out = append(out, &actionLogView{
			ID:         l.ID,
			InstanceID: l.InstanceID,
			TaskID:     l.TaskID,
			ActorID:    l.ActorID,
			Action:     string(l.Action),
			Comment:    l.Comment,
			FromNodeID: l.FromNodeID,
			ToNodeID:   l.ToNodeID,
			FromStatus: l.FromStatus,
			ToStatus:   l.ToStatus,
			Metadata:   l.Metadata,
			CreatedAt:  l.CreatedAt,
		})
	}
	return out
}

type carbonCopyView struct {
	ID         string     `json:"id"`
	InstanceID string     `json:"instance_id"`
	UserID     string     `json:"user_id"`
	AddedBy    string     `json:"added_by"`
	NotifiedAt *time.Time `json:"notified_at,omitempty"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func newCarbonCopyViews(ccs []*repository.ApprovalCarbonCopy) []*carbonCopyView {
	out := make([]*carbonCopyView, 0, len(ccs))
	for _, cc := range ccs {
		out = append(out, &carbonCopyView{
			ID:         cc.ID,
			InstanceID: cc.InstanceID,
			UserID:     cc.UserID,
			AddedBy:    cc.AddedBy,
			NotifiedAt: cc.NotifiedAt,
			ReadAt:     cc.ReadAt,
			CreatedAt:  cc.CreatedAt,
		})
	}
	return out
}

type decisionView struct {
	Instance    *instanceView `json:"instance"`
	Task        *taskView     `json:"task,omitempty"`
	OpenedTasks []*taskView   `json:"opened_tasks,omitempty"`
	Replayed    bool          `json:"replayed,omitempty"`
}

func newDecisionView(res *service.DecisionResult) *decisionView {
	return &decisionView{
		Instance:    newInstanceView(res.Instance),
		Task:        newTaskView(res.Task),
		OpenedTasks: newTaskViews(res.OpenedTasks),
		Replayed:    res.Replayed,
	}
}

type submitView struct {
	InstanceID string        `json:"instance_id"`
	InstanceNo string        `json:"instance_no"`
	Status     string        `json:"status"`
	Instance   *instanceView `json:"instance"`
	Tasks      []*taskView   `json:"tasks"`
}

func newSubmitView(res *service.SubmitResult) *submitView {
	return &submitView{
		InstanceID: res.Instance.ID,
		InstanceNo: res.Instance.InstanceNo,
		Status:     string(res.Instance.Status),
		Instance:   newInstanceView(res.Instance),
		Tasks:      newTaskViews(res.Tasks),
	}
}

type delegateView struct {
	Instance  *instanceView `json:"instance"`
	Delegated *taskView     `json:"delegated"`
	Task      *taskView     `json:"task"`
	Replayed  bool          `json:"replayed,omitempty"`
}

type instanceDetailView struct {
	Instance     *instanceView     `json:"instance"`
	Tasks        []*taskView       `json:"tasks"`
	CarbonCopies []*carbonCopyView `json:"carbon_copies"`
}

type templateView struct {
	ID          string     `json:"id"`
	Code        string     `json:"code"`
	Name        string     `json:"name"`
	EntityType  string     `json:"entity_type"`
	Version     int        `json:"version"`
	Status      string     `json:"status"`
	FlowID      string     `json:"flow_id"`
	Description string     `json:"description,omitempty"`
	Checksum    string     `json:"checksum,omitempty"`
	CreatedBy   string     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Nodes       []nodeView `json:"nodes,omitempty"`
}

type nodeView struct {
	ID string `json:"id"`
	nodeBody
}

func newTemplateView(tpl *repository.ApprovalTemplate, flow *repository.ApprovalFlowDefinition) *templateView {
	v := &templateView{
		ID:          tpl.ID,
		Code:        tpl.Code,
		Name:        tpl.Name,
		EntityType:  tpl.EntityType,
		Version:     tpl.Version,
		Status:      string(tpl.Status),
		FlowID:      tpl.FlowID,
		Description: tpl.Description,
		Checksum:    tpl.Checksum,
		CreatedBy:   tpl.CreatedBy,
		CreatedAt:   tpl.CreatedAt,
		PublishedAt: tpl.PublishedAt,
	}
	if flow != nil {
		for _, n := range flow.Nodes {
			v.Nodes = append(v.Nodes, nodeView{ID: n.ID, nodeBody: nodeBody{
				NodeCode:       n.NodeCode,
				NodeName:       n.NodeName,
				NodeType:       string(n.NodeType),
				Sequence:       n.Sequence,
				ApprovalPolicy: string(n.ApprovalPolicy),
				Assignee:       n.Assignee,
				Condition:      n.Condition,
			}})
		}
	}
	return v
}
