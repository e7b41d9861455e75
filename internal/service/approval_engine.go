package service

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// systemActor is recorded for transitions nobody performed directly, such as
// skipped conditional nodes.
const systemActor = "system"

// EngineConfig tunes the decision processor.
type EngineConfig struct {
	MaxRetries          int
	AuditDeniedAttempts bool
	AdminRole           string
}

// ApprovalEngine applies submissions and decisions to approval instances.
// Every transition runs in one transaction that starts by locking the
// instance row.
type ApprovalEngine struct {
	store        repository.Store
	templates    *TemplateService
	dispatcher   *TaskDispatcher
	numbers      *InstanceNumbers
	carbonCopies *CarbonCopyService
	org          OrgChart
	completions  CompletionListener
	assignments  AssignmentListener
	runner       *txRunner
	cfg          EngineConfig
	metrics      *Metrics
	log          *logger.Logger
	now          func() time.Time
}

// NewApprovalEngine creates a new ApprovalEngine. completions and
// assignments may be nil.
func NewApprovalEngine(
	store repository.Store,
	templates *TemplateService,
	dispatcher *TaskDispatcher,
	numbers *InstanceNumbers,
	carbonCopies *CarbonCopyService,
	org OrgChart,
	completions CompletionListener,
	assignments AssignmentListener,
	cfg EngineConfig,
	metrics *Metrics,
	log *logger.Logger,
) *ApprovalEngine {
	if completions == nil {
		completions = nopListener{}
	}
	if assignments == nil {
		assignments = nopListener{}
	}
	return &ApprovalEngine{
		store:        store,
		templates:    templates,
		dispatcher:   dispatcher,
		numbers:      numbers,
		carbonCopies: carbonCopies,
		org:          org,
		completions:  completions,
		assignments:  assignments,
		runner:       &txRunner{store: store, maxRetries: cfg.MaxRetries, metrics: metrics, log: log},
		cfg:          cfg,
		metrics:      metrics,
		log:          log,
		now:          time.Now,
	}
}

// deniedAttempt identifies an unauthorized attempt for the optional DENIED
// audit entry.
type deniedAttempt struct {
	instanceID string
	taskID     *string
	action     repository.ActionType
}

// ── Submit ────────────────────────────────────────────────────────────────────

// CreateDraft stores a DRAFT instance without opening any task.
func (e *ApprovalEngine) CreateDraft(ctx context.Context, req *SubmitRequest) (*repository.ApprovalInstance, error) {
	started := time.Now()
	var inst *repository.ApprovalInstance
	err := e.runner.run(ctx, "create_draft", func(ctx context.Context, tx repository.Tx) error {
		inst = nil
		tpl, err := e.resolveTemplate(ctx, tx, req)
		if err != nil {
			return err
		}
		created, err := e.newDraft(ctx, tx, tpl, req)
		if err != nil {
			return err
		}
		if _, err := e.carbonCopies.Add(ctx, tx, created.ID, req.CCUserIDs, created.InitiatorID); err != nil {
			return err
		}
		inst = created
		return nil
	})
	e.metrics.observe("create_draft", started, err, string(repository.InstanceStatusDraft))
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("instance_id", inst.ID).
		Str("instance_no", inst.InstanceNo).
		Msg("Approval draft created")
	return inst, nil
}

// Submit moves a new or DRAFT instance to PENDING and opens the tasks of its
// first entered node. A node that resolves to no assignee fails the whole
// submission with a ConfigurationError and nothing is persisted.
func (e *ApprovalEngine) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	started := time.Now()
	var (
		result    *SubmitResult
		completed bool
		denied    *deniedAttempt
	)
	err := e.runner.run(ctx, "submit", func(ctx context.Context, tx repository.Tx) error {
		result, completed, denied = nil, false, nil

		var (
			inst *repository.ApprovalInstance
			tpl  *repository.ApprovalTemplate
			err  error
		)
		if req.InstanceID != "" {
			inst, err = tx.Instances().GetForUpdate(ctx, req.InstanceID)
			if err != nil {
				return err
			}
			if inst.InitiatorID != req.InitiatorID {
				denied = &deniedAttempt{instanceID: inst.ID, action: repository.ActionSubmit}
				return errors.Unauthorized("only the initiator can submit this approval instance").
					WithDetail("instance_id", inst.ID)
			}
			if inst.Status != repository.InstanceStatusDraft {
				return errors.InvalidState("approval_instance", inst.ID, string(inst.Status), string(repository.InstanceStatusDraft))
			}
			if tpl, err = e.draftTemplate(ctx, tx, inst); err != nil {
				return err
			}
		} else {
			if tpl, err = e.resolveTemplate(ctx, tx, req); err != nil {
				return err
			}
			if inst, err = e.newDraft(ctx, tx, tpl, req); err != nil {
				return err
			}
		}

		flow, err := e.templates.flowForTemplate(ctx, tx, tpl)
		if err != nil {
			return err
		}
		if _, err := e.carbonCopies.Add(ctx, tx, inst.ID, req.CCUserIDs, inst.InitiatorID); err != nil {
			return err
		}

		now := e.now()
		inst.SubmittedAt = &now
		node, opened, skipped, err := e.enterNode(ctx, tx, inst, flow, 0)
		if err != nil {
			return err
		}
		if node == nil {
			e.complete(inst, repository.InstanceStatusApproved, "", nil)
			completed = true
		} else {
			e.moveTo(inst, node)
		}
		if err := tx.Instances().Update(ctx, inst); err != nil {
			return err
		}

		entry := &repository.ApprovalActionLog{
			InstanceID: inst.ID,
			ActorID:    inst.InitiatorID,
			Action:     repository.ActionSubmit,
			ToNodeID:   inst.CurrentNodeID,
			FromStatus: strPtr(string(repository.InstanceStatusDraft)),
			ToStatus:   strPtr(string(inst.Status)),
			Metadata: map[string]interface{}{
				"instance_no": inst.InstanceNo,
				"template_id": tpl.ID,
				"version":     tpl.Version,
				"task_ids":    taskIDs(opened),
			},
		}
		if err := e.appendLogs(ctx, tx, entry, skipped); err != nil {
			return err
		}

		result = &SubmitResult{Instance: inst, Tasks: opened}
		return nil
	})
	e.metrics.observe("submit", started, err, resultStatus(result))
	if err != nil {
		e.recordDenied(ctx, err, denied, req.InitiatorID, "")
		return nil, err
	}

	e.log.Info().
		Str("instance_id", result.Instance.ID).
		Str("instance_no", result.Instance.InstanceNo).
		Str("entity_type", result.Instance.EntityType).
		Str("entity_id", result.Instance.EntityID).
		Int("tasks", len(result.Tasks)).
		Msg("Approval instance submitted")

	e.afterCommit(ctx, result.Instance, result.Tasks, completed)
	return result, nil
}

func resultStatus(r *SubmitResult) string {
	if r == nil {
		return ""
	}
	return string(r.Instance.Status)
}

// ── Approve / Reject ──────────────────────────────────────────────────────────

// Approve records an approval. The node completes when every PARALLEL/ALL
// sibling has approved, on the first approval for PARALLEL/ANY, and
// immediately for SERIAL and CONDITIONAL nodes. A completed node advances the
// instance to the next entered node, or approves it after the last one.
func (e *ApprovalEngine) Approve(ctx context.Context, req *DecisionRequest) (*DecisionResult, error) {
	return e.decide(ctx, "approve", repository.ActionApprove, repository.TaskStatusApproved, req)
}

// Reject records a rejection. The instance is REJECTED at once and every
// other pending task of the node is CANCELLED.
func (e *ApprovalEngine) Reject(ctx context.Context, req *DecisionRequest) (*DecisionResult, error) {
	return e.decide(ctx, "reject", repository.ActionReject, repository.TaskStatusRejected, req)
}

func (e *ApprovalEngine) decide(ctx context.Context, op string, action repository.ActionType, outcome repository.TaskStatus, req *DecisionRequest) (*DecisionResult, error) {
	started := time.Now()
	var (
		result    *DecisionResult
		completed bool
		denied    *deniedAttempt
	)
	err := e.runner.run(ctx, op, func(ctx context.Context, tx repository.Tx) error {
		result, completed, denied = nil, false, nil

		if req.ActorID == "" {
			return errors.InvalidInput("approver_id", "is required")
		}
		task, inst, err := lockTask(ctx, tx, req.TaskID)
		if err != nil {
			return err
		}
		if task.Status == outcome && task.ActedBy != nil && *task.ActedBy == req.ActorID {
			result = &DecisionResult{Instance: inst, Task: task, Replayed: true}
			return nil
		}
		if err := requireActionable(inst, task); err != nil {
			return err
		}
		if task.AssigneeID != req.ActorID {
			denied = &deniedAttempt{instanceID: inst.ID, taskID: &task.ID, action: action}
			return errors.Unauthorized("user is not the assignee of this approval task").
				WithDetail("task_id", task.ID)
		}

		flow, err := tx.Templates().GetFlow(ctx, inst.FlowID)
		if err != nil {
			return err
		}
		node := flow.NodeByID(task.NodeID)
		if node == nil {
			return errors.Configuration("node %s missing from flow %s", task.NodeID, flow.ID)
		}

		now := e.now()
		fromStatus := inst.Status
		task.Status = outcome
		task.Action = strPtr(string(action))
		task.Comment = optionalStr(req.Comment)
		task.ActedBy = strPtr(req.ActorID)
		task.CompletedAt = &now
		if err := tx.Tasks().Update(ctx, task); err != nil {
			return err
		}

		siblings, err := tx.Tasks().ListByNode(ctx, inst.ID, node.ID)
		if err != nil {
			return err
		}
		var pending []*repository.ApprovalTask
		for _, s := range siblings {
			if s.ID != task.ID && s.Status == repository.TaskStatusPending {
				pending = append(pending, s)
			}
		}

		var (
			cancelled []*repository.ApprovalTask
			opened    []*repository.ApprovalTask
			skipped   []*repository.ApprovalNodeDefinition
		)
		switch outcome {
		case repository.TaskStatusApproved:
			nodeDone := true
			if node.NodeType == repository.NodeTypeParallel && node.ApprovalPolicy != repository.ApprovalPolicyAny {
				nodeDone = len(pending) == 0
			}
			if !nodeDone {
				break
			}
			if cancelled, err = e.closeTasks(ctx, tx, pending, repository.TaskStatusCancelled, now); err != nil {
				return err
			}
			var next *repository.ApprovalNodeDefinition
			next, opened, skipped, err = e.enterNode(ctx, tx, inst, flow, node.Sequence)
			if err != nil {
				return err
			}
			if next == nil {
				e.complete(inst, repository.InstanceStatusApproved, req.Comment, &req.ActorID)
				completed = true
			} else {
				e.moveTo(inst, next)
			}

		case repository.TaskStatusRejected:
			if cancelled, err = e.closeTasks(ctx, tx, pending, repository.TaskStatusCancelled, now); err != nil {
				return err
			}
			e.complete(inst, repository.InstanceStatusRejected, req.Comment, &req.ActorID)
			completed = true
		}

		if err := tx.Instances().Update(ctx, inst); err != nil {
			return err
		}

		metadata := map[string]interface{}{
			"node_code":         node.NodeCode,
			"original_assignee": task.OriginalAssigneeID,
		}
		if task.DelegatedFromTaskID != nil {
			metadata["delegated_from_task_id"] = *task.DelegatedFromTaskID
		}
		if len(cancelled) > 0 {
			metadata["cancelled_task_ids"] = taskIDs(cancelled)
		}
		if len(opened) > 0 {
			metadata["opened_task_ids"] = taskIDs(opened)
		}
		entry := &repository.ApprovalActionLog{
			InstanceID: inst.ID,
			TaskID:     &task.ID,
			ActorID:    req.ActorID,
			Action:     action,
			Comment:    optionalStr(req.Comment),
			FromNodeID: &node.ID,
			ToNodeID:   inst.CurrentNodeID,
			FromStatus: strPtr(string(fromStatus)),
			ToStatus:   strPtr(string(inst.Status)),
			Metadata:   metadata,
		}
		if err := e.appendLogs(ctx, tx, entry, skipped); err != nil {
			return err
		}

		result = &DecisionResult{Instance: inst, Task: task, OpenedTasks: opened}
		return nil
	})
	status := ""
	if result != nil {
		status = string(result.Instance.Status)
	}
	e.metrics.observe(op, started, err, status)
	if err != nil {
		e.recordDenied(ctx, err, denied, req.ActorID, req.Comment)
		return nil, err
	}
	if result.Replayed {
		e.log.Debug().Str("task_id", result.Task.ID).Str("operation", op).Msg("Decision replayed")
		return result, nil
	}

	e.log.Info().
		Str("instance_id", result.Instance.ID).
		Str("task_id", result.Task.ID).
		Str("actor_id", req.ActorID).
		Str("decision", string(outcome)).
		Str("status", string(result.Instance.Status)).
		Msg("Approval decision recorded")

	e.afterCommit(ctx, result.Instance, result.OpenedTasks, completed)
	return result, nil
}

// ── Delegate ──────────────────────────────────────────────────────────────────

// Delegate hands a PENDING task to another user. The original task becomes
// DELEGATED and the delegate receives a new task at the same node with full
// approve and reject authority.
func (e *ApprovalEngine) Delegate(ctx context.Context, req *DelegateRequest) (*DelegateResult, error) {
	started := time.Now()
	delegateTo := strings.TrimSpace(req.DelegateToID)
	var (
		result *DelegateResult
		denied *deniedAttempt
	)
	err := e.runner.run(ctx, "delegate", func(ctx context.Context, tx repository.Tx) error {
		result, denied = nil, nil

		if req.ActorID == "" {
			return errors.InvalidInput("approver_id", "is required")
		}
		if delegateTo == "" {
			return errors.InvalidInput("delegate_to_id", "is required")
		}
		task, inst, err := lockTask(ctx, tx, req.TaskID)
		if err != nil {
			return err
		}

		if task.Status == repository.TaskStatusDelegated && task.ActedBy != nil && *task.ActedBy == req.ActorID &&
			task.DelegatedToID != nil && *task.DelegatedToID == delegateTo {
			successor, err := delegatedSuccessor(ctx, tx, task)
			if err != nil {
				return err
			}
			result = &DelegateResult{Instance: inst, Delegated: task, Task: successor, Replayed: true}
			return nil
		}
		if err := requireActionable(inst, task); err != nil {
			return err
		}
		if task.AssigneeID != req.ActorID {
			denied = &deniedAttempt{instanceID: inst.ID, taskID: &task.ID, action: repository.ActionDelegate}
			return errors.Unauthorized("only the assignee can delegate this approval task").
				WithDetail("task_id", task.ID)
		}
		switch delegateTo {
		case req.ActorID:
			return errors.InvalidInput("delegate_to_id", "cannot delegate a task to yourself")
		case inst.InitiatorID:
			return errors.InvalidInput("delegate_to_id", "cannot delegate a task to the initiator")
		}

		siblings, err := tx.Tasks().ListByNode(ctx, inst.ID, task.NodeID)
		if err != nil {
			return err
		}
		if holdsSeat(siblings, task, delegateTo) {
			return errors.InvalidInput("delegate_to_id", "user already holds or acted on a task at this node")
		}

		active, err := e.org.IsActive(ctx, delegateTo)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to check delegate status")
		}
		if !active {
			return errors.InvalidInput("delegate_to_id", "user is not active")
		}

		now := e.now()
		task.Status = repository.TaskStatusDelegated
		task.DelegatedToID = &delegateTo
		task.Action = strPtr(string(repository.ActionDelegate))
		task.Comment = optionalStr(req.Comment)
		task.ActedBy = strPtr(req.ActorID)
		task.CompletedAt = &now
		if err := tx.Tasks().Update(ctx, task); err != nil {
			return err
		}

		successor := &repository.ApprovalTask{
			InstanceID:          inst.ID,
			NodeID:              task.NodeID,
			NodeSequence:        task.NodeSequence,
			AssigneeID:          delegateTo,
			OriginalAssigneeID:  task.OriginalAssigneeID,
			DelegatedFromTaskID: &task.ID,
			CandidateIDs:        append([]string{}, task.CandidateIDs...),
			Status:              repository.TaskStatusPending,
			DueAt:               task.DueAt,
		}
		if err := tx.Tasks().Create(ctx, successor); err != nil {
			return err
		}
		if err := tx.Instances().Update(ctx, inst); err != nil {
			return err
		}

		if err := tx.ActionLogs().Append(ctx, &repository.ApprovalActionLog{
			InstanceID: inst.ID,
			TaskID:     &task.ID,
			ActorID:    req.ActorID,
			Action:     repository.ActionDelegate,
			Comment:    optionalStr(req.Comment),
			FromNodeID: &task.NodeID,
			ToNodeID:   &task.NodeID,
			FromStatus: strPtr(string(repository.TaskStatusPending)),
			ToStatus:   strPtr(string(repository.TaskStatusDelegated)),
			Metadata: map[string]interface{}{
				"delegated_to": delegateTo,
				"new_task_id":  successor.ID,
			},
		}); err != nil {
			return err
		}

		result = &DelegateResult{Instance: inst, Delegated: task, Task: successor}
		return nil
	})
	status := ""
	if result != nil {
		status = string(result.Instance.Status)
	}
	e.metrics.observe("delegate", started, err, status)
	if err != nil {
		e.recordDenied(ctx, err, denied, req.ActorID, req.Comment)
		return nil, err
	}
	if result.Replayed {
		return result, nil
	}

	e.log.Info().
		Str("instance_id", result.Instance.ID).
		Str("task_id", result.Delegated.ID).
		Str("delegated_to", delegateTo).
		Msg("Approval task delegated")

	e.afterCommit(ctx, result.Instance, []*repository.ApprovalTask{result.Task}, false)
	return result, nil
}

func delegatedSuccessor(ctx context.Context, tx repository.Tx, task *repository.ApprovalTask) (*repository.ApprovalTask, error) {
	siblings, err := tx.Tasks().ListByNode(ctx, task.InstanceID, task.NodeID)
	if err != nil {
		return nil, err
	}
	for _, s := range siblings {
		if s.DelegatedFromTaskID != nil && *s.DelegatedFromTaskID == task.ID {
			return s, nil
		}
	}
	return nil, errors.NotFound("approval_task", "delegated from "+task.ID)
}

// ── Withdraw / Terminate ──────────────────────────────────────────────────────

// Withdraw lets the initiator cancel a PENDING instance. Open tasks become
// WITHDRAWN and the instance CANCELLED.
func (e *ApprovalEngine) Withdraw(ctx context.Context, req *InstanceRequest) (*DecisionResult, error) {
	return e.stop(ctx, "withdraw", repository.ActionWithdraw, repository.InstanceStatusCancelled, repository.TaskStatusWithdrawn, req,
		func(inst *repository.ApprovalInstance) error {
			if inst.InitiatorID != req.ActorID {
				return errors.Unauthorized("only the initiator can withdraw an approval instance").
					WithDetail("instance_id", inst.ID)
			}
			return nil
		})
}

// Terminate force-stops a PENDING instance. Only holders of the configured
// admin role may terminate; open tasks become CANCELLED and the instance
// TERMINATED.
func (e *ApprovalEngine) Terminate(ctx context.Context, req *InstanceRequest) (*DecisionResult, error) {
	isAdmin, err := e.IsAdmin(ctx, req.ActorID)
	if err != nil {
		return nil, err
	}
	return e.stop(ctx, "terminate", repository.ActionTerminate, repository.InstanceStatusTerminated, repository.TaskStatusCancelled, req,
		func(inst *repository.ApprovalInstance) error {
			if !isAdmin {
				return errors.Unauthorized("only approval administrators can terminate an instance").
					WithDetail("instance_id", inst.ID)
			}
			return nil
		})
}

// IsAdmin reports whether userID holds the configured admin role.
func (e *ApprovalEngine) IsAdmin(ctx context.Context, userID string) (bool, error) {
	if userID == "" || e.cfg.AdminRole == "" {
		return false, nil
	}
	roles, err := e.org.RolesOf(ctx, userID)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve user roles")
	}
	for _, r := range roles {
		if r == e.cfg.AdminRole {
			return true, nil
		}
	}
	return false, nil
}

func (e *ApprovalEngine) stop(
	ctx context.Context,
	op string,
	action repository.ActionType,
	final repository.InstanceStatus,
	taskStatus repository.TaskStatus,
	req *InstanceRequest,
	authorize func(*repository.ApprovalInstance) error,
) (*DecisionResult, error) {
	started := time.Now()
	var (
		result *DecisionResult
		denied *deniedAttempt
	)
	err := e.runner.run(ctx, op, func(ctx context.Context, tx repository.Tx) error {
		result, denied = nil, nil

		if req.ActorID == "" {
			return errors.InvalidInput("actor_id", "is required")
		}
		if req.InstanceID == "" {
			return errors.InvalidInput("instance_id", "is required")
		}
		inst, err := tx.Instances().GetForUpdate(ctx, req.InstanceID)
		if err != nil {
			return err
		}
		if err := authorize(inst); err != nil {
			denied = &deniedAttempt{instanceID: inst.ID, action: action}
			return err
		}
		if inst.Status == final {
			result = &DecisionResult{Instance: inst, Replayed: true}
			return nil
		}
		if inst.Status != repository.InstanceStatusPending {
			return errors.InvalidState("approval_instance", inst.ID, string(inst.Status), string(repository.InstanceStatusPending))
		}

		tasks, err := tx.Tasks().ListByInstance(ctx, inst.ID)
		if err != nil {
			return err
		}
		var open []*repository.ApprovalTask
		for _, t := range tasks {
			if t.Status == repository.TaskStatusPending {
				open = append(open, t)
			}
		}
		closed, err := e.closeTasks(ctx, tx, open, taskStatus, e.now())
		if err != nil {
			return err
		}

		fromNode := inst.CurrentNodeID
		e.complete(inst, final, req.Comment, nil)
		if err := tx.Instances().Update(ctx, inst); err != nil {
			return err
		}

		if err := tx.ActionLogs().Append(ctx, &repository.ApprovalActionLog{
			InstanceID: inst.ID,
			ActorID:    req.ActorID,
			Action:     action,
			Comment:    optionalStr(req.Comment),
			FromNodeID: fromNode,
			FromStatus: strPtr(string(repository.InstanceStatusPending)),
			ToStatus:   strPtr(string(final)),
			Metadata: map[string]interface{}{
				"closed_task_ids": taskIDs(closed),
			},
		}); err != nil {
			return err
		}

		result = &DecisionResult{Instance: inst}
		return nil
	})
	status := ""
	if result != nil {
		status = string(result.Instance.Status)
	}
	e.metrics.observe(op, started, err, status)
	if err != nil {
		e.recordDenied(ctx, err, denied, req.ActorID, req.Comment)
		return nil, err
	}
	if result.Replayed {
		return result, nil
	}

	e.log.Info().
		Str("instance_id", result.Instance.ID).
		Str("actor_id", req.ActorID).
		Str("status", string(final)).
		Msg("Approval instance stopped")

	e.afterCommit(ctx, result.Instance, nil, true)
	return result, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetPendingTasks returns the tasks awaiting userID, most urgent first.
func (e *ApprovalEngine) GetPendingTasks(ctx context.Context, userID string) ([]*repository.PendingTask, error) {
	return e.dispatcher.ListPendingForUser(ctx, userID)
}

// GetHistory returns the audit trail of an instance, oldest first.
func (e *ApprovalEngine) GetHistory(ctx context.Context, instanceID string) ([]*repository.ApprovalActionLog, error) {
	if instanceID == "" {
		return nil, errors.InvalidInput("instance_id", "is required")
	}
	var out []*repository.ApprovalActionLog
	err := e.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.Instances().GetByID(ctx, instanceID); err != nil {
			return err
		}
		var err error
		out, err = tx.ActionLogs().ListByInstance(ctx, instanceID)
		return err
	})
	return out, err
}

// GetInstance returns an instance with its tasks and carbon-copy recipients.
func (e *ApprovalEngine) GetInstance(ctx context.Context, instanceID string) (*InstanceDetail, error) {
	if instanceID == "" {
		return nil, errors.InvalidInput("instance_id", "is required")
	}
	var detail *InstanceDetail
	err := e.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		inst, err := tx.Instances().GetByID(ctx, instanceID)
		if err != nil {
			return err
		}
		tasks, err := tx.Tasks().ListByInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		ccs, err := tx.CarbonCopies().ListByInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		detail = &InstanceDetail{Instance: inst, Tasks: tasks, CarbonCopies: ccs}
		return nil
	})
	return detail, err
}

// ── Internal helpers ──────────────────────────────────────────────────────────

func (e *ApprovalEngine) resolveTemplate(ctx context.Context, tx repository.Tx, req *SubmitRequest) (*repository.ApprovalTemplate, error) {
	var (
		tpl *repository.ApprovalTemplate
		err error
	)
	switch {
	case req.TemplateID != "":
		tpl, err = tx.Templates().GetByID(ctx, req.TemplateID)
	case req.TemplateCode != "":
		tpl, err = tx.Templates().GetPublishedByCode(ctx, req.TemplateCode)
	default:
		return nil, errors.InvalidInput("template_id", "is required")
	}
	if err != nil {
		return nil, err
	}
	if tpl.Status != repository.TemplateStatusPublished {
		return nil, errors.InvalidState("approval_template", tpl.ID, string(tpl.Status), string(repository.TemplateStatusPublished))
	}
	if req.EntityType != "" && req.EntityType != tpl.EntityType {
		return nil, errors.InvalidInput("entity_type", "does not match the template's entity type").
			WithDetail("template_entity_type", tpl.EntityType)
	}
	return tpl, nil
}

// draftTemplate returns the template a draft is submitted against. A draft
// whose version was retired moves to the published version of the same code.
func (e *ApprovalEngine) draftTemplate(ctx context.Context, tx repository.Tx, inst *repository.ApprovalInstance) (*repository.ApprovalTemplate, error) {
	tpl, err := tx.Templates().GetByID(ctx, inst.TemplateID)
	if err != nil {
		return nil, err
	}
	if tpl.Status != repository.TemplateStatusRetired {
		return tpl, nil
	}
	current, err := tx.Templates().GetPublishedByCode(ctx, tpl.Code)
	if err != nil {
		if errors.Is(err, errors.ErrCodeNotFound) {
			return nil, errors.InvalidState("approval_template", tpl.ID, string(tpl.Status), string(repository.TemplateStatusPublished))
		}
		return nil, err
	}
	if current.EntityType != inst.EntityType {
		return nil, errors.InvalidInput("entity_type", "does not match the template's entity type").
			WithDetail("template_entity_type", current.EntityType)
	}
	e.log.Info().
		Str("instance_id", inst.ID).
		Str("from_template_id", tpl.ID).
		Str("to_template_id", current.ID).
		Int("version", current.Version).
		Msg("Draft moved to the published template version")
	inst.TemplateID = current.ID
	inst.FlowID = current.FlowID
	return current, nil
}

func (e *ApprovalEngine) newDraft(ctx context.Context, tx repository.Tx, tpl *repository.ApprovalTemplate, req *SubmitRequest) (*repository.ApprovalInstance, error) {
	if strings.TrimSpace(req.EntityID) == "" {
		return nil, errors.InvalidInput("entity_id", "is required")
	}
	if strings.TrimSpace(req.InitiatorID) == "" {
		return nil, errors.InvalidInput("initiator_id", "is required")
	}
	urgency := req.Urgency
	if urgency == "" {
		urgency = repository.UrgencyNormal
	}
	if urgency.Rank() < 0 {
		return nil, errors.InvalidInput("urgency", "must be NORMAL, URGENT or CRITICAL")
	}
	formData, err := normalizeFormData(req.FormData)
	if err != nil {
		return nil, err
	}

	no, err := e.numbers.Next(ctx, tx)
	if err != nil {
		return nil, err
	}
	inst := &repository.ApprovalInstance{
		InstanceNo:  no,
		TemplateID:  tpl.ID,
		FlowID:      tpl.FlowID,
		EntityType:  tpl.EntityType,
		EntityID:    req.EntityID,
		Title:       req.Title,
		InitiatorID: req.InitiatorID,
		FormData:    formData,
		Status:      repository.InstanceStatusDraft,
		Urgency:     urgency,
	}
	if err := tx.Instances().Create(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// holdsSeat reports whether userID already has a vote at the node of task,
// through a task of their own or one delegated on their behalf. Tasks in the
// chain of task itself and tasks that never produced a vote are ignored.
func holdsSeat(siblings []*repository.ApprovalTask, task *repository.ApprovalTask, userID string) bool {
	for _, s := range siblings {
		if s.OriginalAssigneeID == task.OriginalAssigneeID {
			continue
		}
		switch s.Status {
		case repository.TaskStatusCancelled, repository.TaskStatusExpired, repository.TaskStatusWithdrawn:
			continue
		}
		if s.AssigneeID == userID || s.OriginalAssigneeID == userID {
			return true
		}
	}
	return false
}

// normalizeFormData checks that form data is a JSON object and compacts it.
func normalizeFormData(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if _, err := decodeForm(raw); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, errors.InvalidInput("form_data", "must be a JSON object")
	}
	return buf.Bytes(), nil
}

// enterNode walks the nodes after afterSeq, skipping CONDITIONAL nodes whose
// condition fails, and opens tasks at the first node entered. It returns a
// nil node when the flow is exhausted.
func (e *ApprovalEngine) enterNode(
	ctx context.Context,
	tx repository.Tx,
	inst *repository.ApprovalInstance,
	flow *repository.ApprovalFlowDefinition,
	afterSeq int,
) (*repository.ApprovalNodeDefinition, []*repository.ApprovalTask, []*repository.ApprovalNodeDefinition, error) {
	var skipped []*repository.ApprovalNodeDefinition
	for _, node := range flow.NodesAfter(afterSeq) {
		if node.NodeType == repository.NodeTypeConditional {
			ok, err := EvaluateCondition(node.Condition, inst.FormData)
			if err != nil {
				return nil, nil, nil, err
			}
			if !ok {
				skipped = append(skipped, node)
				continue
			}
		}
		tasks, err := e.dispatcher.OpenTasksForNode(ctx, tx, inst, node)
		if err != nil {
			return nil, nil, nil, err
		}
		return node, tasks, skipped, nil
	}
	return nil, nil, skipped, nil
}

func (e *ApprovalEngine) moveTo(inst *repository.ApprovalInstance, node *repository.ApprovalNodeDefinition) {
	nodeID := node.ID
	inst.Status = repository.InstanceStatusPending
	inst.CurrentNodeID = &nodeID
	inst.CurrentNodeOrder = node.Sequence
}

// complete moves inst to a terminal status and clears its current node.
func (e *ApprovalEngine) complete(inst *repository.ApprovalInstance, status repository.InstanceStatus, comment string, approverID *string) {
	now := e.now()
	inst.Status = status
	inst.CurrentNodeID = nil
	inst.CompletedAt = &now
	inst.FinalComment = optionalStr(comment)
	if approverID != nil {
		inst.FinalApproverID = strPtr(*approverID)
	}
}

func (e *ApprovalEngine) closeTasks(ctx context.Context, tx repository.Tx, tasks []*repository.ApprovalTask, status repository.TaskStatus, at time.Time) ([]*repository.ApprovalTask, error) {
	for _, t := range tasks {
		t.Status = status
		t.CompletedAt = &at
		if err := tx.Tasks().Update(ctx, t); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// appendLogs writes entry followed by one SKIP entry per skipped node.
func (e *ApprovalEngine) appendLogs(ctx context.Context, tx repository.Tx, entry *repository.ApprovalActionLog, skipped []*repository.ApprovalNodeDefinition) error {
	if err := tx.ActionLogs().Append(ctx, entry); err != nil {
		return err
	}
	for _, node := range skipped {
		nodeID := node.ID
		if err := tx.ActionLogs().Append(ctx, &repository.ApprovalActionLog{
			InstanceID: entry.InstanceID,
			ActorID:    systemActor,
			Action:     repository.ActionSkip,
			FromNodeID: &nodeID,
			Metadata: map[string]interface{}{
				"node_code": node.NodeCode,
				"field":     node.Condition.Field,
				"operator":  string(node.Condition.Operator),
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

// recordDenied writes a DENIED audit entry in its own transaction when the
// failed attempt was an authorization failure and auditing is enabled.
func (e *ApprovalEngine) recordDenied(ctx context.Context, err error, denied *deniedAttempt, actorID, comment string) {
	if !e.cfg.AuditDeniedAttempts || denied == nil || !errors.Is(err, errors.ErrCodeAuthorization) {
		return
	}
	if actorID == "" {
		actorID = "anonymous"
	}
	auditErr := e.store.InTransaction(context.WithoutCancel(ctx), func(ctx context.Context, tx repository.Tx) error {
		return tx.ActionLogs().Append(ctx, &repository.ApprovalActionLog{
			InstanceID: denied.instanceID,
			TaskID:     denied.taskID,
			ActorID:    actorID,
			Action:     repository.ActionDenied,
			Comment:    optionalStr(comment),
			Metadata: map[string]interface{}{
				"attempted_action": string(denied.action),
				"reason":           err.Error(),
			},
		})
	})
	if auditErr != nil {
		e.log.Warn().Err(auditErr).Str("instance_id", denied.instanceID).Msg("Failed to record denied attempt")
	}
}

// afterCommit runs the best-effort side effects of a committed transition.
func (e *ApprovalEngine) afterCommit(ctx context.Context, inst *repository.ApprovalInstance, opened []*repository.ApprovalTask, completed bool) {
	ctx = context.WithoutCancel(ctx)
	if len(opened) > 0 {
		e.assignments.TasksAssigned(ctx, inst, opened)
	}
	if completed {
		e.carbonCopies.NotifyOnCompletion(ctx, inst)
		e.completions.InstanceCompleted(ctx, inst)
	}
}

func taskIDs(tasks []*repository.ApprovalTask) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}
