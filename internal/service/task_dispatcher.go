package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// DispatcherConfig tunes task creation.
type DispatcherConfig struct {
	// DueAfter stamps DueAt on new tasks; zero leaves it unset.
	DueAfter   time.Duration
	MaxRetries int
}

// ExpireResult is the outcome of moving a serial task to its next candidate.
type ExpireResult struct {
	Expired *repository.ApprovalTask
	Next    *repository.ApprovalTask
}

// TaskDispatcher opens tasks when an instance enters a node and serves the
// per-user pending list.
type TaskDispatcher struct {
	store       repository.Store
	templates   *TemplateService
	org         OrgChart
	assignments AssignmentListener
	runner      *txRunner
	cfg         DispatcherConfig
	metrics     *Metrics
	log         *logger.Logger
	now         func() time.Time
}

// NewTaskDispatcher creates a new TaskDispatcher. assignments may be nil.
func NewTaskDispatcher(
	store repository.Store,
	templates *TemplateService,
	org OrgChart,
	assignments AssignmentListener,
	cfg DispatcherConfig,
	metrics *Metrics,
	log *logger.Logger,
) *TaskDispatcher {
	if assignments == nil {
		assignments = nopListener{}
	}
	return &TaskDispatcher{
		store:       store,
		templates:   templates,
		org:         org,
		assignments: assignments,
		runner:      &txRunner{store: store, maxRetries: cfg.MaxRetries, metrics: metrics, log: log},
		cfg:         cfg,
		metrics:     metrics,
		log:         log,
		now:         time.Now,
	}
}

// OpenTasksForNode resolves node's assignees and creates their PENDING tasks
// inside tx. A PARALLEL node gets one task per assignee; SERIAL and
// CONDITIONAL nodes get a single task for the first-ranked assignee, with
// the rest kept as that task's fallback candidates.
func (d *TaskDispatcher) OpenTasksForNode(ctx context.Context, tx repository.Tx, inst *repository.ApprovalInstance, node *repository.ApprovalNodeDefinition) ([]*repository.ApprovalTask, error) {
	assignees, err := d.templates.ResolveAssignees(ctx, node, inst)
	if err != nil {
		return nil, err
	}

	var tasks []*repository.ApprovalTask
	if node.NodeType == repository.NodeTypeParallel {
		for _, userID := range assignees {
			tasks = append(tasks, d.newTask(inst, node, userID, nil))
		}
	} else {
		tasks = append(tasks, d.newTask(inst, node, assignees[0], assignees[1:]))
	}

	for _, task := range tasks {
		if err := tx.Tasks().Create(ctx, task); err != nil {
			return nil, err
		}
	}
	d.metrics.opened(string(node.NodeType), len(tasks))
	return tasks, nil
}

// ListPendingForUser returns the user's actionable tasks, most urgent first.
func (d *TaskDispatcher) ListPendingForUser(ctx context.Context, userID string) ([]*repository.PendingTask, error) {
	if userID == "" {
		return nil, errors.InvalidInput("user_id", "is required")
	}
	var out []*repository.PendingTask
	err := d.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		out, err = tx.Tasks().ListPendingForUser(ctx, userID)
		return err
	})
	return out, err
}

// Expire marks a PENDING serial task EXPIRED and hands the node to the next
// active candidate. It fails with a ConfigurationError when no candidate is
// left, leaving the task untouched.
func (d *TaskDispatcher) Expire(ctx context.Context, taskID, actorID string) (*ExpireResult, error) {
	if actorID == "" {
		actorID = systemActor
	}

	var (
		result *ExpireResult
		inst   *repository.ApprovalInstance
	)
	err := d.runner.run(ctx, "expire", func(ctx context.Context, tx repository.Tx) error {
		result, inst = nil, nil

		task, locked, err := lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		inst = locked
		if err := requireActionable(inst, task); err != nil {
			return err
		}

		flow, err := tx.Templates().GetFlow(ctx, inst.FlowID)
		if err != nil {
			return err
		}
		node := flow.NodeByID(task.NodeID)
		if node == nil {
			return errors.Configuration("node %s missing from flow %s", task.NodeID, flow.ID)
		}
		if node.NodeType == repository.NodeTypeParallel {
			return errors.InvalidState("approval_node", node.ID, string(node.NodeType),
				string(repository.NodeTypeSerial), string(repository.NodeTypeConditional))
		}

		next, remaining, err := d.nextCandidate(ctx, task.CandidateIDs)
		if err != nil {
			return err
		}
		if next == "" {
			return errors.Configuration("node %s has no remaining fallback approver", node.NodeCode).
				WithDetail("task_id", task.ID)
		}

		now := d.now()
		task.Status = repository.TaskStatusExpired
		task.Action = strPtr(string(repository.ActionExpire))
		task.ActedBy = strPtr(actorID)
		task.CompletedAt = &now
		if err := tx.Tasks().Update(ctx, task); err != nil {
			return err
		}

		newTask := d.newTask(inst, node, next, remaining)
		if err := tx.Tasks().Create(ctx, newTask); err != nil {
			return err
		}

		if err := tx.ActionLogs().Append(ctx, &repository.ApprovalActionLog{
			InstanceID: inst.ID,
			TaskID:     &task.ID,
			ActorID:    actorID,
			Action:     repository.ActionExpire,
			FromNodeID: &node.ID,
			ToNodeID:   &node.ID,
			FromStatus: strPtr(string(repository.TaskStatusPending)),
			ToStatus:   strPtr(string(repository.TaskStatusExpired)),
			Metadata: map[string]interface{}{
				"expired_assignee": task.AssigneeID,
				"next_assignee":    next,
				"new_task_id":      newTask.ID,
			},
		}); err != nil {
			return err
		}

		if err := tx.Instances().Update(ctx, inst); err != nil {
			return err
		}
		result = &ExpireResult{Expired: task, Next: newTask}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.log.Info().
		Str("instance_id", inst.ID).
		Str("expired_task_id", result.Expired.ID).
		Str("next_assignee", result.Next.AssigneeID).
		Msg("Approval task expired")

	d.assignments.TasksAssigned(context.WithoutCancel(ctx), inst, []*repository.ApprovalTask{result.Next})
	return result, nil
}

// nextCandidate pops inactive users off the fallback queue and returns the
// first active one with the rest of the queue.
func (d *TaskDispatcher) nextCandidate(ctx context.Context, queue []string) (string, []string, error) {
	for i, userID := range queue {
		ok, err := d.org.IsActive(ctx, userID)
		if err != nil {
			return "", nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to check user status")
		}
		if ok {
			return userID, append([]string(nil), queue[i+1:]...), nil
		}
	}
	return "", nil, nil
}

func (d *TaskDispatcher) newTask(inst *repository.ApprovalInstance, node *repository.ApprovalNodeDefinition, assigneeID string, candidates []string) *repository.ApprovalTask {
	task := &repository.ApprovalTask{
		InstanceID:         inst.ID,
		NodeID:             node.ID,
		NodeSequence:       node.Sequence,
		AssigneeID:         assigneeID,
		OriginalAssigneeID: assigneeID,
		CandidateIDs:       append([]string{}, candidates...),
		Status:             repository.TaskStatusPending,
	}
	if d.cfg.DueAfter > 0 {
		due := d.now().Add(d.cfg.DueAfter)
		task.DueAt = &due
	}
	return task
}

// lockTask reads a task, locks its instance and re-reads the task under the
// lock so the caller sees the state other transactions committed.
func lockTask(ctx context.Context, tx repository.Tx, taskID string) (*repository.ApprovalTask, *repository.ApprovalInstance, error) {
	if taskID == "" {
		return nil, nil, errors.InvalidInput("task_id", "is required")
	}
	task, err := tx.Tasks().GetByID(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	inst, err := tx.Instances().GetForUpdate(ctx, task.InstanceID)
	if err != nil {
		return nil, nil, err
	}
	task, err = tx.Tasks().GetByID(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	return task, inst, nil
}

// requireActionable checks that task can be decided right now.
func requireActionable(inst *repository.ApprovalInstance, task *repository.ApprovalTask) error {
	if inst.Status != repository.InstanceStatusPending {
		return errors.InvalidState("approval_instance", inst.ID, string(inst.Status), string(repository.InstanceStatusPending))
	}
	if task.Status != repository.TaskStatusPending {
		err := errors.InvalidState("approval_task", task.ID, string(task.Status), string(repository.TaskStatusPending))
		if task.ActedBy != nil {
			err.WithDetail("acted_by", *task.ActedBy)
		}
		if task.CompletedAt != nil {
			err.WithDetail("acted_at", task.CompletedAt.UTC().Format(time.RFC3339))
		}
		return err
	}
	if inst.CurrentNodeID == nil || *inst.CurrentNodeID != task.NodeID {
		return errors.New(errors.ErrCodeInvalidState, "task does not belong to the instance's current node").
			WithDetail("task_id", task.ID).
			WithDetail("instance_id", inst.ID)
	}
	return nil
}

func strPtr(s string) *string {
	return &s
}

func optionalStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
