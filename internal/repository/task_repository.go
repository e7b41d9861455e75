package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

const taskColumns = `
	t.id, t.instance_id, t.node_id, t.node_sequence,
	t.assignee_id, t.original_assignee_id,
	t.delegated_to_id, t.delegated_from_task_id, t.candidate_ids,
	t.status, t.action, t.comment, t.acted_by,
	t.due_at, t.created_at, t.completed_at`

// TaskRepository manages approval tasks.
type TaskRepository struct {
	q querier
}

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository(q querier) *TaskRepository {
	return &TaskRepository{q: q}
}

// Create inserts a task.
func (r *TaskRepository) Create(ctx context.Context, task *ApprovalTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.OriginalAssigneeID == "" {
		task.OriginalAssigneeID = task.AssigneeID
	}

	query := `
		INSERT INTO approval_tasks
		    (id, instance_id, node_id, node_sequence,
		     assignee_id, original_assignee_id,
		     delegated_to_id, delegated_from_task_id, candidate_ids,
		     status, action, comment, acted_by,
		     due_at, completed_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6,
		        $7, $8, $9,
		        $10, $11, $12, $13,
		        $14, $15)
		RETURNING created_at
	`

	err := r.q.QueryRow(ctx, query,
		task.ID,
		task.InstanceID,
		task.NodeID,
		task.NodeSequence,
		task.AssigneeID,
		task.OriginalAssigneeID,
		task.DelegatedToID,
		task.DelegatedFromTaskID,
		candidates(task.CandidateIDs),
		task.Status,
		task.Action,
		task.Comment,
		task.ActedBy,
		task.DueAt,
		task.CompletedAt,
	).Scan(&task.CreatedAt)
	if err != nil {
		return mapError(err, "failed to create approval task")
	}
	return nil
}

// GetByID retrieves a task by its primary key.
func (r *TaskRepository) GetByID(ctx context.Context, id string) (*ApprovalTask, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound("approval_task", id)
	}
	query := `SELECT ` + taskColumns + ` FROM approval_tasks t WHERE t.id = $1`

	task, err := scanTask(r.q.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_task", id)
	}
	if err != nil {
		return nil, mapError(err, "failed to get approval task")
	}
	return task, nil
}

// Update writes the mutable columns of a task.
func (r *TaskRepository) Update(ctx context.Context, task *ApprovalTask) error {
	query := `
		UPDATE approval_tasks
		SET assignee_id     = $2,
		    delegated_to_id = $3,
		    candidate_ids   = $4,
		    status          = $5,
		    action          = $6,
		    comment         = $7,
		    acted_by        = $8,
		    due_at          = $9,
		    completed_at    = $10
		WHERE id = $1
	`

	tag, err := r.q.Exec(ctx, query,
		task.ID,
		task.AssigneeID,
		task.DelegatedToID,
		candidates(task.CandidateIDs),
		task.Status,
		task.Action,
		task.Comment,
		task.ActedBy,
		task.DueAt,
		task.CompletedAt,
	)
	if err != nil {
		return mapError(err, "failed to update approval task")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_task", task.ID)
	}
	return nil
}

// ListByInstance returns every task of an instance in creation order.
func (r *TaskRepository) ListByInstance(ctx context.Context, instanceID string) ([]*ApprovalTask, error) {
	query := `SELECT ` + taskColumns + `
		FROM approval_tasks t
		WHERE t.instance_id = $1
		ORDER BY t.node_sequence ASC, t.created_at ASC, t.id ASC`
	return r.list(ctx, query, instanceID)
}

// ListByNode returns the tasks opened at one node of an instance.
func (r *TaskRepository) ListByNode(ctx context.Context, instanceID, nodeID string) ([]*ApprovalTask, error) {
	query := `SELECT ` + taskColumns + `
		FROM approval_tasks t
		WHERE t.instance_id = $1 AND t.node_id = $2
		ORDER BY t.created_at ASC, t.id ASC`
	return r.list(ctx, query, instanceID, nodeID)
}

// ListPendingForUser joins each pending task with its instance and node. The
// most urgent instances come first, oldest tasks first within an urgency.
func (r *TaskRepository) ListPendingForUser(ctx context.Context, userID string) ([]*PendingTask, error) {
	query := `SELECT ` + taskColumns + `,
		       i.instance_no, i.entity_type, i.entity_id, i.title,
		       i.initiator_id, i.urgency, n.node_name, i.submitted_at
		FROM approval_tasks t
		JOIN approval_instances i ON i.id = t.instance_id
		JOIN approval_nodes n ON n.id = t.node_id
		WHERE t.assignee_id = $1
		  AND t.status = 'PENDING'
		  AND i.status = 'PENDING'
		ORDER BY CASE i.urgency
		             WHEN 'CRITICAL' THEN 2
		             WHEN 'URGENT' THEN 1
		             ELSE 0
		         END DESC,
		         t.created_at ASC,
		         t.id ASC`

	rows, err := r.q.Query(ctx, query, userID)
	if err != nil {
		return nil, mapError(err, "failed to list pending approval tasks")
	}
	defer rows.Close()

	var out []*PendingTask
	for rows.Next() {
		task := &ApprovalTask{}
		pt := &PendingTask{Task: task}
		err := rows.Scan(append(taskDest(task),
			&pt.InstanceNo,
			&pt.EntityType,
			&pt.EntityID,
			&pt.Title,
			&pt.InitiatorID,
			&pt.Urgency,
			&pt.NodeName,
			&pt.SubmittedAt,
		)...)
		if err != nil {
			return nil, mapError(err, "failed to scan pending approval task")
		}
		out = append(out, pt)
	}
	return out, mapError(rows.Err(), "failed to iterate pending approval tasks")
}

func (r *TaskRepository) list(ctx context.Context, query string, args ...any) ([]*ApprovalTask, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "failed to list approval tasks")
	}
	defer rows.Close()

	var out []*ApprovalTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, mapError(err, "failed to scan approval task")
		}
		out = append(out, task)
	}
	return out, mapError(rows.Err(), "failed to iterate approval tasks")
}

func taskDest(task *ApprovalTask) []any {
	return []any{
		&task.ID,
		&task.InstanceID,
		&task.NodeID,
		&task.NodeSequence,
		&task.AssigneeID,
		&task.OriginalAssigneeID,
		&task.DelegatedToID,
		&task.DelegatedFromTaskID,
		&task.CandidateIDs,
		&task.Status,
		&task.Action,
		&task.Comment,
		&task.ActedBy,
		&task.DueAt,
		&task.CreatedAt,
		&task.CompletedAt,
	}
}

func scanTask(row rowScanner) (*ApprovalTask, error) {
	task := &ApprovalTask{}
	if err := row.Scan(taskDest(task)...); err != nil {
		return nil, err
	}
	return task, nil
}

// candidates keeps the NOT NULL candidate_ids column from receiving NULL.
func candidates(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
