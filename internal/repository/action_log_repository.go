package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// ActionLogRepository appends and reads immutable action log entries.
type ActionLogRepository struct {
	q querier
}

// NewActionLogRepository creates a new ActionLogRepository.
func NewActionLogRepository(q querier) *ActionLogRepository {
	return &ActionLogRepository{q: q}
}

// Append inserts one entry. The table rejects updates and deletes with a
// trigger, so this is the only mutation exposed.
func (r *ActionLogRepository) Append(ctx context.Context, entry *ApprovalActionLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal action log metadata")
		}
	}

	query := `
		INSERT INTO approval_action_logs
		    (id, instance_id, task_id, actor_id, action, comment,
		     from_node_id, to_node_id, from_status, to_status,
		     metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10,
		        $11, clock_timestamp())
		RETURNING created_at
	`

	err := r.q.QueryRow(ctx, query,
		entry.ID,
		entry.InstanceID,
		entry.TaskID,
		entry.ActorID,
		entry.Action,
		entry.Comment,
		entry.FromNodeID,
		entry.ToNodeID,
		entry.FromStatus,
		entry.ToStatus,
		metadataJSON,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return mapError(err, "failed to append action log")
	}
	return nil
}

// ListByInstance returns the full trail of an instance, oldest first.
func (r *ActionLogRepository) ListByInstance(ctx context.Context, instanceID string) ([]*ApprovalActionLog, error) {
	query := `
		SELECT id, instance_id, task_id, actor_id, action, comment,
		       from_node_id, to_node_id, from_status, to_status,
		       metadata, created_at
		FROM approval_action_logs
		WHERE instance_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.q.Query(ctx, query, instanceID)
	if err != nil {
		return nil, mapError(err, "failed to get action log")
	}
	defer rows.Close()

	var out []*ApprovalActionLog
	for rows.Next() {
		entry := &ApprovalActionLog{}
		var metadataJSON []byte
		if err := rows.Scan(
			&entry.ID,
			&entry.InstanceID,
			&entry.TaskID,
			&entry.ActorID,
			&entry.Action,
			&entry.Comment,
			&entry.FromNodeID,
			&entry.ToNodeID,
			&entry.FromStatus,
			&entry.ToStatus,
			&metadataJSON,
			&entry.CreatedAt,
		); err != nil {
			return nil, mapError(err, "failed to scan action log")
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal action log metadata")
			}
		}
		out = append(out, entry)
	}
	return out, mapError(rows.Err(), "failed to iterate action log")
}
