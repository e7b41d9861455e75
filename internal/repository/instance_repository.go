package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

const instanceColumns = `
	id, instance_no, template_id, flow_id, entity_type, entity_id,
	title, initiator_id, form_data, status,
	current_node_id, current_node_order, urgency,
	submitted_at, completed_at, final_comment, final_approver_id,
	version, created_at, updated_at`

// InstanceRepository manages approval instances and the daily number
// sequence.
type InstanceRepository struct {
	q querier
}

// NewInstanceRepository creates a new InstanceRepository.
func NewInstanceRepository(q querier) *InstanceRepository {
	return &InstanceRepository{q: q}
}

// NextSequence increments the counter row for (prefix, day). Concurrent
// callers serialise on the row lock taken by the upsert.
func (r *InstanceRepository) NextSequence(ctx context.Context, prefix string, day time.Time) (int, error) {
	query := `
		INSERT INTO approval_instance_sequences (prefix, day, seq)
		VALUES ($1, $2, 1)
		ON CONFLICT (prefix, day) DO UPDATE
		    SET seq = approval_instance_sequences.seq + 1
		RETURNING seq
	`

	var seq int
	if err := r.q.QueryRow(ctx, query, prefix, day.Format("2006-01-02")).Scan(&seq); err != nil {
		return 0, mapError(err, "failed to allocate instance number")
	}
	return seq, nil
}

// Create inserts a new instance.
func (r *InstanceRepository) Create(ctx context.Context, inst *ApprovalInstance) error {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if len(inst.FormData) == 0 {
		inst.FormData = []byte("{}")
	}
	if inst.Version == 0 {
		inst.Version = 1
	}

	query := `
		INSERT INTO approval_instances
		    (id, instance_no, template_id, flow_id, entity_type, entity_id,
		     title, initiator_id, form_data, status,
		     current_node_id, current_node_order, urgency,
		     submitted_at, completed_at, final_comment, final_approver_id,
		     version)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10,
		        $11, $12, $13,
		        $14, $15, $16, $17,
		        $18)
		RETURNING created_at, updated_at
	`

	err := r.q.QueryRow(ctx, query,
		inst.ID,
		inst.InstanceNo,
		inst.TemplateID,
		inst.FlowID,
		inst.EntityType,
		inst.EntityID,
		inst.Title,
		inst.InitiatorID,
		[]byte(inst.FormData),
		inst.Status,
		inst.CurrentNodeID,
		inst.CurrentNodeOrder,
		inst.Urgency,
		inst.SubmittedAt,
		inst.CompletedAt,
		inst.FinalComment,
		inst.FinalApproverID,
		inst.Version,
	).Scan(&inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return mapError(err, "failed to create approval instance")
	}
	return nil
}

// GetByID retrieves an instance without locking it.
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*ApprovalInstance, error) {
	return r.get(ctx, `SELECT `+instanceColumns+` FROM approval_instances WHERE id = $1`, id)
}

// GetForUpdate retrieves an instance and locks its row for the rest of the
// transaction.
func (r *InstanceRepository) GetForUpdate(ctx context.Context, id string) (*ApprovalInstance, error) {
	return r.get(ctx, `SELECT `+instanceColumns+` FROM approval_instances WHERE id = $1 FOR UPDATE`, id)
}

func (r *InstanceRepository) get(ctx context.Context, query, id string) (*ApprovalInstance, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound("approval_instance", id)
	}
	inst, err := scanInstance(r.q.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_instance", id)
	}
	if err != nil {
		return nil, mapError(err, "failed to get approval instance")
	}
	return inst, nil
}

// Update writes the mutable columns when the stored version still matches
// inst.Version. A lost race surfaces as a retryable persistence error.
func (r *InstanceRepository) Update(ctx context.Context, inst *ApprovalInstance) error {
	query := `
		UPDATE approval_instances
		SET status             = $3,
		    current_node_id    = $4,
		    current_node_order = $5,
		    submitted_at       = $6,
		    completed_at       = $7,
		    final_comment      = $8,
		    final_approver_id  = $9,
		    template_id        = $10,
		    flow_id            = $11,
		    version            = version + 1,
		    updated_at         = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`

	err := r.q.QueryRow(ctx, query,
		inst.ID,
		inst.Version,
		inst.Status,
		inst.CurrentNodeID,
		inst.CurrentNodeOrder,
		inst.SubmittedAt,
		inst.CompletedAt,
		inst.FinalComment,
		inst.FinalApproverID,
		inst.TemplateID,
		inst.FlowID,
	).Scan(&inst.Version, &inst.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.Persistence(err, "approval instance was modified concurrently").
			WithDetail("id", inst.ID).
			WithDetail("version", inst.Version)
	}
	return mapError(err, "failed to update approval instance")
}

// CountByFlow returns how many instances reference a flow.
func (r *InstanceRepository) CountByFlow(ctx context.Context, flowID string) (int, error) {
	var n int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM approval_instances WHERE flow_id = $1`, flowID).Scan(&n); err != nil {
		return 0, mapError(err, "failed to count approval instances")
	}
	return n, nil
}

func scanInstance(row rowScanner) (*ApprovalInstance, error) {
	inst := &ApprovalInstance{}
	var formData []byte
	err := row.Scan(
		&inst.ID,
		&inst.InstanceNo,
		&inst.TemplateID,
		&inst.FlowID,
		&inst.EntityType,
		&inst.EntityID,
		&inst.Title,
		&inst.InitiatorID,
		&formData,
		&inst.Status,
		&inst.CurrentNodeID,
		&inst.CurrentNodeOrder,
		&inst.Urgency,
		&inst.SubmittedAt,
		&inst.CompletedAt,
		&inst.FinalComment,
		&inst.FinalApproverID,
		&inst.Version,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.FormData = formData
	return inst, nil
}
