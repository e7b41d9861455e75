package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// CarbonCopyRepository manages carbon-copy recipients of an instance.
type CarbonCopyRepository struct {
	q querier
}

// NewCarbonCopyRepository creates a new CarbonCopyRepository.
func NewCarbonCopyRepository(q querier) *CarbonCopyRepository {
	return &CarbonCopyRepository{q: q}
}

// Add inserts a recipient. Adding the same user to the same instance twice
// leaves the existing row in place and loads it into cc.
func (r *CarbonCopyRepository) Add(ctx context.Context, cc *ApprovalCarbonCopy) error {
	if cc.ID == "" {
		cc.ID = uuid.NewString()
	}

	query := `
		WITH ins AS (
		    INSERT INTO approval_carbon_copies (id, instance_id, user_id, added_by)
		    VALUES ($1, $2, $3, $4)
		    ON CONFLICT (instance_id, user_id) DO NOTHING
		    RETURNING id, added_by, notified_at, read_at, created_at
		)
		SELECT id, added_by, notified_at, read_at, created_at FROM ins
		UNION ALL
		SELECT id, added_by, notified_at, read_at, created_at
		FROM approval_carbon_copies
		WHERE instance_id = $2 AND user_id = $3
		LIMIT 1
	`

	err := r.q.QueryRow(ctx, query, cc.ID, cc.InstanceID, cc.UserID, cc.AddedBy).
		Scan(&cc.ID, &cc.AddedBy, &cc.NotifiedAt, &cc.ReadAt, &cc.CreatedAt)
	if err != nil {
		return mapError(err, "failed to add carbon copy")
	}
	return nil
}

// ListByInstance returns the recipients of an instance.
func (r *CarbonCopyRepository) ListByInstance(ctx context.Context, instanceID string) ([]*ApprovalCarbonCopy, error) {
	query := `
		SELECT id, instance_id, user_id, added_by, notified_at, read_at, created_at
		FROM approval_carbon_copies
		WHERE instance_id = $1
		ORDER BY created_at ASC, user_id ASC
	`
	return r.list(ctx, query, instanceID)
}

// ListForUser returns a user's carbon-copy inbox, newest first.
func (r *CarbonCopyRepository) ListForUser(ctx context.Context, userID string) ([]*ApprovalCarbonCopy, error) {
	query := `
		SELECT id, instance_id, user_id, added_by, notified_at, read_at, created_at
		FROM approval_carbon_copies
		WHERE user_id = $1
		ORDER BY created_at DESC, id ASC
	`
	return r.list(ctx, query, userID)
}

// MarkNotified stamps notified_at once.
func (r *CarbonCopyRepository) MarkNotified(ctx context.Context, id string, at time.Time) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE approval_carbon_copies SET notified_at = COALESCE(notified_at, $2) WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return mapError(err, "failed to mark carbon copy notified")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_carbon_copy", id)
	}
	return nil
}

// MarkRead stamps read_at on a carbon copy owned by userID.
func (r *CarbonCopyRepository) MarkRead(ctx context.Context, id, userID string, at time.Time) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.NotFound("approval_carbon_copy", id)
	}
	tag, err := r.q.Exec(ctx,
		`UPDATE approval_carbon_copies SET read_at = COALESCE(read_at, $3) WHERE id = $1 AND user_id = $2`,
		id, userID, at,
	)
	if err != nil {
		return mapError(err, "failed to mark carbon copy read")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_carbon_copy", id)
	}
	return nil
}

func (r *CarbonCopyRepository) list(ctx context.Context, query string, arg string) ([]*ApprovalCarbonCopy, error) {
	rows, err := r.q.Query(ctx, query, arg)
	if err != nil {
		return nil, mapError(err, "failed to list carbon copies")
	}
	defer rows.Close()

	var out []*ApprovalCarbonCopy
	for rows.Next() {
		cc := &ApprovalCarbonCopy{}
		if err := rows.Scan(
			&cc.ID,
			&cc.InstanceID,
			&cc.UserID,
			&cc.AddedBy,
			&cc.NotifiedAt,
			&cc.ReadAt,
			&cc.CreatedAt,
		); err != nil {
			return nil, mapError(err, "failed to scan carbon copy")
		}
		out = append(out, cc)
	}
	return out, mapError(rows.Err(), "failed to iterate carbon copies")
}
