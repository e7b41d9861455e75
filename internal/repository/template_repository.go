package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// TemplateRepository manages template versions, their flows and nodes.
type TemplateRepository struct {
	q querier
}

// NewTemplateRepository creates a new TemplateRepository.
func NewTemplateRepository(q querier) *TemplateRepository {
	return &TemplateRepository{q: q}
}

// Create inserts a template, its flow and all nodes of the flow.
func (r *TemplateRepository) Create(ctx context.Context, tpl *ApprovalTemplate, flow *ApprovalFlowDefinition) error {
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}
	tpl.FlowID = flow.ID
	flow.TemplateID = tpl.ID

	tplQuery := `
		INSERT INTO approval_templates
		    (id, code, name, entity_type, version, status,
		     flow_id, description, checksum, created_by, published_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11)
		RETURNING created_at
	`

	err := r.q.QueryRow(ctx, tplQuery,
		tpl.ID,
		tpl.Code,
		tpl.Name,
		tpl.EntityType,
		tpl.Version,
		tpl.Status,
		tpl.FlowID,
		tpl.Description,
		tpl.Checksum,
		tpl.CreatedBy,
		tpl.PublishedAt,
	).Scan(&tpl.CreatedAt)
	if err != nil {
		return mapError(err, "failed to create approval template")
	}

	flowQuery := `
		INSERT INTO approval_flows (id, template_id, status)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`

	if err := r.q.QueryRow(ctx, flowQuery, flow.ID, flow.TemplateID, flow.Status).Scan(&flow.CreatedAt); err != nil {
		return mapError(err, "failed to create approval flow")
	}

	return r.insertNodes(ctx, flow.ID, flow.Nodes)
}

// GetByID retrieves a template version by its primary key.
func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*ApprovalTemplate, error) {
	query := `
		SELECT id, code, name, entity_type, version, status,
		       flow_id, description, checksum, created_by,
		       created_at, published_at
		FROM approval_templates
		WHERE id = $1
	`

	tpl, err := scanTemplate(r.q.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_template", id)
	}
	if err != nil {
		return nil, mapError(err, "failed to get approval template")
	}
	return tpl, nil
}

// GetPublishedByCode returns the single published version of a template code.
func (r *TemplateRepository) GetPublishedByCode(ctx context.Context, code string) (*ApprovalTemplate, error) {
	query := `
		SELECT id, code, name, entity_type, version, status,
		       flow_id, description, checksum, created_by,
		       created_at, published_at
		FROM approval_templates
		WHERE code = $1 AND status = 'PUBLISHED'
	`

	tpl, err := scanTemplate(r.q.QueryRow(ctx, query, code))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_template", code)
	}
	if err != nil {
		return nil, mapError(err, "failed to get published approval template")
	}
	return tpl, nil
}

// LatestVersion returns the highest version number stored for code.
func (r *TemplateRepository) LatestVersion(ctx context.Context, code string) (int, error) {
	var version int
	err := r.q.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM approval_templates WHERE code = $1`,
		code,
	).Scan(&version)
	if err != nil {
		return 0, mapError(err, "failed to get latest template version")
	}
	return version, nil
}

// List returns every template version, optionally filtered by entity type.
func (r *TemplateRepository) List(ctx context.Context, entityType string) ([]*ApprovalTemplate, error) {
	query := `
		SELECT id, code, name, entity_type, version, status,
		       flow_id, description, checksum, created_by,
		       created_at, published_at
		FROM approval_templates
		WHERE ($1 = '' OR entity_type = $1)
		ORDER BY code ASC, version DESC
	`

	rows, err := r.q.Query(ctx, query, entityType)
	if err != nil {
		return nil, mapError(err, "failed to list approval templates")
	}
	defer rows.Close()

	var out []*ApprovalTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, mapError(err, "failed to scan approval template")
		}
		out = append(out, tpl)
	}
	return out, mapError(rows.Err(), "failed to iterate approval templates")
}

// UpdateStatus sets the status of a template version and stamps published_at.
func (r *TemplateRepository) UpdateStatus(ctx context.Context, id string, status TemplateStatus, publishedAt *time.Time) error {
	query := `
		UPDATE approval_templates
		SET status       = $2,
		    published_at = COALESCE($3, published_at)
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.q.QueryRow(ctx, query, id, status, publishedAt).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_template", id)
	}
	return mapError(err, "failed to update approval template status")
}

// GetFlow loads a flow with its nodes ordered by sequence.
func (r *TemplateRepository) GetFlow(ctx context.Context, flowID string) (*ApprovalFlowDefinition, error) {
	flow := &ApprovalFlowDefinition{}
	err := r.q.QueryRow(ctx,
		`SELECT id, template_id, status, created_at FROM approval_flows WHERE id = $1`,
		flowID,
	).Scan(&flow.ID, &flow.TemplateID, &flow.Status, &flow.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_flow", flowID)
	}
	if err != nil {
		return nil, mapError(err, "failed to get approval flow")
	}

	query := `
		SELECT id, flow_id, node_code, node_name, node_type, sequence,
		       approval_policy, assignee_rule, condition
		FROM approval_nodes
		WHERE flow_id = $1
		ORDER BY sequence ASC
	`

	rows, err := r.q.Query(ctx, query, flowID)
	if err != nil {
		return nil, mapError(err, "failed to get approval nodes")
	}
	defer rows.Close()

	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		flow.Nodes = append(flow.Nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "failed to iterate approval nodes")
	}
	return flow, nil
}

// UpdateFlowStatus keeps a flow's status in step with its template.
func (r *TemplateRepository) UpdateFlowStatus(ctx context.Context, flowID string, status TemplateStatus) error {
	tag, err := r.q.Exec(ctx, `UPDATE approval_flows SET status = $2 WHERE id = $1`, flowID, status)
	if err != nil {
		return mapError(err, "failed to update approval flow status")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_flow", flowID)
	}
	return nil
}

// ReplaceNodes deletes and re-inserts the nodes of a DRAFT flow.
func (r *TemplateRepository) ReplaceNodes(ctx context.Context, flowID string, nodes []*ApprovalNodeDefinition) error {
	var status TemplateStatus
	err := r.q.QueryRow(ctx, `SELECT status FROM approval_flows WHERE id = $1 FOR UPDATE`, flowID).Scan(&status)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_flow", flowID)
	}
	if err != nil {
		return mapError(err, "failed to lock approval flow")
	}
	if status != TemplateStatusDraft {
		return errors.InvalidState("approval_flow", flowID, string(status), string(TemplateStatusDraft))
	}

	if _, err := r.q.Exec(ctx, `DELETE FROM approval_nodes WHERE flow_id = $1`, flowID); err != nil {
		return mapError(err, "failed to delete approval nodes")
	}
	return r.insertNodes(ctx, flowID, nodes)
}

func (r *TemplateRepository) insertNodes(ctx context.Context, flowID string, nodes []*ApprovalNodeDefinition) error {
	query := `
		INSERT INTO approval_nodes
		    (id, flow_id, node_code, node_name, node_type, sequence,
		     approval_policy, assignee_rule, condition)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9)
	`

	for _, node := range nodes {
		if node.ID == "" {
			node.ID = uuid.NewString()
		}
		node.FlowID = flowID

		ruleJSON, err := json.Marshal(node.Assignee)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal assignee rule")
		}
		var condJSON []byte
		if node.Condition != nil {
			if condJSON, err = json.Marshal(node.Condition); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal node condition")
			}
		}

		_, err = r.q.Exec(ctx, query,
			node.ID,
			node.FlowID,
			node.NodeCode,
			node.NodeName,
			node.NodeType,
			node.Sequence,
			node.ApprovalPolicy,
			ruleJSON,
			condJSON,
		)
		if err != nil {
			return mapError(err, "failed to create approval node")
		}
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*ApprovalTemplate, error) {
	tpl := &ApprovalTemplate{}
	err := row.Scan(
		&tpl.ID,
		&tpl.Code,
		&tpl.Name,
		&tpl.EntityType,
		&tpl.Version,
		&tpl.Status,
		&tpl.FlowID,
		&tpl.Description,
		&tpl.Checksum,
		&tpl.CreatedBy,
		&tpl.CreatedAt,
		&tpl.PublishedAt,
	)
	if err != nil {
		return nil, err
	}
	return tpl, nil
}

func scanNode(row rowScanner) (*ApprovalNodeDefinition, error) {
	node := &ApprovalNodeDefinition{}
	var ruleJSON, condJSON []byte
	err := row.Scan(
		&node.ID,
		&node.FlowID,
		&node.NodeCode,
		&node.NodeName,
		&node.NodeType,
		&node.Sequence,
		&node.ApprovalPolicy,
		&ruleJSON,
		&condJSON,
	)
	if err != nil {
		return nil, mapError(err, "failed to scan approval node")
	}
	if err := json.Unmarshal(ruleJSON, &node.Assignee); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal assignee rule")
	}
	if len(condJSON) > 0 {
		node.Condition = &NodeCondition{}
		if err := json.Unmarshal(condJSON, node.Condition); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal node condition")
		}
	}
	return node, nil
}
