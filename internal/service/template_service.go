package service

import (
	"context"
	"strings"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// TemplateDefinition describes a template version to create.
type TemplateDefinition struct {
	Code        string
	Name        string
	EntityType  string
	Description string
	Checksum    string
	CreatedBy   string
	Nodes       []*repository.ApprovalNodeDefinition
}

// TemplateDetail is a template version together with its flow.
type TemplateDetail struct {
	Template *repository.ApprovalTemplate
	Flow     *repository.ApprovalFlowDefinition
}

// TemplateService owns template versions and resolves who approves a node.
type TemplateService struct {
	store         repository.Store
	org           OrgChart
	defaultPolicy repository.ApprovalPolicy
	log           *logger.Logger
	now           func() time.Time
}

// NewTemplateService creates a new TemplateService.
func NewTemplateService(store repository.Store, org OrgChart, defaultPolicy repository.ApprovalPolicy, log *logger.Logger) *TemplateService {
	if defaultPolicy == "" {
		defaultPolicy = repository.ApprovalPolicyAll
	}
	return &TemplateService{
		store:         store,
		org:           org,
		defaultPolicy: defaultPolicy,
		log:           log,
		now:           time.Now,
	}
}

// ── Authoring ─────────────────────────────────────────────────────────────────

// CreateTemplate stores def as a new DRAFT version of its code.
func (s *TemplateService) CreateTemplate(ctx context.Context, def *TemplateDefinition) (*TemplateDetail, error) {
	var detail *TemplateDetail
	err := s.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		detail, err = s.createVersion(ctx, tx, def)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("template_id", detail.Template.ID).
		Str("code", detail.Template.Code).
		Int("version", detail.Template.Version).
		Msg("Approval template created")
	return detail, nil
}

// ApplyDefinition creates and publishes def unless the published version of
// its code already carries the same checksum. The second return value reports
// whether a new version was published.
func (s *TemplateService) ApplyDefinition(ctx context.Context, def *TemplateDefinition) (*TemplateDetail, bool, error) {
	var (
		detail  *TemplateDetail
		changed bool
	)
	err := s.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		detail, changed = nil, false

		current, err := tx.Templates().GetPublishedByCode(ctx, def.Code)
		if err != nil && !errors.Is(err, errors.ErrCodeNotFound) {
			return err
		}
		if current != nil && def.Checksum != "" && current.Checksum == def.Checksum {
			flow, err := tx.Templates().GetFlow(ctx, current.FlowID)
			if err != nil {
				return err
			}
			detail = &TemplateDetail{Template: current, Flow: flow}
			return nil
		}

		created, err := s.createVersion(ctx, tx, def)
		if err != nil {
			return err
		}
		if err := s.publish(ctx, tx, created.Template); err != nil {
			return err
		}
		created.Flow.Status = repository.TemplateStatusPublished
		detail, changed = created, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		s.log.Info().
			Str("code", detail.Template.Code).
			Int("version", detail.Template.Version).
			Str("checksum", detail.Template.Checksum).
			Msg("Approval template definition published")
	}
	return detail, changed, nil
}

// UpdateNodes replaces the node list of a DRAFT template.
func (s *TemplateService) UpdateNodes(ctx context.Context, templateID string, nodes []*repository.ApprovalNodeDefinition) (*TemplateDetail, error) {
	var detail *TemplateDetail
	err := s.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		tpl, err := tx.Templates().GetByID(ctx, templateID)
		if err != nil {
			return err
		}
		if tpl.Status != repository.TemplateStatusDraft {
			return errors.InvalidState("approval_template", tpl.ID, string(tpl.Status), string(repository.TemplateStatusDraft))
		}
		if err := s.normalizeNodes(nodes); err != nil {
			return err
		}
		if err := tx.Templates().ReplaceNodes(ctx, tpl.FlowID, nodes); err != nil {
			return err
		}
		flow, err := tx.Templates().GetFlow(ctx, tpl.FlowID)
		if err != nil {
			return err
		}
		detail = &TemplateDetail{Template: tpl, Flow: flow}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// PublishTemplate publishes a DRAFT version and retires the version of the
// same code that was published before it.
func (s *TemplateService) PublishTemplate(ctx context.Context, templateID string) (*repository.ApprovalTemplate, error) {
	var tpl *repository.ApprovalTemplate
	err := s.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		tpl, err = tx.Templates().GetByID(ctx, templateID)
		if err != nil {
			return err
		}
		if tpl.Status != repository.TemplateStatusDraft {
			return errors.InvalidState("approval_template", tpl.ID, string(tpl.Status), string(repository.TemplateStatusDraft))
		}
		return s.publish(ctx, tx, tpl)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("template_id", tpl.ID).
		Str("code", tpl.Code).
		Int("version", tpl.Version).
		Msg("Approval template published")
	return tpl, nil
}

// NewTemplateVersion copies an existing version into a new DRAFT with the
// next version number.
func (s *TemplateService) NewTemplateVersion(ctx context.Context, templateID, createdBy string) (*TemplateDetail, error) {
	var detail *TemplateDetail
	err := s.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		src, err := tx.Templates().GetByID(ctx, templateID)
		if err != nil {
			return err
		}
		flow, err := tx.Templates().GetFlow(ctx, src.FlowID)
		if err != nil {
			return err
		}
		nodes := make([]*repository.ApprovalNodeDefinition, 0, len(flow.Nodes))
		for _, n := range flow.Nodes {
			c := *n
			c.ID, c.FlowID = "", ""
			nodes = append(nodes, &c)
		}
		detail, err = s.createVersion(ctx, tx, &TemplateDefinition{
			Code:        src.Code,
			Name:        src.Name,
			EntityType:  src.EntityType,
			Description: src.Description,
			CreatedBy:   createdBy,
			Nodes:       nodes,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// ── Reads ─────────────────────────────────────────────────────────────────────

// GetTemplate returns a template version with its flow.
func (s *TemplateService) GetTemplate(ctx context.Context, templateID string) (*TemplateDetail, error) {
	var detail *TemplateDetail
	err := s.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		tpl, err := tx.Templates().GetByID(ctx, templateID)
		if err != nil {
			return err
		}
		flow, err := tx.Templates().GetFlow(ctx, tpl.FlowID)
		if err != nil {
			return err
		}
		detail = &TemplateDetail{Template: tpl, Flow: flow}
		return nil
	})
	return detail, err
}

// ListTemplates returns every version, optionally for one entity type.
func (s *TemplateService) ListTemplates(ctx context.Context, entityType string) ([]*repository.ApprovalTemplate, error) {
	var out []*repository.ApprovalTemplate
	err := s.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		out, err = tx.Templates().List(ctx, entityType)
		return err
	})
	return out, err
}

// GetFlowForTemplate returns the ordered flow of a PUBLISHED template.
func (s *TemplateService) GetFlowForTemplate(ctx context.Context, templateID string) (*repository.ApprovalFlowDefinition, error) {
	var flow *repository.ApprovalFlowDefinition
	err := s.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		tpl, err := tx.Templates().GetByID(ctx, templateID)
		if err != nil {
			return err
		}
		flow, err = s.flowForTemplate(ctx, tx, tpl)
		return err
	})
	return flow, err
}

func (s *TemplateService) flowForTemplate(ctx context.Context, tx repository.Tx, tpl *repository.ApprovalTemplate) (*repository.ApprovalFlowDefinition, error) {
	if tpl.Status != repository.TemplateStatusPublished {
		return nil, errors.InvalidState("approval_template", tpl.ID, string(tpl.Status), string(repository.TemplateStatusPublished))
	}
	flow, err := tx.Templates().GetFlow(ctx, tpl.FlowID)
	if err != nil {
		return nil, err
	}
	if len(flow.Nodes) == 0 {
		return nil, errors.Configuration("template %s has no approval nodes", tpl.Code)
	}
	return flow, nil
}

// ── Assignee resolution ───────────────────────────────────────────────────────

// ResolveAssignees evaluates node's assignee rule for inst and returns the
// active users in ranking order. An empty result is a ConfigurationError.
func (s *TemplateService) ResolveAssignees(ctx context.Context, node *repository.ApprovalNodeDefinition, inst *repository.ApprovalInstance) ([]string, error) {
	candidates, err := s.candidates(ctx, node.Assignee, inst)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(candidates))
	var active []string
	for _, userID := range candidates {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		ok, err := s.org.IsActive(ctx, userID)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to check user status")
		}
		if !ok {
			s.log.Debug().Str("user_id", userID).Str("node", node.NodeCode).Msg("Skipping inactive assignee")
			continue
		}
		active = append(active, userID)
	}

	if len(active) == 0 {
		return nil, errors.Configuration("node %s resolved to no active assignees", node.NodeCode).
			WithDetail("node_id", node.ID).
			WithDetail("assignee_kind", string(node.Assignee.Kind))
	}
	return active, nil
}

func (s *TemplateService) candidates(ctx context.Context, rule repository.AssigneeRule, inst *repository.ApprovalInstance) ([]string, error) {
	switch rule.Kind {
	case repository.AssigneeFixedUsers:
		return rule.UserIDs, nil

	case repository.AssigneeRole:
		users, err := s.org.UsersWithRole(ctx, rule.Role)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve role members")
		}
		return users, nil

	case repository.AssigneeDepartmentHead:
		department := ""
		if rule.Field != "" {
			form, err := decodeForm(inst.FormData)
			if err != nil {
				return nil, err
			}
			if vals := form.stringList(rule.Field); len(vals) > 0 {
				department = vals[0]
			}
		}
		if department == "" {
			var err error
			department, err = s.org.DepartmentOf(ctx, inst.InitiatorID)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve initiator department")
			}
		}
		if department == "" {
			return nil, nil
		}
		head, err := s.org.DepartmentHeadOf(ctx, department)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve department head")
		}
		return []string{head}, nil

	case repository.AssigneeFormField:
		form, err := decodeForm(inst.FormData)
		if err != nil {
			return nil, err
		}
		return form.stringList(rule.Field), nil

	case repository.AssigneeInitiatorManager:
		manager, err := s.org.ManagerOf(ctx, inst.InitiatorID)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve initiator manager")
		}
		return []string{manager}, nil
	}
	return nil, errors.Configuration("unknown assignee rule kind %q", rule.Kind)
}

// ── Internal helpers ──────────────────────────────────────────────────────────

func (s *TemplateService) createVersion(ctx context.Context, tx repository.Tx, def *TemplateDefinition) (*TemplateDetail, error) {
	if err := validateDefinition(def); err != nil {
		return nil, err
	}
	if err := s.normalizeNodes(def.Nodes); err != nil {
		return nil, err
	}

	latest, err := tx.Templates().LatestVersion(ctx, def.Code)
	if err != nil {
		return nil, err
	}

	tpl := &repository.ApprovalTemplate{
		Code:        def.Code,
		Name:        def.Name,
		EntityType:  def.EntityType,
		Version:     latest + 1,
		Status:      repository.TemplateStatusDraft,
		Description: def.Description,
		Checksum:    def.Checksum,
		CreatedBy:   def.CreatedBy,
	}
	flow := &repository.ApprovalFlowDefinition{
		Status: repository.TemplateStatusDraft,
		Nodes:  def.Nodes,
	}
	if err := tx.Templates().Create(ctx, tpl, flow); err != nil {
		return nil, err
	}
	return &TemplateDetail{Template: tpl, Flow: flow}, nil
}

func (s *TemplateService) publish(ctx context.Context, tx repository.Tx, tpl *repository.ApprovalTemplate) error {
	current, err := tx.Templates().GetPublishedByCode(ctx, tpl.Code)
	switch {
	case err == nil:
		if err := tx.Templates().UpdateStatus(ctx, current.ID, repository.TemplateStatusRetired, nil); err != nil {
			return err
		}
		if err := tx.Templates().UpdateFlowStatus(ctx, current.FlowID, repository.TemplateStatusRetired); err != nil {
			return err
		}
	case !errors.Is(err, errors.ErrCodeNotFound):
		return err
	}

	now := s.now()
	if err := tx.Templates().UpdateStatus(ctx, tpl.ID, repository.TemplateStatusPublished, &now); err != nil {
		return err
	}
	if err := tx.Templates().UpdateFlowStatus(ctx, tpl.FlowID, repository.TemplateStatusPublished); err != nil {
		return err
	}
	tpl.Status = repository.TemplateStatusPublished
	tpl.PublishedAt = &now
	return nil
}

func validateDefinition(def *TemplateDefinition) error {
	if strings.TrimSpace(def.Code) == "" {
		return errors.InvalidInput("code", "is required")
	}
	if strings.TrimSpace(def.Name) == "" {
		return errors.InvalidInput("name", "is required")
	}
	if strings.TrimSpace(def.EntityType) == "" {
		return errors.InvalidInput("entity_type", "is required")
	}
	return nil
}

// normalizeNodes fills defaults and checks every node, including the strictly
// increasing sequence invariant.
func (s *TemplateService) normalizeNodes(nodes []*repository.ApprovalNodeDefinition) error {
	if len(nodes) == 0 {
		return errors.Configuration("flow requires at least one node")
	}

	codes := make(map[string]struct{}, len(nodes))
	prev := 0
	for i, n := range nodes {
		if strings.TrimSpace(n.NodeCode) == "" {
			return errors.Configuration("node %d: node_code is required", i+1)
		}
		if _, dup := codes[n.NodeCode]; dup {
			return errors.Configuration("node %s: duplicate node_code", n.NodeCode)
		}
		codes[n.NodeCode] = struct{}{}

		if n.Sequence <= prev {
			return errors.Configuration("node %s: sequence %d must be greater than %d", n.NodeCode, n.Sequence, prev)
		}
		prev = n.Sequence

		if n.NodeName == "" {
			n.NodeName = n.NodeCode
		}
		if n.ApprovalPolicy == "" {
			n.ApprovalPolicy = s.defaultPolicy
		}

		switch n.NodeType {
		case repository.NodeTypeSerial, repository.NodeTypeParallel:
			if n.Condition != nil {
				return errors.Configuration("node %s: only CONDITIONAL nodes carry a condition", n.NodeCode)
			}
		case repository.NodeTypeConditional:
			if err := validateCondition(n.NodeCode, n.Condition); err != nil {
				return err
			}
		default:
			return errors.Configuration("node %s: unknown node_type %q", n.NodeCode, n.NodeType)
		}

		switch n.ApprovalPolicy {
		case repository.ApprovalPolicyAll, repository.ApprovalPolicyAny:
		default:
			return errors.Configuration("node %s: unknown approval_policy %q", n.NodeCode, n.ApprovalPolicy)
		}

		if err := validateRule(n.NodeCode, n.Assignee); err != nil {
			return err
		}
	}
	return nil
}

func validateRule(nodeCode string, rule repository.AssigneeRule) error {
	switch rule.Kind {
	case repository.AssigneeFixedUsers:
		if len(rule.UserIDs) == 0 {
			return errors.Configuration("node %s: FIXED_USERS rule requires user_ids", nodeCode)
		}
	case repository.AssigneeRole:
		if rule.Role == "" {
			return errors.Configuration("node %s: ROLE rule requires role", nodeCode)
		}
	case repository.AssigneeFormField:
		if rule.Field == "" {
			return errors.Configuration("node %s: FORM_FIELD rule requires field", nodeCode)
		}
	case repository.AssigneeDepartmentHead, repository.AssigneeInitiatorManager:
	default:
		return errors.Configuration("node %s: unknown assignee kind %q", nodeCode, rule.Kind)
	}
	return nil
}
