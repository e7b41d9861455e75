package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
)

type fakeOrg struct {
	roles     map[string][]string // role -> users
	userRoles map[string][]string
	depts     map[string]string
	heads     map[string]string
	managers  map[string]string
	inactive  map[string]bool
	err       error
}

func newFakeOrg() *fakeOrg {
	return &fakeOrg{
		roles:     map[string][]string{},
		userRoles: map[string][]string{},
		depts:     map[string]string{},
		heads:     map[string]string{},
		managers:  map[string]string{},
		inactive:  map[string]bool{},
	}
}

func (o *fakeOrg) UsersWithRole(_ context.Context, role string) ([]string, error) {
	return o.roles[role], o.err
}

func (o *fakeOrg) RolesOf(_ context.Context, userID string) ([]string, error) {
	return o.userRoles[userID], o.err
}

func (o *fakeOrg) DepartmentOf(_ context.Context, userID string) (string, error) {
	return o.depts[userID], o.err
}

func (o *fakeOrg) DepartmentHeadOf(_ context.Context, department string) (string, error) {
	return o.heads[department], o.err
}

func (o *fakeOrg) ManagerOf(_ context.Context, userID string) (string, error) {
	return o.managers[userID], o.err
}

func (o *fakeOrg) IsActive(_ context.Context, userID string) (bool, error) {
	return !o.inactive[userID], o.err
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []*Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg *Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) recipients() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.sent {
		out = append(out, m.RecipientID)
	}
	return out
}

type recordingListener struct {
	mu        sync.Mutex
	completed []*repository.ApprovalInstance
	assigned  []*repository.ApprovalTask
}

func (l *recordingListener) InstanceCompleted(_ context.Context, inst *repository.ApprovalInstance) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed = append(l.completed, inst)
}

func (l *recordingListener) TasksAssigned(_ context.Context, _ *repository.ApprovalInstance, tasks []*repository.ApprovalTask) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.assigned = append(l.assigned, tasks...)
}

// harness wires the engine against the in-memory store.
type harness struct {
	t         *testing.T
	store     *memory.Store
	org       *fakeOrg
	notifier  *recordingNotifier
	listener  *recordingListener
	templates *TemplateService
	tasks     *TaskDispatcher
	ccs       *CarbonCopyService
	engine    *ApprovalEngine
}

type harnessOption func(*EngineConfig)

func withDeniedAudit() harnessOption {
	return func(c *EngineConfig) { c.AuditDeniedAttempts = true }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		store:    memory.New(),
		org:      newFakeOrg(),
		notifier: &recordingNotifier{},
		listener: &recordingListener{},
	}
	cfg := EngineConfig{MaxRetries: 3, AdminRole: "APPROVAL_ADMIN"}
	for _, opt := range opts {
		opt(&cfg)
	}

	log := logger.Nop()
	metrics := NewMetrics(nil)
	h.templates = NewTemplateService(h.store, h.org, repository.ApprovalPolicyAll, log)
	h.tasks = NewTaskDispatcher(h.store, h.templates, h.org, h.listener, DispatcherConfig{MaxRetries: 3}, metrics, log)
	h.ccs = NewCarbonCopyService(h.store, h.notifier, metrics, log)
	h.engine = NewApprovalEngine(h.store, h.templates, h.tasks, NewInstanceNumbers("AP", time.UTC), h.ccs,
		h.org, h.listener, h.listener, cfg, metrics, log)
	return h
}

func serial(seq int, code string, users ...string) *repository.ApprovalNodeDefinition {
	return &repository.ApprovalNodeDefinition{
		NodeCode: code,
		NodeType: repository.NodeTypeSerial,
		Sequence: seq,
		Assignee: repository.AssigneeRule{Kind: repository.AssigneeFixedUsers, UserIDs: users},
	}
}

func parallel(seq int, code string, policy repository.ApprovalPolicy, users ...string) *repository.ApprovalNodeDefinition {
	return &repository.ApprovalNodeDefinition{
		NodeCode:       code,
		NodeType:       repository.NodeTypeParallel,
		Sequence:       seq,
		ApprovalPolicy: policy,
		Assignee:       repository.AssigneeRule{Kind: repository.AssigneeFixedUsers, UserIDs: users},
	}
}

func conditional(seq int, code string, cond *repository.NodeCondition, users ...string) *repository.ApprovalNodeDefinition {
	return &repository.ApprovalNodeDefinition{
		NodeCode:  code,
		NodeType:  repository.NodeTypeConditional,
		Sequence:  seq,
		Condition: cond,
		Assignee:  repository.AssigneeRule{Kind: repository.AssigneeFixedUsers, UserIDs: users},
	}
}

// publish creates and publishes a template with the given nodes.
func (h *harness) publish(code string, nodes ...*repository.ApprovalNodeDefinition) *TemplateDetail {
	h.t.Helper()
	detail, changed, err := h.templates.ApplyDefinition(context.Background(), &TemplateDefinition{
		Code:       code,
		Name:       code,
		EntityType: "expense",
		CreatedBy:  "admin",
		Nodes:      nodes,
	})
	require.NoError(h.t, err)
	require.True(h.t, changed)
	return detail
}

func (h *harness) submit(tpl *TemplateDetail, form string, cc ...string) *SubmitResult {
	h.t.Helper()
	res, err := h.engine.Submit(context.Background(), h.request(tpl, form, cc...))
	require.NoError(h.t, err)
	return res
}

func (h *harness) request(tpl *TemplateDetail, form string, cc ...string) *SubmitRequest {
	if form == "" {
		form = `{}`
	}
	return &SubmitRequest{
		TemplateID:  tpl.Template.ID,
		EntityType:  "expense",
		EntityID:    fmt.Sprintf("EXP-%d", time.Now().UnixNano()),
		Title:       "Team dinner",
		FormData:    json.RawMessage(form),
		InitiatorID: "alice",
		CCUserIDs:   cc,
	}
}

func (h *harness) approve(taskID, actor string) *DecisionResult {
	h.t.Helper()
	res, err := h.engine.Approve(context.Background(), &DecisionRequest{TaskID: taskID, ActorID: actor, Comment: "ok"})
	require.NoError(h.t, err)
	return res
}

func (h *harness) instance(id string) *InstanceDetail {
	h.t.Helper()
	detail, err := h.engine.GetInstance(context.Background(), id)
	require.NoError(h.t, err)
	return detail
}

func (h *harness) history(id string) []repository.ActionType {
	h.t.Helper()
	logs, err := h.engine.GetHistory(context.Background(), id)
	require.NoError(h.t, err)
	out := make([]repository.ActionType, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Action)
	}
	return out
}

func pendingFor(tasks []*repository.ApprovalTask, assignee string) *repository.ApprovalTask {
	for _, t := range tasks {
		if t.AssigneeID == assignee && t.Status == repository.TaskStatusPending {
			return t
		}
	}
	return nil
}

func statuses(tasks []*repository.ApprovalTask) map[string]repository.TaskStatus {
	out := make(map[string]repository.TaskStatus, len(tasks))
	for _, t := range tasks {
		out[t.AssigneeID] = t.Status
	}
	return out
}
