// Package memory is an in-process repository.Store. A transaction holds the
// store lock for its whole duration and restores a snapshot when fn fails, so
// it gives the same all-or-nothing guarantee as the PostgreSQL store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Store keeps every record in maps guarded by one mutex.
type Store struct {
	mu   sync.Mutex
	data *state
	now  func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{data: newState(), now: time.Now}
}

// WithClock replaces the clock used for created_at style timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// InTransaction runs fn with exclusive access to the store.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return errors.Persistence(err, "transaction not started")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(ctx, &tx{st: s.data, now: s.now}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

type state struct {
	templates   map[string]*repository.ApprovalTemplate
	flows       map[string]*repository.ApprovalFlowDefinition
	sequences   map[string]int
	instances   map[string]*repository.ApprovalInstance
	instanceNos map[string]string
	tasks       map[string]*repository.ApprovalTask
	taskOrder   []string
	ccs         map[string]*repository.ApprovalCarbonCopy
	ccOrder     []string
	logs        []*repository.ApprovalActionLog
}

func newState() *state {
	return &state{
		templates:   map[string]*repository.ApprovalTemplate{},
		flows:       map[string]*repository.ApprovalFlowDefinition{},
		sequences:   map[string]int{},
		instances:   map[string]*repository.ApprovalInstance{},
		instanceNos: map[string]string{},
		tasks:       map[string]*repository.ApprovalTask{},
		ccs:         map[string]*repository.ApprovalCarbonCopy{},
	}
}

func (st *state) clone() *state {
	c := newState()
	for k, v := range st.templates {
		c.templates[k] = cloneTemplate(v)
	}
	for k, v := range st.flows {
		c.flows[k] = cloneFlow(v)
	}
	for k, v := range st.sequences {
		c.sequences[k] = v
	}
	for k, v := range st.instances {
		c.instances[k] = cloneInstance(v)
	}
	for k, v := range st.instanceNos {
		c.instanceNos[k] = v
	}
	for k, v := range st.tasks {
		c.tasks[k] = cloneTask(v)
	}
	c.taskOrder = append([]string(nil), st.taskOrder...)
	for k, v := range st.ccs {
		cc := *v
		c.ccs[k] = &cc
	}
	c.ccOrder = append([]string(nil), st.ccOrder...)
	c.logs = append([]*repository.ApprovalActionLog(nil), st.logs...)
	return c
}

type tx struct {
	st  *state
	now func() time.Time
}

func (t *tx) Templates() repository.Templates       { return &templates{t} }
func (t *tx) Instances() repository.Instances       { return &instances{t} }
func (t *tx) Tasks() repository.Tasks               { return &tasks{t} }
func (t *tx) CarbonCopies() repository.CarbonCopies { return &carbonCopies{t} }
func (t *tx) ActionLogs() repository.ActionLogs     { return &actionLogs{t} }

// ── templates ────────────────────────────────────────────────────────────────

type templates struct{ *tx }

func (r *templates) Create(_ context.Context, tpl *repository.ApprovalTemplate, flow *repository.ApprovalFlowDefinition) error {
	for _, existing := range r.st.templates {
		if existing.Code == tpl.Code && existing.Version == tpl.Version {
			return errors.Persistence(fmt.Errorf("duplicate template %s v%d", tpl.Code, tpl.Version), "failed to create approval template")
		}
		if tpl.Status == repository.TemplateStatusPublished && existing.Code == tpl.Code && existing.Status == repository.TemplateStatusPublished {
			return errors.Persistence(fmt.Errorf("template %s already has a published version", tpl.Code), "failed to create approval template")
		}
	}
	if err := checkNodes(flow.Nodes); err != nil {
		return err
	}
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}
	tpl.FlowID = flow.ID
	flow.TemplateID = tpl.ID
	tpl.CreatedAt = r.now()
	flow.CreatedAt = tpl.CreatedAt
	for _, n := range flow.Nodes {
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		n.FlowID = flow.ID
	}

	r.st.templates[tpl.ID] = cloneTemplate(tpl)
	r.st.flows[flow.ID] = cloneFlow(flow)
	return nil
}

func (r *templates) GetByID(_ context.Context, id string) (*repository.ApprovalTemplate, error) {
	tpl, ok := r.st.templates[id]
	if !ok {
		return nil, errors.NotFound("approval_template", id)
	}
	return cloneTemplate(tpl), nil
}

func (r *templates) GetPublishedByCode(_ context.Context, code string) (*repository.ApprovalTemplate, error) {
	for _, tpl := range r.st.templates {
		if tpl.Code == code && tpl.Status == repository.TemplateStatusPublished {
			return cloneTemplate(tpl), nil
		}
	}
	return nil, errors.NotFound("approval_template", code)
}

func (r *templates) LatestVersion(_ context.Context, code string) (int, error) {
	latest := 0
	for _, tpl := range r.st.templates {
		if tpl.Code == code && tpl.Version > latest {
			latest = tpl.Version
		}
	}
	return latest, nil
}

func (r *templates) List(_ context.Context, entityType string) ([]*repository.ApprovalTemplate, error) {
	var out []*repository.ApprovalTemplate
	for _, tpl := range r.st.templates {
		if entityType == "" || tpl.EntityType == entityType {
			out = append(out, cloneTemplate(tpl))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}

func (r *templates) UpdateStatus(_ context.Context, id string, status repository.TemplateStatus, publishedAt *time.Time) error {
	tpl, ok := r.st.templates[id]
	if !ok {
		return errors.NotFound("approval_template", id)
	}
	if status == repository.TemplateStatusPublished {
		for _, other := range r.st.templates {
			if other.ID != id && other.Code == tpl.Code && other.Status == repository.TemplateStatusPublished {
				return errors.Persistence(fmt.Errorf("template %s already has a published version", tpl.Code), "failed to update approval template status")
			}
		}
	}
	tpl.Status = status
	if publishedAt != nil {
		at := *publishedAt
		tpl.PublishedAt = &at
	}
	return nil
}

func (r *templates) GetFlow(_ context.Context, flowID string) (*repository.ApprovalFlowDefinition, error) {
	flow, ok := r.st.flows[flowID]
	if !ok {
		return nil, errors.NotFound("approval_flow", flowID)
	}
	return cloneFlow(flow), nil
}

func (r *templates) UpdateFlowStatus(_ context.Context, flowID string, status repository.TemplateStatus) error {
	flow, ok := r.st.flows[flowID]
	if !ok {
		return errors.NotFound("approval_flow", flowID)
	}
	flow.Status = status
	return nil
}

func (r *templates) ReplaceNodes(_ context.Context, flowID string, nodes []*repository.ApprovalNodeDefinition) error {
	flow, ok := r.st.flows[flowID]
	if !ok {
		return errors.NotFound("approval_flow", flowID)
	}
	if flow.Status != repository.TemplateStatusDraft {
		return errors.InvalidState("approval_flow", flowID, string(flow.Status), string(repository.TemplateStatusDraft))
	}
	if err := checkNodes(nodes); err != nil {
		return err
	}
	for _, n := range nodes {
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		n.FlowID = flowID
	}
	replaced := cloneFlow(&repository.ApprovalFlowDefinition{Nodes: nodes})
	flow.Nodes = replaced.Nodes
	return nil
}

// checkNodes enforces the unique (flow, sequence) and (flow, node_code) keys.
func checkNodes(nodes []*repository.ApprovalNodeDefinition) error {
	seqs := map[int]bool{}
	codes := map[string]bool{}
	for _, n := range nodes {
		if seqs[n.Sequence] || codes[n.NodeCode] {
			return errors.Persistence(fmt.Errorf("duplicate node %s/%d", n.NodeCode, n.Sequence), "failed to create approval node")
		}
		seqs[n.Sequence] = true
		codes[n.NodeCode] = true
	}
	return nil
}

// ── instances ────────────────────────────────────────────────────────────────

type instances struct{ *tx }

func (r *instances) NextSequence(_ context.Context, prefix string, day time.Time) (int, error) {
	key := prefix + "|" + day.Format("2006-01-02")
	r.st.sequences[key]++
	return r.st.sequences[key], nil
}

func (r *instances) Create(_ context.Context, inst *repository.ApprovalInstance) error {
	if _, dup := r.st.instanceNos[inst.InstanceNo]; dup {
		return errors.Persistence(fmt.Errorf("duplicate instance_no %s", inst.InstanceNo), "failed to create approval instance")
	}
	if err := checkInstance(inst); err != nil {
		return err
	}
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if len(inst.FormData) == 0 {
		inst.FormData = []byte("{}")
	}
	if inst.Version == 0 {
		inst.Version = 1
	}
	inst.CreatedAt = r.now()
	inst.UpdatedAt = inst.CreatedAt

	r.st.instances[inst.ID] = cloneInstance(inst)
	r.st.instanceNos[inst.InstanceNo] = inst.ID
	return nil
}

func (r *instances) GetByID(_ context.Context, id string) (*repository.ApprovalInstance, error) {
	inst, ok := r.st.instances[id]
	if !ok {
		return nil, errors.NotFound("approval_instance", id)
	}
	return cloneInstance(inst), nil
}

func (r *instances) GetForUpdate(ctx context.Context, id string) (*repository.ApprovalInstance, error) {
	return r.GetByID(ctx, id)
}

func (r *instances) Update(_ context.Context, inst *repository.ApprovalInstance) error {
	stored, ok := r.st.instances[inst.ID]
	if !ok {
		return errors.NotFound("approval_instance", inst.ID)
	}
	if stored.Version != inst.Version {
		return errors.Persistence(fmt.Errorf("version %d != %d", stored.Version, inst.Version), "approval instance was modified concurrently").
			WithDetail("id", inst.ID).
			WithDetail("version", inst.Version)
	}
	if err := checkInstance(inst); err != nil {
		return err
	}
	inst.Version++
	inst.UpdatedAt = r.now()
	r.st.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (r *instances) CountByFlow(_ context.Context, flowID string) (int, error) {
	n := 0
	for _, inst := range r.st.instances {
		if inst.FlowID == flowID {
			n++
		}
	}
	return n, nil
}

// checkInstance mirrors approval_instances_pending_has_node.
func checkInstance(inst *repository.ApprovalInstance) error {
	if (inst.Status == repository.InstanceStatusPending) != (inst.CurrentNodeID != nil) {
		return errors.New(errors.ErrCodeInternal, "approval instance current node does not match status").
			WithDetail("id", inst.ID).
			WithDetail("status", string(inst.Status))
	}
	return nil
}

// ── tasks ────────────────────────────────────────────────────────────────────

type tasks struct{ *tx }

func (r *tasks) Create(_ context.Context, task *repository.ApprovalTask) error {
	if _, ok := r.st.instances[task.InstanceID]; !ok {
		return errors.NotFound("approval_instance", task.InstanceID)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.OriginalAssigneeID == "" {
		task.OriginalAssigneeID = task.AssigneeID
	}
	task.CreatedAt = r.now()
	r.st.tasks[task.ID] = cloneTask(task)
	r.st.taskOrder = append(r.st.taskOrder, task.ID)
	return nil
}

func (r *tasks) GetByID(_ context.Context, id string) (*repository.ApprovalTask, error) {
	task, ok := r.st.tasks[id]
	if !ok {
		return nil, errors.NotFound("approval_task", id)
	}
	return cloneTask(task), nil
}

func (r *tasks) Update(_ context.Context, task *repository.ApprovalTask) error {
	stored, ok := r.st.tasks[task.ID]
	if !ok {
		return errors.NotFound("approval_task", task.ID)
	}
	updated := cloneTask(task)
	updated.InstanceID = stored.InstanceID
	updated.NodeID = stored.NodeID
	updated.NodeSequence = stored.NodeSequence
	updated.OriginalAssigneeID = stored.OriginalAssigneeID
	updated.DelegatedFromTaskID = stored.DelegatedFromTaskID
	updated.CreatedAt = stored.CreatedAt
	r.st.tasks[task.ID] = updated
	return nil
}

func (r *tasks) ListByInstance(_ context.Context, instanceID string) ([]*repository.ApprovalTask, error) {
	var out []*repository.ApprovalTask
	for _, id := range r.st.taskOrder {
		if t := r.st.tasks[id]; t.InstanceID == instanceID {
			out = append(out, cloneTask(t))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NodeSequence < out[j].NodeSequence })
	return out, nil
}

func (r *tasks) ListByNode(_ context.Context, instanceID, nodeID string) ([]*repository.ApprovalTask, error) {
	var out []*repository.ApprovalTask
	for _, id := range r.st.taskOrder {
		if t := r.st.tasks[id]; t.InstanceID == instanceID && t.NodeID == nodeID {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

func (r *tasks) ListPendingForUser(_ context.Context, userID string) ([]*repository.PendingTask, error) {
	var out []*repository.PendingTask
	for _, id := range r.st.taskOrder {
		t := r.st.tasks[id]
		if t.AssigneeID != userID || t.Status != repository.TaskStatusPending {
			continue
		}
		inst := r.st.instances[t.InstanceID]
		if inst == nil || inst.Status != repository.InstanceStatusPending {
			continue
		}
		pt := &repository.PendingTask{
			Task:        cloneTask(t),
			InstanceNo:  inst.InstanceNo,
			EntityType:  inst.EntityType,
			EntityID:    inst.EntityID,
			Title:       inst.Title,
			InitiatorID: inst.InitiatorID,
			Urgency:     inst.Urgency,
			SubmittedAt: copyTime(inst.SubmittedAt),
		}
		if flow := r.st.flows[inst.FlowID]; flow != nil {
			if node := flow.NodeByID(t.NodeID); node != nil {
				pt.NodeName = node.NodeName
			}
		}
		out = append(out, pt)
	}
	// taskOrder is creation order, so a stable sort keeps oldest first.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Urgency.Rank() > out[j].Urgency.Rank() })
	return out, nil
}

// ── carbon copies ────────────────────────────────────────────────────────────

type carbonCopies struct{ *tx }

func (r *carbonCopies) Add(_ context.Context, cc *repository.ApprovalCarbonCopy) error {
	if _, ok := r.st.instances[cc.InstanceID]; !ok {
		return errors.NotFound("approval_instance", cc.InstanceID)
	}
	for _, id := range r.st.ccOrder {
		existing := r.st.ccs[id]
		if existing.InstanceID == cc.InstanceID && existing.UserID == cc.UserID {
			*cc = *existing
			return nil
		}
	}
	if cc.ID == "" {
		cc.ID = uuid.NewString()
	}
	cc.CreatedAt = r.now()
	stored := *cc
	r.st.ccs[cc.ID] = &stored
	r.st.ccOrder = append(r.st.ccOrder, cc.ID)
	return nil
}

func (r *carbonCopies) ListByInstance(_ context.Context, instanceID string) ([]*repository.ApprovalCarbonCopy, error) {
	var out []*repository.ApprovalCarbonCopy
	for _, id := range r.st.ccOrder {
		if cc := r.st.ccs[id]; cc.InstanceID == instanceID {
			c := *cc
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *carbonCopies) ListForUser(_ context.Context, userID string) ([]*repository.ApprovalCarbonCopy, error) {
	var out []*repository.ApprovalCarbonCopy
	for i := len(r.st.ccOrder) - 1; i >= 0; i-- {
		if cc := r.st.ccs[r.st.ccOrder[i]]; cc.UserID == userID {
			c := *cc
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *carbonCopies) MarkNotified(_ context.Context, id string, at time.Time) error {
	cc, ok := r.st.ccs[id]
	if !ok {
		return errors.NotFound("approval_carbon_copy", id)
	}
	if cc.NotifiedAt == nil {
		cc.NotifiedAt = &at
	}
	return nil
}

func (r *carbonCopies) MarkRead(_ context.Context, id, userID string, at time.Time) error {
	cc, ok := r.st.ccs[id]
	if !ok || cc.UserID != userID {
		return errors.NotFound("approval_carbon_copy", id)
	}
	if cc.ReadAt == nil {
		cc.ReadAt = &at
	}
	return nil
}

// ── action logs ──────────────────────────────────────────────────────────────

type actionLogs struct{ *tx }

func (r *actionLogs) Append(_ context.Context, entry *repository.ApprovalActionLog) error {
	if _, ok := r.st.instances[entry.InstanceID]; !ok {
		return errors.NotFound("approval_instance", entry.InstanceID)
	}
	if strings.TrimSpace(entry.ActorID) == "" {
		return errors.InvalidInput("actor_id", "must not be empty")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = r.now()
	stored := *entry
	stored.Metadata = copyMetadata(entry.Metadata)
	r.st.logs = append(r.st.logs, &stored)
	return nil
}

func (r *actionLogs) ListByInstance(_ context.Context, instanceID string) ([]*repository.ApprovalActionLog, error) {
	var out []*repository.ApprovalActionLog
	for _, entry := range r.st.logs {
		if entry.InstanceID == instanceID {
			c := *entry
			c.Metadata = copyMetadata(entry.Metadata)
			out = append(out, &c)
		}
	}
	return out, nil
}

// ── copies ───────────────────────────────────────────────────────────────────

func cloneTemplate(t *repository.ApprovalTemplate) *repository.ApprovalTemplate {
	c := *t
	c.PublishedAt = copyTime(t.PublishedAt)
	return &c
}

func cloneFlow(f *repository.ApprovalFlowDefinition) *repository.ApprovalFlowDefinition {
	c := *f
	c.Nodes = make([]*repository.ApprovalNodeDefinition, 0, len(f.Nodes))
	for _, n := range f.Nodes {
		nc := *n
		nc.Assignee.UserIDs = append([]string(nil), n.Assignee.UserIDs...)
		if n.Condition != nil {
			cond := *n.Condition
			cond.Values = append([]string(nil), n.Condition.Values...)
			nc.Condition = &cond
		}
		c.Nodes = append(c.Nodes, &nc)
	}
	sort.SliceStable(c.Nodes, func(i, j int) bool { return c.Nodes[i].Sequence < c.Nodes[j].Sequence })
	return &c
}

func cloneInstance(i *repository.ApprovalInstance) *repository.ApprovalInstance {
	c := *i
	c.FormData = append([]byte(nil), i.FormData...)
	c.CurrentNodeID = copyString(i.CurrentNodeID)
	c.SubmittedAt = copyTime(i.SubmittedAt)
	c.CompletedAt = copyTime(i.CompletedAt)
	c.FinalComment = copyString(i.FinalComment)
	c.FinalApproverID = copyString(i.FinalApproverID)
	return &c
}

func cloneTask(t *repository.ApprovalTask) *repository.ApprovalTask {
	c := *t
	c.CandidateIDs = append([]string{}, t.CandidateIDs...)
	c.DelegatedToID = copyString(t.DelegatedToID)
	c.DelegatedFromTaskID = copyString(t.DelegatedFromTaskID)
	c.Action = copyString(t.Action)
	c.Comment = copyString(t.Comment)
	c.ActedBy = copyString(t.ActedBy)
	c.DueAt = copyTime(t.DueAt)
	c.CompletedAt = copyTime(t.CompletedAt)
	return &c
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyMetadata(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
