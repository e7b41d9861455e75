package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

func TestApprovalEngine_ParallelAllThenSerial(t *testing.T) {
	h := newHarness(t)
	tpl := h.publish("expense",
		parallel(10, "leads", repository.ApprovalPolicyAll, "bob", "carol"),
		serial(20, "finance", "dave"),
	)

	sub := h.submit(tpl, `{"amount": 120}`)
	inst := sub.Instance
	assert.Equal(t, repository.InstanceStatusPending, inst.Status)
	require.NotNil(t, inst.CurrentNodeID)
	assert.Equal(t, tpl.Flow.Nodes[0].ID, *inst.CurrentNodeID)
	require.Len(t, sub.Tasks, 2)

	res := h.approve(pendingFor(sub.Tasks, "bob").ID, "bob")
	assert.Equal(t, repository.InstanceStatusPending, res.Instance.Status)
	assert.Equal(t, tpl.Flow.Nodes[0].ID, *res.Instance.CurrentNodeID, "waits for every parallel approver")
	assert.Empty(t, res.OpenedTasks)

	res = h.approve(pendingFor(sub.Tasks, "carol").ID, "carol")
	assert.Equal(t, repository.InstanceStatusPending, res.Instance.Status)
	assert.Equal(t, tpl.Flow.Nodes[1].ID, *res.Instance.CurrentNodeID)
	assert.Equal(t, 20, res.Instance.CurrentNodeOrder)
	require.Len(t, res.OpenedTasks, 1)
	assert.Equal(t, "dave", res.OpenedTasks[0].AssigneeID)

	res = h.approve(res.OpenedTasks[0].ID, "dave")
	assert.Equal(t, repository.InstanceStatusApproved, res.Instance.Status)
	assert.Nil(t, res.Instance.CurrentNodeID)
	require.NotNil(t, res.Instance.FinalApproverID)
	assert.Equal(t, "dave", *res.Instance.FinalApproverID)
	assert.NotNil(t, res.Instance.CompletedAt)

	assert.Equal(t, []repository.ActionType{
		repository.ActionSubmit, repository.ActionApprove, repository.ActionApprove, repository.ActionApprove,
	}, h.history(inst.ID))
	require.Len(t, h.listener.completed, 1)
	assert.Equal(t, inst.ID, h.listener.completed[0].ID)
}

func TestApprovalEngine_ParallelAnyCancelsSiblings(t *testing.T) {
	h := newHarness(t)
	tpl := h.publish("expense", parallel(1, "leads", repository.ApprovalPolicyAny, "bob", "carol", "erin"))

	sub := h.submit(tpl, "")
	res := h.approve(pendingFor(sub.Tasks, "carol").ID, "carol")
	assert.Equal(t, repository.InstanceStatusApproved, res.Instance.Status)

	detail := h.instance(sub.Instance.ID)
	assert.Equal(t, map[string]repository.TaskStatus{
		"bob":   repository.TaskStatusCancelled,
		"carol": repository.TaskStatusApproved,
		"erin":  repository.TaskStatusCancelled,
	}, statuses(detail.Tasks))
}

func TestApprovalEngine_RejectCancelsSiblings(t *testing.T) {
	h := newHarness(t)
	tpl := h.publish("expense",
		parallel(1, "leads", repository.ApprovalPolicyAll, "bob", "carol"),
		serial(2, "finance", "dave"),
	)
	ctx := context.Background()

	sub := h.submit(tpl, "")
	res, err := h.engine.Reject(ctx, &DecisionRequest{TaskID: pendingFor(sub.Tasks, "bob").ID, ActorID: "bob", Comment: "too expensive"})
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceStatusRejected, res.Instance.Status)
	assert.Nil(t, res.Instance.CurrentNodeID)
	require.NotNil(t, res.Instance.FinalComment)
	assert.Equal(t, "too expensive", *res.Instance.FinalComment)

	detail := h.instance(sub.Instance.ID)
	assert.Equal(t, repository.TaskStatusCancelled, statuses(detail.Tasks)["carol"])

	_, err = h.engine.Approve(ctx, &DecisionRequest{TaskID: pendingFor(sub.Tasks, "carol").ID, ActorID: "carol"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))
	assert.Equal(t, "REJECTED", errors.DetailsOf(err)["current_status"])
}

func TestApprovalEngine_WithdrawBeforeApproval(t *testing.T) {
	h := newHarness(t)
	tpl := h.publish("expense", parallel(1, "leads", repository.ApprovalPolicyAll, "bob", "carol"))
	ctx := context.Background()
	sub := h.submit(tpl, "", "frank")

	_, err := h.engine.Withdraw(ctx, &InstanceRequest{InstanceID: sub.Instance.ID, ActorID: "bob"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeAuthorization))
	assert.Equal(t, repository.InstanceStatusPending, h.instance(sub.Instance.ID).Instance.Status)

	res, err := h.engine.Withdraw(ctx, &InstanceRequest{InstanceID: sub.Instance.ID, ActorID: "alice", Comment: "not needed"})
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceStatusCancelled, res.Instance.Status)
	assert.False(t, res.Replayed)

	detail := h.instance(sub.Instance.ID)
	for _, task := range detail.Tasks {
		assert.Equal(t, repository.TaskStatusWithdrawn, task.Status)
	}

	_, err = h.engine.Approve(ctx, &DecisionRequest{TaskID: sub.Tasks[0].ID, ActorID: sub.Tasks[0].AssigneeID})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))

	again, err := h.engine.Withdraw(ctx, &InstanceRequest{InstanceID: sub.Instance.ID, ActorID: "alice"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)

	assert.Equal(t, []string{"frank"}, h.notifier.recipients())
	assert.Equal(t, []repository.ActionType{repository.ActionSubmit, repository.ActionWithdraw}, h.history(sub.Instance.ID))
}

func TestApprovalEngine_WithdrawCompletedInstance(t *testing.T) {
	h := newHarness(t)
	tpl := h.publish("expense", serial(1, "lead", "bob"))
	sub := h.submit(tpl, "")
	h.approve(sub.Tasks[0].ID, "bob")

	_, err := h.engine.Withdraw(context.Background(), &InstanceRequest{InstanceID: sub.Instance.ID, ActorID: "alice"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))
}

func TestApprovalEngine_UnresolvableAssigneeBlocksSubmit(t *testing.T) {
	h := newHarness(t)
	tpl := h.publish("expense", &repository.ApprovalNodeDefinition{
		NodeCode: "cfo",
		NodeType: repository.NodeTypeSerial,
		Sequence: 1,
		Assignee: repository.AssigneeRule{Kind: repository.AssigneeRole, Role: "CFO"},
	})

	_, err := h.engine.Submit(context.Background(), h.request(tpl, ""))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConfiguration))

	require.NoError(t, h.store.InTransaction(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		n, err := tx.Instances().CountByFlow(ctx, tpl.Flow.ID)
		assert.Zero(t, n, "no instance row persisted")
		return err
	}))
}

func TestApprovalEngine_ApproveAuthorization(t *testing.T) {
	h := newHarness(t, withDeniedAudit())
	tpl := h.publish("expense", serial(1, "lead", "bob"))
	sub := h.submit(tpl, "")

	_, err := h.engine.Approve(context.Background(), &DecisionRequest{TaskID: sub.Tasks[0].ID, ActorID: "mallory"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeAuthorization))

	detail := h.instance(sub.Instance.ID)
	assert.Equal(t, repository.TaskStatusPending, detail.Tasks[0].Status)
	assert.Equal(t, []repository.ActionType{repository.ActionSubmit, repository.ActionDenied}, h.history(sub.Instance.ID))
}

func TestApprovalEngine_DeniedAttemptsNotAuditedByDefault(t *testing.T) {
	h := newHarness(t)
	tpl := h.publish("expense", serial(1, "lead", "bob"))
	sub := h.submit(tpl, "")

	_, err := h.engine.Approve(context.Background(), &DecisionRequest{TaskID: sub.Tasks[0].ID, ActorID: "mallory"})
	require.Error(t, err)
	assert.Equal(t, []repository.ActionType{repository.ActionSubmit}, h.history(sub.Instance.ID))
}

func TestApprovalEngine_ReplayedDecision(t *testing.T) {
	h := newHarness(t)
	tpl := h.publish("expense", serial(1, "lead", "bob"), serial(2, "finance", "dave"))
	ctx := context.Background()
	sub := h.submit(tpl, "")

	first := h.approve(sub.Tasks[0].ID, "bob")
	assert.False(t, first.Replayed)

	second := h.approve(sub.Tasks[0].ID, "bob")
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Instance.Version, second.Instance.Version, "replay writes nothing")
	assert.Len(t, h.history(sub.Instance.ID), 2)

	_, err := h.engine.Reject(ctx, &DecisionRequest{TaskID: sub.Tasks[0].ID, ActorID: "bob"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))
	details := errors.DetailsOf(err)
	assert.Equal(t, "bob", details["acted_by"])
	assert.NotEmpty(t, details["acted_at"])
}

func TestApprovalEngine_DelegationChain(t *testing.T) {
	h := newHarness(t)
	tpl := h.publish("expense", serial(1, "lead", "bob"))
	ctx := context.Background()
	sub := h.submit(tpl, "")

	del, err := h.engine.Delegate(ctx, &DelegateRequest{TaskID: sub.Tasks[0].ID, ActorID: "bob", DelegateToID: "carol", Comment: "on leave"})
	require.NoError(t, err)
	assert.Equal(t, repository.TaskStatusDelegated, del.Delegated.Status)
	assert.Equal(t, "carol", del.Task.AssigneeID)
	assert.Equal(t, "bob", del.Task.OriginalAssigneeID)
	require.NotNil(t, del.Task.DelegatedFromTaskID)
	assert.Equal(t, sub.Tasks[0].ID, *del.Task.DelegatedFromTaskID)

	replay, err := h.engine.Delegate(ctx, &DelegateRequest{TaskID: sub.Tasks[0].ID, ActorID: "bob", DelegateToID: "carol"})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, del.Task.ID, replay.Task.ID)

	_, err = h.engine.Approve(ctx, &DecisionRequest{TaskID: del.Task.ID, ActorID: "bob"})
	assert.True(t, errors.Is(err, errors.ErrCodeAuthorization), "original assignee lost authority")

	res := h.approve(del.Task.ID, "carol")
	assert.Equal(t, repository.InstanceStatusApproved, res.Instance.Status)
	assert.Equal(t, "carol", *res.Instance.FinalApproverID)

	logs, err := h.engine.GetHistory(ctx, sub.Instance.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, repository.ActionDelegate, logs[1].Action)
	assert.Equal(t, repository.ActionApprove, logs[2].Action)
	assert.Equal(t, "carol", logs[2].ActorID)
	assert.Equal(t, "bob", logs[2].Metadata["original_assignee"])

	assert.Len(t, h.listener.assigned, 2)
}

func TestApprovalEngine_DelegateGuards(t *testing.T) {
	h := newHarness(t)
	h.org.inactive["zed"] = true
	tpl := h.publish("expense", parallel(1, "leads", repository.ApprovalPolicyAll, "bob", "carol"))
	ctx := context.Background()
	sub := h.submit(tpl, "")
	bobTask := pendingFor(sub.Tasks, "bob")

	tests := []struct {
		name  string
		actor string
		to    string
		code  errors.ErrorCode
	}{
		{"self", "bob", "bob", errors.ErrCodeInvalidInput},
		{"initiator", "bob", "alice", errors.ErrCodeInvalidInput},
		{"sibling holds task", "bob", "carol", errors.ErrCodeInvalidInput},
		{"inactive delegate", "bob", "zed", errors.ErrCodeInvalidInput},
		{"missing delegate", "bob", " ", errors.ErrCodeInvalidInput},
		{"not the assignee", "carol", "dave", errors.ErrCodeAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Delegate(ctx, &DelegateRequest{TaskID: bobTask.ID, ActorID: tt.actor, DelegateToID: tt.to})
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err))
		})
	}

	detail := h.instance(sub.Instance.ID)
	assert.Len(t, detail.Tasks, 2)
	assert.Equal(t, repository.TaskStatusPending, pendingFor(detail.Tasks, "bob").Status)
}

func TestApprovalEngine_DelegateKeepsVotesDistinct(t *testing.T) {
	h := newHarness(t)
	tpl := h.publish("expense", parallel(1, "leads", repository.ApprovalPolicyAll, "bob", "carol", "dave"))
	ctx := context.Background()
	sub := h.submit(tpl, "")

	h.approve(pendingFor(sub.Tasks, "carol").ID, "carol")

	_, err := h.engine.Delegate(ctx, &DelegateRequest{TaskID: pendingFor(sub.Tasks, "bob").ID, ActorID: "bob", DelegateToID: "carol"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	daveTask := pendingFor(sub.Tasks, "dave")
	_, err = h.engine.Delegate(ctx, &DelegateRequest{TaskID: daveTask.ID, ActorID: "dave", DelegateToID: "erin"})
	require.NoError(t, err)
	_, err = h.engine.Delegate(ctx, &DelegateRequest{TaskID: pendingFor(sub.Tasks, "bob").ID, ActorID: "bob", DelegateToID: "dave"})
	require.Error(t, err, "dave's seat is already held by erin")

	toFrank, err := h.engine.Delegate(ctx, &DelegateRequest{TaskID: pendingFor(sub.Tasks, "bob").ID, ActorID: "bob", DelegateToID: "frank"})
	require.NoError(t, err)
	back, err := h.engine.Delegate(ctx, &DelegateRequest{TaskID: toFrank.Task.ID, ActorID: "frank", DelegateToID: "bob"})
	require.NoError(t, err, "returning a task to its original assignee keeps one vote")

	detail := h.instance(sub.Instance.ID)
	assert.Equal(t, repository.InstanceStatusPending, detail.Instance.Status)

	h.approve(back.Task.ID, "bob")
	detail = h.instance(sub.Instance.ID)
	erinTask := pendingFor(detail.Tasks, "erin")
	require.NotNil(t, erinTask)
	res := h.approve(erinTask.ID, "erin")
	assert.Equal(t, repository.InstanceStatusApproved, res.Instance.Status)
}

func TestApprovalEngine_SerialNodeHasOnePendingTask(t *testing.T) {
	h := newHarness(t)
	tpl := h.publish("expense", serial(1, "lead", "bob", "carol", "dave"))
	ctx := context.Background()
	sub := h.submit(tpl, "")

	require.Len(t, sub.Tasks, 1)
	assert.Equal(t, "bob", sub.Tasks[0].AssigneeID)
	assert.Equal(t, []string{"carol", "dave"}, sub.Tasks[0].CandidateIDs)

	del, err := h.engine.Delegate(ctx, &DelegateRequest{TaskID: sub.Tasks[0].ID, ActorID: "bob", DelegateToID: "erin"})
	require.NoError(t, err)
	_, err = h.tasks.Expire(ctx, del.Task.ID, "")
	require.NoError(t, err)

	detail := h.instance(sub.Instance.ID)
	pending := 0
	for _, task := range detail.Tasks {
		if task.Status == repository.TaskStatusPending {
			pending++
		}
	}
	assert.Equal(t, 1, pending)
}

func TestApprovalEngine_ConditionalNodes(t *testing.T) {
	h := newHarness(t)
	tpl := h.publish("expense",
		serial(1, "lead", "bob"),
		conditional(2, "cfo", &repository.NodeCondition{Field: "amount", Operator: repository.OpGT, Value: "10000"}, "carol"),
		serial(3, "finance", "dave"),
	)

	t.Run("skipped below threshold", func(t *testing.T) {
		sub := h.submit(tpl, `{"amount": 500}`)
		res := h.approve(sub.Tasks[0].ID, "bob")
		require.Len(t, res.OpenedTasks, 1)
		assert.Equal(t, "dave", res.OpenedTasks[0].AssigneeID)
		assert.Equal(t, 3, res.Instance.CurrentNodeOrder)
		assert.Equal(t, []repository.ActionType{
			repository.ActionSubmit, repository.ActionApprove, repository.ActionSkip,
		}, h.history(sub.Instance.ID))
	})

	t.Run("entered above threshold", func(t *testing.T) {
		sub := h.submit(tpl, `{"amount": "25000.50"}`)
		res := h.approve(sub.Tasks[0].ID, "bob")
		require.Len(t, res.OpenedTasks, 1)
		assert.Equal(t, "carol", res.OpenedTasks[0].AssigneeID)
	})
}

func TestApprovalEngine_AllNodesSkippedApprovesAtSubmit(t *testing.T) {
	h := newHarness(t)
	tpl := h.publish("expense",
		conditional(1, "big", &repository.NodeCondition{Field: "amount", Operator: repository.OpGTE, Value: "1000"}, "bob"),
	)

	sub := h.submit(tpl, `{"amount": 10}`, "frank")
	assert.Equal(t, repository.InstanceStatusApproved, sub.Instance.Status)
	assert.Empty(t, sub.Tasks)
	assert.Nil(t, sub.Instance.CurrentNodeID)
	assert.Equal(t, []repository.ActionType{repository.ActionSubmit, repository.ActionSkip}, h.history(sub.Instance.ID))
	assert.Equal(t, []string{"frank"}, h.notifier.recipients())
}

func TestApprovalEngine_DraftThenSubmit(t *testing.T) {
	h := newHarness(t)
	tpl := h.publish("expense", serial(1, "lead", "bob"))
	ctx := context.Background()

	draft, err := h.engine.CreateDraft(ctx, h.request(tpl, `{"amount": 5}`))
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceStatusDraft, draft.Status)
	assert.Nil(t, draft.CurrentNodeID)
	assert.Regexp(t, `^AP\d{8}\d{4}$`, draft.InstanceNo)

	_, err = h.engine.Submit(ctx, &SubmitRequest{InstanceID: draft.ID, InitiatorID: "mallory"})
	assert.True(t, errors.Is(err, errors.ErrCodeAuthorization))

	sub, err := h.engine.Submit(ctx, &SubmitRequest{InstanceID: draft.ID, InitiatorID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, draft.ID, sub.Instance.ID)
	assert.Equal(t, draft.InstanceNo, sub.Instance.InstanceNo)
	assert.Equal(t, repository.InstanceStatusPending, sub.Instance.Status)
	assert.NotNil(t, sub.Instance.SubmittedAt)

	_, err = h.engine.Submit(ctx, &SubmitRequest{InstanceID: draft.ID, InitiatorID: "alice"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))
	assert.Equal(t, "PENDING", errors.DetailsOf(err)["current_status"])
}

func TestApprovalEngine_DraftFollowsPublishedVersion(t *testing.T) {
	h := newHarness(t)
	v1 := h.publish("expense", serial(1, "lead", "bob"))
	ctx := context.Background()

	draft, err := h.engine.CreateDraft(ctx, h.request(v1, ""))
	require.NoError(t, err)

	v2 := h.publish("expense", serial(1, "lead", "carol"))
	retired, err := h.templates.GetTemplate(ctx, v1.Template.ID)
	require.NoError(t, err)
	require.Equal(t, repository.TemplateStatusRetired, retired.Template.Status)

	sub, err := h.engine.Submit(ctx, &SubmitRequest{InstanceID: draft.ID, InitiatorID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, v2.Template.ID, sub.Instance.TemplateID)
	assert.Equal(t, v2.Template.FlowID, sub.Instance.FlowID)
	require.Len(t, sub.Tasks, 1)
	assert.Equal(t, "carol", sub.Tasks[0].AssigneeID)

	stored := h.instance(draft.ID)
	assert.Equal(t, v2.Template.ID, stored.Instance.TemplateID)
}

func TestApprovalEngine_SubmitValidation(t *testing.T) {
	h := newHarness(t)
	tpl := h.publish("expense", serial(1, "lead", "bob"))
	ctx := context.Background()

	draftTpl, err := h.templates.CreateTemplate(ctx, &TemplateDefinition{
		Code: "travel", Name: "Travel", EntityType: "trip", Nodes: []*repository.ApprovalNodeDefinition{serial(1, "lead", "bob")},
	})
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*SubmitRequest)
		code   errors.ErrorCode
	}{
		{"missing template", func(r *SubmitRequest) { r.TemplateID = "" }, errors.ErrCodeInvalidInput},
		{"unknown template", func(r *SubmitRequest) { r.TemplateID = "7a0c8f0e-0000-4000-8000-000000000000" }, errors.ErrCodeNotFound},
		{"unpublished template", func(r *SubmitRequest) { r.TemplateID = draftTpl.Template.ID; r.EntityType = "" }, errors.ErrCodeInvalidState},
		{"entity type mismatch", func(r *SubmitRequest) { r.EntityType = "contract" }, errors.ErrCodeInvalidInput},
		{"missing entity", func(r *SubmitRequest) { r.EntityID = "" }, errors.ErrCodeInvalidInput},
		{"missing initiator", func(r *SubmitRequest) { r.InitiatorID = "" }, errors.ErrCodeInvalidInput},
		{"bad urgency", func(r *SubmitRequest) { r.Urgency = "LOW" }, errors.ErrCodeInvalidInput},
		{"form not an object", func(r *SubmitRequest) { r.FormData = json.RawMessage(`[1,2]`) }, errors.ErrCodeInvalidInput},
		{"form is null", func(r *SubmitRequest) { r.FormData = json.RawMessage(` null `) }, errors.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := h.request(tpl, "")
			tt.mutate(req)
			_, err := h.engine.Submit(ctx, req)
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err))
		})
	}

	byCode := h.request(tpl, "")
	byCode.TemplateID, byCode.TemplateCode = "", "expense"
	byCode.Urgency = repository.UrgencyCritical
	res, err := h.engine.Submit(ctx, byCode)
	require.NoError(t, err)
	assert.Equal(t, repository.UrgencyCritical, res.Instance.Urgency)
}

func TestApprovalEngine_Terminate(t *testing.T) {
	h := newHarness(t)
	h.org.userRoles["root"] = []string{"APPROVAL_ADMIN"}
	tpl := h.publish("expense", parallel(1, "leads", repository.ApprovalPolicyAll, "bob", "carol"))
	ctx := context.Background()
	sub := h.submit(tpl, "")

	_, err := h.engine.Terminate(ctx, &InstanceRequest{InstanceID: sub.Instance.ID, ActorID: "alice"})
	assert.True(t, errors.Is(err, errors.ErrCodeAuthorization))

	res, err := h.engine.Terminate(ctx, &InstanceRequest{InstanceID: sub.Instance.ID, ActorID: "root", Comment: "fraud"})
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceStatusTerminated, res.Instance.Status)
	assert.Nil(t, res.Instance.CurrentNodeID)

	for _, task := range h.instance(sub.Instance.ID).Tasks {
		assert.Equal(t, repository.TaskStatusCancelled, task.Status)
	}
	assert.Len(t, h.listener.completed, 1)

	_, err = h.engine.Withdraw(ctx, &InstanceRequest{InstanceID: sub.Instance.ID, ActorID: "alice"})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))
}

func TestApprovalEngine_PendingIffCurrentNode(t *testing.T) {
	h := newHarness(t)
	h.org.userRoles["root"] = []string{"APPROVAL_ADMIN"}
	tpl := h.publish("expense", serial(1, "lead", "bob"), serial(2, "finance", "dave"))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, h.submit(tpl, "").Instance.ID)
	}
	h.approve(h.instance(ids[0]).Tasks[0].ID, "bob")
	_, err := h.engine.Reject(ctx, &DecisionRequest{TaskID: h.instance(ids[1]).Tasks[0].ID, ActorID: "bob"})
	require.NoError(t, err)
	_, err = h.engine.Withdraw(ctx, &InstanceRequest{InstanceID: ids[2], ActorID: "alice"})
	require.NoError(t, err)
	_, err = h.engine.Terminate(ctx, &InstanceRequest{InstanceID: ids[3], ActorID: "root"})
	require.NoError(t, err)

	for _, id := range ids {
		inst := h.instance(id).Instance
		assert.Equal(t, inst.Status == repository.InstanceStatusPending, inst.CurrentNodeID != nil, inst.Status)
	}
}

func TestApprovalEngine_ConcurrentSubmitsGetUniqueNumbers(t *testing.T) {
	h := newHarness(t)
	tpl := h.publish("expense", serial(1, "lead", "bob"))

	var (
		mu  sync.Mutex
		nos = make(map[string]struct{})
	)
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(64)
	for i := 0; i < 1000; i++ {
		g.Go(func() error {
			req := h.request(tpl, "")
			req.EntityID = fmt.Sprintf("EXP-%04d", i)
			res, err := h.engine.Submit(ctx, req)
			if err != nil {
				return err
			}
			mu.Lock()
			nos[res.Instance.InstanceNo] = struct{}{}
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, nos, 1000)
}

func TestApprovalEngine_ConcurrentParallelApprovals(t *testing.T) {
	h := newHarness(t)
	users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}
	tpl := h.publish("expense",
		parallel(1, "board", repository.ApprovalPolicyAll, users...),
		serial(2, "finance", "dave"),
	)
	sub := h.submit(tpl, "")

	var g errgroup.Group
	for _, task := range sub.Tasks {
		g.Go(func() error {
			_, err := h.engine.Approve(context.Background(), &DecisionRequest{TaskID: task.ID, ActorID: task.AssigneeID})
			return err
		})
	}
	require.NoError(t, g.Wait())

	detail := h.instance(sub.Instance.ID)
	assert.Equal(t, 2, detail.Instance.CurrentNodeOrder)
	assert.NotNil(t, pendingFor(detail.Tasks, "dave"), "next node opened exactly once")
	assert.Len(t, detail.Tasks, len(users)+1)
}

func TestApprovalEngine_NotificationFailureDoesNotRollBack(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = fmt.Errorf("smtp down")
	tpl := h.publish("expense", serial(1, "lead", "bob"))
	sub := h.submit(tpl, "", "frank")

	res := h.approve(sub.Tasks[0].ID, "bob")
	assert.Equal(t, repository.InstanceStatusApproved, res.Instance.Status)

	detail := h.instance(sub.Instance.ID)
	require.Len(t, detail.CarbonCopies, 1)
	assert.Nil(t, detail.CarbonCopies[0].NotifiedAt)
}

func TestApprovalEngine_GetPendingTasks(t *testing.T) {
	h := newHarness(t)
	tpl := h.publish("expense", serial(1, "lead", "bob"))
	ctx := context.Background()

	normal := h.submit(tpl, "")
	req := h.request(tpl, "")
	req.Urgency = repository.UrgencyUrgent
	urgent, err := h.engine.Submit(ctx, req)
	require.NoError(t, err)

	pending, err := h.engine.GetPendingTasks(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, urgent.Instance.InstanceNo, pending[0].InstanceNo)
	assert.Equal(t, normal.Instance.InstanceNo, pending[1].InstanceNo)
	assert.Equal(t, "lead", pending[0].NodeName)

	_, err = h.engine.GetPendingTasks(ctx, "")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	_, err = h.engine.GetHistory(ctx, "7a0c8f0e-0000-4000-8000-000000000000")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}
