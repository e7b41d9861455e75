package handler

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTP_SubmitApproveFlow(t *testing.T) {
	s := newTestServer(t)
	tplID := s.publishSerial("expense-basic")

	var submitted submitView
	status := s.do(http.MethodPost, "/api/v1/approvals/submit", "alice", map[string]interface{}{
		"template_id": tplID,
		"entity_type": "expense",
		"entity_id":   "EXP-1",
		"title":       "Team dinner",
		"form_data":   map[string]interface{}{"amount": 120},
	}, &submitted)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "PENDING", submitted.Status)
	assert.Regexp(t, `^AP\d{12}$`, submitted.InstanceNo)
	require.Len(t, submitted.Tasks, 1)
	assert.Equal(t, "bob", submitted.Tasks[0].AssigneeID)

	var pending struct {
		Tasks []pendingTaskView `json:"tasks"`
		Total int               `json:"total"`
	}
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/approvals/tasks/pending", "bob", nil, &pending))
	require.Equal(t, 1, pending.Total)
	assert.Equal(t, submitted.InstanceNo, pending.Tasks[0].InstanceNo)

	var denied errorEnvelope
	status = s.do(http.MethodPost, "/api/v1/approvals/tasks/approve", "alice",
		map[string]string{"task_id": submitted.Tasks[0].ID}, &denied)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "AUTHORIZATION", denied.Error.Code)

	var decided decisionView
	status = s.do(http.MethodPost, "/api/v1/approvals/tasks/approve", "bob",
		map[string]string{"task_id": submitted.Tasks[0].ID, "comment": "fine"}, &decided)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "APPROVED", decided.Instance.Status)
	assert.Equal(t, "APPROVED", decided.Task.Status)

	var history struct {
		Entries []actionLogView `json:"entries"`
	}
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/approvals/history?instance_id="+submitted.InstanceID, "bob", nil, &history))
	var actions []string
	for _, e := range history.Entries {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{"SUBMIT", "APPROVE"}, actions)

	var conflict errorEnvelope
	status = s.do(http.MethodPost, "/api/v1/approvals/withdraw", "alice",
		map[string]string{"instance_id": submitted.InstanceID}, &conflict)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "INVALID_STATE", conflict.Error.Code)
	assert.Equal(t, "APPROVED", conflict.Error.Details["current_status"])
}

func TestHTTP_DraftWithdrawAndDetail(t *testing.T) {
	s := newTestServer(t)
	tplID := s.publishSerial("expense-draft")

	var draft instanceView
	status := s.do(http.MethodPost, "/api/v1/approvals/drafts", "alice", map[string]interface{}{
		"template_id": tplID,
		"entity_type": "expense",
		"entity_id":   "EXP-2",
	}, &draft)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "DRAFT", draft.Status)

	var submitted submitView
	status = s.do(http.MethodPost, "/api/v1/approvals/submit", "alice", map[string]string{"instance_id": draft.ID}, &submitted)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, draft.ID, submitted.InstanceID)

	var withdrawn decisionView
	status = s.do(http.MethodPost, "/api/v1/approvals/withdraw", "alice", map[string]string{"instance_id": draft.ID}, &withdrawn)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "CANCELLED", withdrawn.Instance.Status)

	var detail instanceDetailView
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/approvals/instances/get?id="+draft.ID, "alice", nil, &detail))
	require.Len(t, detail.Tasks, 1)
	assert.Equal(t, "WITHDRAWN", detail.Tasks[0].Status)

	status = s.do(http.MethodGet, "/api/v1/approvals/instances/get?id=missing", "alice", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHTTP_TemplateAdministration(t *testing.T) {
	s := newTestServer(t)

	body := map[string]interface{}{
		"code":        "expense-admin",
		"name":        "Expense",
		"entity_type": "expense",
		"nodes": []map[string]interface{}{{
			"node_code": "finance",
			"node_type": "SERIAL",
			"sequence":  1,
			"assignee":  map[string]interface{}{"kind": "FIXED_USERS", "user_ids": []string{"bob"}},
		}},
	}
	var denied errorEnvelope
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/api/v1/approval-templates", "alice", body, &denied))
	assert.Equal(t, "AUTHORIZATION", denied.Error.Code)

	var created templateView
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/v1/approval-templates", "admin", body, &created))
	assert.Equal(t, "DRAFT", created.Status)
	require.Len(t, created.Nodes, 1)
	assert.Equal(t, "finance", created.Nodes[0].NodeCode)

	var bad errorEnvelope
	status := s.do(http.MethodPost, "/api/v1/approval-templates/nodes", "admin", map[string]interface{}{
		"id":    created.ID,
		"nodes": []map[string]interface{}{},
	}, &bad)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "CONFIGURATION", bad.Error.Code)

	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/v1/approval-templates/publish", "admin", map[string]string{"id": created.ID}, nil))

	var next templateView
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/v1/approval-templates/versions", "admin", map[string]string{"id": created.ID}, &next))
	assert.Equal(t, created.Version+1, next.Version)

	var list struct {
		Templates []templateView `json:"templates"`
	}
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/approval-templates?entity_type=expense", "alice", nil, &list))
	assert.Len(t, list.Templates, 2)

	var got templateView
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/approval-templates/get?id="+created.ID, "alice", nil, &got))
	assert.Equal(t, "PUBLISHED", got.Status)
}

func TestHTTP_RequestValidation(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusMethodNotAllowed, s.do(http.MethodGet, "/api/v1/approvals/submit", "alice", nil, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, s.do(http.MethodDelete, "/api/v1/approval-templates", "admin", nil, nil))

	var bad errorEnvelope
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/v1/approvals/submit", "alice", `{"bogus":1}`, &bad))
	assert.Equal(t, "INVALID_INPUT", bad.Error.Code)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/v1/approvals/tasks/approve", "", map[string]string{"task_id": "x"}, nil))

	var mismatch errorEnvelope
	status := s.do(http.MethodPost, "/api/v1/approvals/tasks/approve", "bob",
		map[string]string{"task_id": "x", "approver_id": "carol"}, &mismatch)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "AUTHORIZATION", mismatch.Error.Code)
}

func TestRecovery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	s := newTestServer(t)
	s.http = Recovery(mux)

	var body errorEnvelope
	assert.Equal(t, http.StatusInternalServerError, s.do(http.MethodGet, "/boom", "", nil, &body))
	assert.Equal(t, "INTERNAL", body.Error.Code)
}
