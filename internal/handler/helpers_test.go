package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

type testServer struct {
	t      *testing.T
	engine *service.ApprovalEngine
	http   http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir, err := client.NewStaticDirectory(client.DirectoryFile{
		Users: []client.DirectoryUser{
			{ID: "admin", Roles: []string{"APPROVAL_ADMIN"}},
			{ID: "alice", Department: "eng", Manager: "bob"},
			{ID: "bob", Roles: []string{"MANAGER"}, Department: "eng"},
		},
	})
	require.NoError(t, err)

	store := memory.New()
	log := logger.Nop()
	metrics := service.NewMetrics(nil)
	templates := service.NewTemplateService(store, dir, repository.ApprovalPolicyAll, log)
	tasks := service.NewTaskDispatcher(store, templates, dir, nil, service.DispatcherConfig{MaxRetries: 3}, metrics, log)
	ccs := service.NewCarbonCopyService(store, nil, metrics, log)
	engine := service.NewApprovalEngine(store, templates, tasks, service.NewInstanceNumbers("AP", time.UTC), ccs, dir,
		nil, nil, service.EngineConfig{MaxRetries: 3, AdminRole: "APPROVAL_ADMIN"}, metrics, log)

	mux := http.NewServeMux()
	NewHTTPHandler(engine, templates, ccs, log).Register(mux)
	return &testServer{t: t, engine: engine, http: Chain(mux, log, time.Second)}
}

// do sends a JSON request as user and decodes the response into out when
// out is non-nil.
func (s *testServer) do(method, path, user string, body interface{}, out interface{}) int {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(s.t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(UserIDHeader, user)
	}
	rec := httptest.NewRecorder()
	s.http.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

// publishSerial creates and publishes a one-node template assigned to bob.
func (s *testServer) publishSerial(code string) string {
	s.t.Helper()
	var tpl templateView
	status := s.do(http.MethodPost, "/api/v1/approval-templates", "admin", map[string]interface{}{
		"code":        code,
		"name":        "Expense approval",
		"entity_type": "expense",
		"nodes": []map[string]interface{}{{
			"node_code": "manager",
			"node_type": "SERIAL",
			"sequence":  1,
			"assignee":  map[string]interface{}{"kind": "INITIATOR_MANAGER"},
		}},
	}, &tpl)
	require.Equal(s.t, http.StatusCreated, status)

	status = s.do(http.MethodPost, "/api/v1/approval-templates/publish", "admin", map[string]string{"id": tpl.ID}, nil)
	require.Equal(s.t, http.StatusOK, status)
	return tpl.ID
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}
