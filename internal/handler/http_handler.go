package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// UserIDHeader carries the authenticated caller. Authentication itself
// happens upstream.
const UserIDHeader = "X-User-ID"

const maxBodyBytes = 1 << 20

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	engine    *service.ApprovalEngine
	templates *service.TemplateService
	ccs       *service.CarbonCopyService
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(engine *service.ApprovalEngine, templates *service.TemplateService, ccs *service.CarbonCopyService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine:    engine,
		templates: templates,
		ccs:       ccs,
		log:       log,
	}
}

// Register mounts every route on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/approvals/submit", h.Submit)
	mux.HandleFunc("/api/v1/approvals/drafts", h.CreateDraft)
	mux.HandleFunc("/api/v1/approvals/tasks/approve", h.Approve)
	mux.HandleFunc("/api/v1/approvals/tasks/reject", h.Reject)
	mux.HandleFunc("/api/v1/approvals/tasks/delegate", h.Delegate)
	mux.HandleFunc("/api/v1/approvals/tasks/pending", h.GetPendingTasks)
	mux.HandleFunc("/api/v1/approvals/withdraw", h.Withdraw)
	mux.HandleFunc("/api/v1/approvals/terminate", h.Terminate)
	mux.HandleFunc("/api/v1/approvals/history", h.GetHistory)
	mux.HandleFunc("/api/v1/approvals/instances/get", h.GetInstance)
	mux.HandleFunc("/api/v1/approvals/cc", h.ListCarbonCopies)
	mux.HandleFunc("/api/v1/approvals/cc/read", h.MarkCarbonCopyRead)

	mux.HandleFunc("/api/v1/approval-templates", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.ListTemplates(w, r)
		case http.MethodPost:
			h.CreateTemplate(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/approval-templates/get", h.GetTemplate)
	mux.HandleFunc("/api/v1/approval-templates/nodes", h.UpdateTemplateNodes)
	mux.HandleFunc("/api/v1/approval-templates/publish", h.PublishTemplate)
	mux.HandleFunc("/api/v1/approval-templates/versions", h.NewTemplateVersion)
}

// ── Instances ─────────────────────────────────────────────────────────────────

// Submit handles submit HTTP requests
func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if !h.decodePost(w, r, &body) {
		return
	}
	actor, ok := h.actor(w, r, body.InitiatorID)
	if !ok {
		return
	}

	res, err := h.engine.Submit(r.Context(), body.request(actor))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSubmitView(res))
}

// CreateDraft handles create draft HTTP requests
func (h *HTTPHandler) CreateDraft(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if !h.decodePost(w, r, &body) {
		return
	}
	actor, ok := h.actor(w, r, body.InitiatorID)
	if !ok {
		return
	}

	inst, err := h.engine.CreateDraft(r.Context(), body.request(actor))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newInstanceView(inst))
}

// Approve handles approve task HTTP requests
func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.engine.Approve)
}

// Reject handles reject task HTTP requests
func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.engine.Reject)
}

func (h *HTTPHandler) decide(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, req *service.DecisionRequest) (*service.DecisionResult, error)) {
	var body decisionBody
	if !h.decodePost(w, r, &body) {
		return
	}
	actor, ok := h.actor(w, r, body.ApproverID)
	if !ok {
		return
	}

	res, err := fn(r.Context(), &service.DecisionRequest{TaskID: body.TaskID, ActorID: actor, Comment: body.Comment})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDecisionView(res))
}

// Delegate handles delegate task HTTP requests
func (h *HTTPHandler) Delegate(w http.ResponseWriter, r *http.Request) {
	var body delegateBody
	if !h.decodePost(w, r, &body) {
		return
	}
	actor, ok := h.actor(w, r, body.ApproverID)
	if !ok {
		return
	}

	res, err := h.engine.Delegate(r.Context(), &service.DelegateRequest{
		TaskID:       body.TaskID,
		ActorID:      actor,
		DelegateToID: body.DelegateToID,
		Comment:      body.Comment,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &delegateView{
		Instance:  newInstanceView(res.Instance),
		Delegated: newTaskView(res.Delegated),
		Task:      newTaskView(res.Task),
		Replayed:  res.Replayed,
	})
}

// Withdraw handles withdraw HTTP requests
func (h *HTTPHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.stop(w, r, h.engine.Withdraw)
}

// Terminate handles terminate HTTP requests
func (h *HTTPHandler) Terminate(w http.ResponseWriter, r *http.Request) {
	h.stop(w, r, h.engine.Terminate)
}

func (h *HTTPHandler) stop(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, req *service.InstanceRequest) (*service.DecisionResult, error)) {
	var body instanceBody
	if !h.decodePost(w, r, &body) {
		return
	}
	actor, ok := h.actor(w, r, body.InitiatorID)
	if !ok {
		return
	}

	res, err := fn(r.Context(), &service.InstanceRequest{InstanceID: body.InstanceID, ActorID: actor, Comment: body.Comment})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDecisionView(res))
}

// GetPendingTasks handles pending task list HTTP requests
func (h *HTTPHandler) GetPendingTasks(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	userID := r.Header.Get(UserIDHeader)
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}

	tasks, err := h.engine.GetPendingTasks(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": newPendingViews(tasks),
		"total": len(tasks),
	})
}

// GetHistory handles audit history HTTP requests
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	logs, err := h.engine.GetHistory(r.Context(), r.URL.Query().Get("instance_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": newActionLogViews(logs)})
}

// GetInstance handles get instance HTTP requests
func (h *HTTPHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	detail, err := h.engine.GetInstance(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &instanceDetailView{
		Instance:     newInstanceView(detail.Instance),
		Tasks:        newTaskViews(detail.Tasks),
		CarbonCopies: newCarbonCopyViews(detail.CarbonCopies),
	})
}

// ListCarbonCopies handles the carbon-copy inbox HTTP requests
func (h *HTTPHandler) ListCarbonCopies(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	ccs, err := h.ccs.ListForUser(r.Context(), r.Header.Get(UserIDHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"carbon_copies": newCarbonCopyViews(ccs)})
}

// MarkCarbonCopyRead handles mark-as-read HTTP requests
func (h *HTTPHandler) MarkCarbonCopyRead(w http.ResponseWriter, r *http.Request) {
	var body ccReadBody
	if !h.decodePost(w, r, &body) {
		return
	}

	if err := h.ccs.MarkRead(r.Context(), body.CCID, r.Header.Get(UserIDHeader)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Templates ─────────────────────────────────────────────────────────────────

// ListTemplates handles list template HTTP requests
func (h *HTTPHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.templates.ListTemplates(r.Context(), r.URL.Query().Get("entity_type"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	views := make([]*templateView, 0, len(templates))
	for _, tpl := range templates {
		views = append(views, newTemplateView(tpl, nil))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"templates": views})
}

// CreateTemplate handles create template HTTP requests
func (h *HTTPHandler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var body templateBody
	if !h.decodePost(w, r, &body) {
		return
	}
	actor, ok := h.admin(w, r)
	if !ok {
		return
	}

	detail, err := h.templates.CreateTemplate(r.Context(), &service.TemplateDefinition{
		Code:        body.Code,
		Name:        body.Name,
		EntityType:  body.EntityType,
		Description: body.Description,
		CreatedBy:   actor,
		Nodes:       toNodes(body.Nodes),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTemplateView(detail.Template, detail.Flow))
}

// GetTemplate handles get template HTTP requests
func (h *HTTPHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, r, errors.InvalidInput("id", "is required"))
		return
	}

	detail, err := h.templates.GetTemplate(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTemplateView(detail.Template, detail.Flow))
}

// UpdateTemplateNodes handles replace-nodes HTTP requests on DRAFT templates
func (h *HTTPHandler) UpdateTemplateNodes(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID    string     `json:"id"`
		Nodes []nodeBody `json:"nodes"`
	}
	if !h.decodePost(w, r, &body) {
		return
	}
	if _, ok := h.admin(w, r); !ok {
		return
	}

	detail, err := h.templates.UpdateNodes(r.Context(), body.ID, toNodes(body.Nodes))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTemplateView(detail.Template, detail.Flow))
}

// PublishTemplate handles publish template HTTP requests
func (h *HTTPHandler) PublishTemplate(w http.ResponseWriter, r *http.Request) {
	var body templateIDBody
	if !h.decodePost(w, r, &body) {
		return
	}
	if _, ok := h.admin(w, r); !ok {
		return
	}

	tpl, err := h.templates.PublishTemplate(r.Context(), body.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTemplateView(tpl, nil))
}

// NewTemplateVersion handles new-version HTTP requests
func (h *HTTPHandler) NewTemplateVersion(w http.ResponseWriter, r *http.Request) {
	var body templateIDBody
	if !h.decodePost(w, r, &body) {
		return
	}
	actor, ok := h.admin(w, r)
	if !ok {
		return
	}

	detail, err := h.templates.NewTemplateVersion(r.Context(), body.ID, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTemplateView(detail.Template, detail.Flow))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// decodePost checks the method and decodes the JSON body into dst.
func (h *HTTPHandler) decodePost(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if !requireMethod(w, r, http.MethodPost) {
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body: "+err.Error()))
		return false
	}
	return true
}

// actor returns the caller from the X-User-ID header, falling back to the
// body field. A body value that contradicts the header is rejected.
func (h *HTTPHandler) actor(w http.ResponseWriter, r *http.Request, fromBody string) (string, bool) {
	header := strings.TrimSpace(r.Header.Get(UserIDHeader))
	fromBody = strings.TrimSpace(fromBody)
	switch {
	case header != "" && fromBody != "" && header != fromBody:
		h.writeError(w, r, errors.Unauthorized("request body actor does not match "+UserIDHeader))
		return "", false
	case header != "":
		return header, true
	case fromBody != "":
		return fromBody, true
	}
	h.writeError(w, r, errors.InvalidInput(UserIDHeader, "header is required"))
	return "", false
}

// admin returns the caller when they hold the approval admin role.
func (h *HTTPHandler) admin(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor, ok := h.actor(w, r, "")
	if !ok {
		return "", false
	}
	isAdmin, err := h.engine.IsAdmin(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return "", false
	}
	if !isAdmin {
		h.writeError(w, r, errors.Unauthorized("only approval administrators can manage templates"))
		return "", false
	}
	return actor, true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSON(w, code, map[string]interface{}{"error": newErrorBody(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
