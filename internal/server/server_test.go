package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kecupro/SoftwareManage-sub001/internal/app"
	"github.com/Kecupro/SoftwareManage-sub001/internal/config"
	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
	"github.com/Kecupro/SoftwareManage-sub001/internal/engine"
)

const testSecret = "test-secret"

type testServer struct {
	URL       string
	Handler   http.Handler
	App       *app.App
	ProjectID string
	PartnerID string
	client    *http.Client
}

func newTestServer(t *testing.T, devLogin bool) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Workspace = t.TempDir()
	a, err := app.OpenWithConfig(cfg, io.Discard)
	require.NoError(t, err)

	ctx := context.Background()
	e := a.Engine
	partner, err := e.CreatePartner(ctx, engine.PartnerInput{Code: "ACME", Name: "Acme Corp"}, "")
	require.NoError(t, err)
	other, err := e.CreatePartner(ctx, engine.PartnerInput{Code: "GLOBEX", Name: "Globex"}, "")
	require.NoError(t, err)
	for _, u := range []engine.UserInput{
		{ID: "admin", Name: "Admin", Role: domain.RoleAdmin},
		{ID: "pm", Name: "Project Manager", Role: domain.RolePM},
		{ID: "dev", Name: "Developer", Role: domain.RoleDeveloper},
		{ID: "ops", Name: "Ops", Role: domain.RoleDevOps},
		{ID: "qa", Name: "QA", Role: domain.RoleQA},
		{ID: "partner-1", Name: "Acme User", Role: domain.RolePartner, PartnerID: partner.ID},
		{ID: "partner-2", Name: "Globex User", Role: domain.RolePartner, PartnerID: other.ID},
	} {
		_, err := e.CreateUser(ctx, u, "")
		require.NoError(t, err)
	}
	project, err := e.CreateProject(ctx, engine.ProjectInput{Code: "PRJ", Name: "Platform", ManagerID: "pm"}, "")
	require.NoError(t, err)

	handler, err := New(Config{
		Engine:      e,
		BasePath:    "/v1",
		Attachments: a.Attachments,
		Metrics:     a.Metrics,
		Logger:      a.Log,
		Auth: AuthConfig{
			JWTSecret:        testSecret,
			AllowActorHeader: true,
			DevLogin:         devLogin,
		},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		a.Close()
	})
	return &testServer{
		URL:       "http://" + ln.Addr().String(),
		Handler:   handler,
		App:       a,
		ProjectID: project.ID,
		PartnerID: partner.ID,
		client:    &http.Client{},
	}
}

func (s *testServer) do(t *testing.T, method, path string, headers map[string]string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (s *testServer) as(t *testing.T, actor, method, path string, body any) (int, []byte) {
	t.Helper()
	return s.do(t, method, path, map[string]string{"X-Actor-Id": actor}, body)
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (s *testServer) fileRequest(t *testing.T) domain.ModuleRequest {
	t.Helper()
	status, body := s.as(t, "partner-1", http.MethodPost, "/v1/module-requests", map[string]any{
		"name":        "Billing",
		"description": "Invoices and payment tracking",
		"project_id":  s.ProjectID,
		"priority":    "high",
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	return decode[domain.ModuleRequest](t, body)
}

func TestHealthIsOpen(t *testing.T) {
	s := newTestServer(t, false)
	status, body := s.do(t, http.MethodGet, "/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"ok"`)
}

func TestAuthenticationRequired(t *testing.T) {
	s := newTestServer(t, false)
	status, body := s.do(t, http.MethodGet, "/v1/me", nil, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, body).Error.Code)

	status, _ = s.as(t, engine.OperatorActor, http.MethodGet, "/v1/me", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = s.do(t, http.MethodGet, "/v1/me", map[string]string{"Authorization": "Bearer nope"}, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_credentials", decode[errorEnvelope](t, body).Error.Code)
}

func TestMeResolvesRole(t *testing.T) {
	s := newTestServer(t, false)
	status, body := s.as(t, "partner-1", http.MethodGet, "/v1/me", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	me := decode[WhoAmIResponse](t, body)
	assert.Equal(t, domain.RolePartner, me.Role)
	assert.Equal(t, s.PartnerID, me.PartnerID)
	assert.Equal(t, "legacy_header", me.Source)
}

func TestDevLoginIssuesUsableToken(t *testing.T) {
	s := newTestServer(t, true)
	status, body := s.do(t, http.MethodPost, "/v1/auth/dev/login", nil, DevLoginRequest{UserID: "pm"})
	require.Equal(t, http.StatusOK, status, string(body))
	token := decode[DevLoginResponse](t, body).Token
	require.NotEmpty(t, token)

	status, body = s.do(t, http.MethodGet, "/v1/me", map[string]string{"Authorization": "Bearer " + token}, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	me := decode[WhoAmIResponse](t, body)
	assert.Equal(t, "pm", me.UserID)
	assert.Equal(t, "jwt", me.Source)

	status, _ = s.do(t, http.MethodPost, "/v1/auth/dev/login", nil, DevLoginRequest{UserID: "ghost"})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestDevLoginDisabledByDefault(t *testing.T) {
	s := newTestServer(t, false)
	status, _ := s.do(t, http.MethodPost, "/v1/auth/dev/login", nil, DevLoginRequest{UserID: "pm"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAPIKeyAuthentication(t *testing.T) {
	s := newTestServer(t, false)
	secret, _, err := s.App.Engine.CreateAPIKey(context.Background(), "dev", "ci", "")
	require.NoError(t, err)

	status, body := s.do(t, http.MethodGet, "/v1/me", map[string]string{"X-Api-Key": secret}, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	me := decode[WhoAmIResponse](t, body)
	assert.Equal(t, "dev", me.UserID)
	assert.Equal(t, "api_key", me.Source)

	status, _ = s.do(t, http.MethodGet, "/v1/me", map[string]string{"X-Api-Key": secret + "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, false)
	req := s.fileRequest(t)
	assert.Regexp(t, `^MR_\d+$`, req.Code)
	assert.Equal(t, domain.RequestPending, req.Status)

	status, body := s.as(t, "partner-1", http.MethodPost, "/v1/module-requests/"+req.ID+"/approve", ApproveRequestRequest{ReviewNote: "self"})
	require.Equal(t, http.StatusForbidden, status, string(body))
	assert.Equal(t, "forbidden", decode[errorEnvelope](t, body).Error.Code)

	status, body = s.as(t, "pm", http.MethodPost, "/v1/module-requests/"+req.ID+"/approve", ApproveRequestRequest{
		ReviewNote:      "go",
		EstimatedEffort: "2 weeks",
		AssignedTo:      "dev",
	})
	require.Equal(t, http.StatusOK, status, string(body))
	res := decode[engine.ApprovalResult](t, body)
	assert.Equal(t, domain.RequestApproved, res.Request.Status)
	assert.Equal(t, res.Module.ID, res.Request.ApprovedModuleID)
	assert.True(t, strings.HasPrefix(res.Module.Code, "PRJ_BILLI_"), res.Module.Code)

	status, body = s.as(t, "admin", http.MethodPost, "/v1/module-requests/"+req.ID+"/reject", RejectRequestRequest{ReviewNote: "late"})
	require.Equal(t, http.StatusConflict, status, string(body))
	env := decode[errorEnvelope](t, body)
	assert.Equal(t, "invalid_state_transition", env.Error.Code)
	assert.Equal(t, domain.RequestApproved, env.Error.Details["current"])
}

func TestValidationErrorsUseEnvelope(t *testing.T) {
	s := newTestServer(t, false)
	status, body := s.as(t, "partner-1", http.MethodPost, "/v1/module-requests", map[string]any{
		"name":        "Billing",
		"description": "short",
		"project_id":  s.ProjectID,
	})
	require.Equal(t, http.StatusBadRequest, status, string(body))
	env := decode[errorEnvelope](t, body)
	assert.Equal(t, "validation_failed", env.Error.Code)
	assert.Equal(t, "description", env.Error.Details["field"])
}

func TestRequestsAreHiddenFromOtherPartners(t *testing.T) {
	s := newTestServer(t, false)
	req := s.fileRequest(t)

	status, _ := s.as(t, "partner-2", http.MethodGet, "/v1/module-requests/"+req.ID, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body := s.as(t, "partner-1", http.MethodGet, "/v1/module-requests/"+req.ID, nil)
	require.Equal(t, http.StatusOK, status)
	got := decode[domain.ModuleRequest](t, body)
	require.NotEmpty(t, got.History)
	assert.Equal(t, "created", got.History[0].Action)
}

func TestUpdatePendingRequestAttachments(t *testing.T) {
	s := newTestServer(t, false)
	req := s.fileRequest(t)
	ref := domain.AttachmentRef{ID: "a1", Name: "brief.pdf"}

	status, body := s.as(t, "partner-1", http.MethodPatch, "/v1/module-requests/"+req.ID, map[string]any{
		"attachments": []domain.AttachmentRef{ref},
	})
	require.Equal(t, http.StatusOK, status, string(body))
	got := decode[domain.ModuleRequest](t, body)
	require.Len(t, got.Attachments, 1)

	status, body = s.as(t, "partner-1", http.MethodPatch, "/v1/module-requests/"+req.ID, map[string]any{
		"name": "Billing v2",
	})
	require.Equal(t, http.StatusOK, status, string(body))
	got = decode[domain.ModuleRequest](t, body)
	assert.Equal(t, "Billing v2", got.Name)
	assert.Len(t, got.Attachments, 1)
}

func TestDeliveryFlowOverHTTP(t *testing.T) {
	s := newTestServer(t, false)
	req := s.fileRequest(t)
	status, body := s.as(t, "pm", http.MethodPost, "/v1/module-requests/"+req.ID+"/approve", ApproveRequestRequest{AssignedTo: "dev"})
	require.Equal(t, http.StatusOK, status, string(body))
	moduleID := decode[engine.ApprovalResult](t, body).Module.ID
	base := "/v1/modules/" + moduleID

	status, body = s.as(t, "pm", http.MethodPatch, base, map[string]any{"dev_ops": "ops", "qa": "qa"})
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = s.as(t, "dev", http.MethodPut, base+"/status", ModuleStatusRequest{Status: domain.ModuleInDevelopment})
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = s.as(t, "ops", http.MethodPost, base+"/delivery", SubmitDeliveryRequest{Commit: "abc123", Note: "first cut"})
	require.Equal(t, http.StatusOK, status, string(body))
	m := decode[domain.Module](t, body)
	assert.Equal(t, domain.DeliveryPending, m.DeliveryStatus)
	assert.Equal(t, 1, m.Delivery.Cycle)

	status, body = s.as(t, "partner-2", http.MethodPost, base+"/accept", NoteRequest{})
	require.Equal(t, http.StatusForbidden, status, string(body))

	status, body = s.as(t, "partner-1", http.MethodPost, base+"/accept", NoteRequest{Note: "looks good"})
	require.Equal(t, http.StatusOK, status, string(body))
	m = decode[domain.Module](t, body)
	assert.Equal(t, domain.DeliveryAccepted, m.DeliveryStatus)
	assert.Equal(t, domain.ModuleAccepted, m.Status)

	status, body = s.as(t, "pm", http.MethodPost, base+"/reject", NoteRequest{Note: "too late"})
	require.Equal(t, http.StatusConflict, status, string(body))
	assert.Equal(t, domain.DeliveryAccepted, decode[errorEnvelope](t, body).Error.Details["current"])
}

func TestPartnerRejectRequiresReason(t *testing.T) {
	s := newTestServer(t, false)
	req := s.fileRequest(t)
	_, body := s.as(t, "pm", http.MethodPost, "/v1/module-requests/"+req.ID+"/approve", ApproveRequestRequest{AssignedTo: "dev"})
	moduleID := decode[engine.ApprovalResult](t, body).Module.ID
	base := "/v1/modules/" + moduleID
	status, body := s.as(t, "pm", http.MethodPatch, base, map[string]any{"dev_ops": "ops"})
	require.Equal(t, http.StatusOK, status, string(body))
	status, body = s.as(t, "ops", http.MethodPost, base+"/delivery", SubmitDeliveryRequest{Commit: "abc123"})
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = s.as(t, "partner-1", http.MethodPost, base+"/partner-reject", PartnerRejectRequest{})
	require.Equal(t, http.StatusBadRequest, status, string(body))

	status, body = s.as(t, "partner-1", http.MethodPost, base+"/partner-reject", PartnerRejectRequest{RejectionReason: "missing exports"})
	require.Equal(t, http.StatusOK, status, string(body))
	m := decode[domain.Module](t, body)
	assert.Equal(t, domain.DeliveryRejected, m.DeliveryStatus)
	assert.Equal(t, "missing exports", m.Delivery.RejectionReason)
}

func TestWorkItemsDriveProgress(t *testing.T) {
	s := newTestServer(t, false)
	status, body := s.as(t, "pm", http.MethodPost, "/v1/modules", CreateModuleRequest{Name: "Reports", ProjectID: s.ProjectID})
	require.Equal(t, http.StatusCreated, status, string(body))
	m := decode[domain.Module](t, body)

	status, body = s.as(t, "pm", http.MethodPost, "/v1/tasks", CreateTaskRequest{ModuleID: m.ID, Title: "Schema"})
	require.Equal(t, http.StatusCreated, status, string(body))
	task := decode[domain.Task](t, body)
	status, body = s.as(t, "pm", http.MethodPost, "/v1/user-stories", CreateStoryRequest{ModuleID: m.ID, Title: "Export CSV"})
	require.Equal(t, http.StatusCreated, status, string(body))

	done := domain.TaskDone
	status, body = s.as(t, "dev", http.MethodPatch, "/v1/tasks/"+task.ID, UpdateTaskRequest{Status: &done})
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = s.as(t, "pm", http.MethodGet, "/v1/modules/"+m.ID, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, 50, decode[domain.Module](t, body).Progress)

	status, body = s.as(t, "qa", http.MethodGet, "/v1/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	got := decode[domain.Task](t, body)
	assert.Equal(t, domain.TaskDone, got.Status)
	assert.NotEmpty(t, got.History)

	status, _ = s.as(t, "partner-1", http.MethodGet, "/v1/tasks/"+task.ID, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestNotificationEndpoints(t *testing.T) {
	s := newTestServer(t, false)
	s.fileRequest(t)

	status, body := s.as(t, "admin", http.MethodGet, "/v1/notifications", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	list := decode[NotificationListResponse](t, body)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "request-created", list.Items[0].Type)
	id := list.Items[0].ID

	status, _ = s.as(t, "pm", http.MethodPost, "/v1/notifications/"+id+"/read", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = s.as(t, "admin", http.MethodPost, "/v1/notifications/"+id+"/read", nil)
	require.Equal(t, http.StatusNoContent, status)

	status, body = s.as(t, "admin", http.MethodGet, "/v1/notifications?unread=true", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decode[NotificationListResponse](t, body).Items)

	status, body = s.as(t, "pm", http.MethodPost, "/v1/notifications/read-all", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, int64(1), decode[MarkAllReadResponse](t, body).Updated)

	status, _ = s.as(t, "admin", http.MethodDelete, "/v1/notifications/"+id, nil)
	require.Equal(t, http.StatusNoContent, status)
	status, body = s.as(t, "admin", http.MethodGet, "/v1/notifications", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decode[NotificationListResponse](t, body).Items)
}

func (s *testServer) upload(t *testing.T, actor, name, content string) domain.AttachmentRef {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.URL+"/v1/attachments?name="+name, strings.NewReader(content))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Actor-Id", actor)
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	return decode[domain.AttachmentRef](t, body)
}

func TestAttachmentUploadAndDownload(t *testing.T) {
	s := newTestServer(t, false)
	ref := s.upload(t, "partner-1", "brief.txt", "hello partner")
	assert.Equal(t, "brief.txt", ref.Name)
	assert.Equal(t, int64(len("hello partner")), ref.Size)
	assert.Equal(t, "/v1/files/"+ref.ID, ref.URL)

	status, data := s.as(t, "partner-1", http.MethodGet, ref.URL, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hello partner", string(data))

	status, _ = s.as(t, "partner-1", http.MethodGet, "/v1/files/not-an-id", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAttachmentDownloadsAreScopedToPartner(t *testing.T) {
	s := newTestServer(t, false)
	brief := s.upload(t, "partner-1", "brief.txt", "acme only")

	status, _ := s.as(t, "partner-2", http.MethodGet, brief.URL, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, data := s.as(t, "dev", http.MethodGet, brief.URL, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "acme only", string(data))

	build := s.upload(t, "ops", "build.zip", "release build")
	status, _ = s.as(t, "partner-1", http.MethodGet, build.URL, nil)
	assert.Equal(t, http.StatusNotFound, status, "undelivered internal upload")

	req := s.fileRequest(t)
	status, body := s.as(t, "pm", http.MethodPost, "/v1/module-requests/"+req.ID+"/approve", ApproveRequestRequest{AssignedTo: "dev"})
	require.Equal(t, http.StatusOK, status, string(body))
	base := "/v1/modules/" + decode[engine.ApprovalResult](t, body).Module.ID
	status, body = s.as(t, "pm", http.MethodPatch, base, map[string]any{"dev_ops": "ops"})
	require.Equal(t, http.StatusOK, status, string(body))
	status, body = s.as(t, "ops", http.MethodPost, base+"/delivery", SubmitDeliveryRequest{Files: []domain.AttachmentRef{build}})
	require.Equal(t, http.StatusOK, status, string(body))

	status, data = s.as(t, "partner-1", http.MethodGet, build.URL, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "release build", string(data))
	status, _ = s.as(t, "partner-2", http.MethodGet, build.URL, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func TestOversizedBodiesAreRejected(t *testing.T) {
	s := newTestServer(t, false)
	big := `{"description":"` + strings.Repeat("x", 2<<20) + `"}`
	send := func(headers map[string]string) (*httptest.ResponseRecorder, *countingReader) {
		body := &countingReader{r: strings.NewReader(big)}
		req := httptest.NewRequest(http.MethodPatch, "/v1/module-requests/any", body)
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		s.Handler.ServeHTTP(rec, req)
		return rec, body
	}

	rec, body := send(nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, body.n, "body read before authentication")

	rec, body = send(map[string]string{"X-Actor-Id": "pm"})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
	assert.LessOrEqual(t, body.n, int64(maxJSONBody+1))
	assert.Equal(t, "request_entity_too_large", decode[errorEnvelope](t, rec.Body.Bytes()).Error.Code)
}

func TestMetricsAndOpenAPI(t *testing.T) {
	s := newTestServer(t, false)
	s.fileRequest(t)

	status, body := s.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `sm_transitions_total{action="create",entity="module_request",outcome="ok"} 1`)

	status, body = s.as(t, "admin", http.MethodGet, "/v1/openapi.json", nil)
	require.Equal(t, http.StatusOK, status)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v1/module-requests/{id}/approve")
	assert.Contains(t, paths, "/v1/modules/{id}/partner-reject")
}
