package smsdk_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kecupro/SoftwareManage-sub001/internal/app"
	"github.com/Kecupro/SoftwareManage-sub001/internal/config"
	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
	"github.com/Kecupro/SoftwareManage-sub001/internal/engine"
	"github.com/Kecupro/SoftwareManage-sub001/internal/server"
	smsdk "github.com/Kecupro/SoftwareManage-sub001/sdk/go"
)

type fixture struct {
	baseURL   string
	projectID string
	keys      map[string]string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Workspace = t.TempDir()
	a, err := app.OpenWithConfig(cfg, io.Discard)
	require.NoError(t, err)

	ctx := context.Background()
	e := a.Engine
	acme, err := e.CreatePartner(ctx, engine.PartnerInput{Code: "ACME", Name: "Acme Corp"}, "")
	require.NoError(t, err)
	globex, err := e.CreatePartner(ctx, engine.PartnerInput{Code: "GLOBEX", Name: "Globex"}, "")
	require.NoError(t, err)
	keys := map[string]string{}
	for _, u := range []engine.UserInput{
		{ID: "pm", Name: "Project Manager", Role: domain.RolePM},
		{ID: "dev", Name: "Developer", Role: domain.RoleDeveloper},
		{ID: "partner-1", Name: "Acme User", Role: domain.RolePartner, PartnerID: acme.ID},
		{ID: "partner-2", Name: "Globex User", Role: domain.RolePartner, PartnerID: globex.ID},
	} {
		_, err := e.CreateUser(ctx, u, "")
		require.NoError(t, err)
		secret, _, err := e.CreateAPIKey(ctx, u.ID, "sdk", "")
		require.NoError(t, err)
		keys[u.ID] = secret
	}
	project, err := e.CreateProject(ctx, engine.ProjectInput{Code: "PRJ", Name: "Platform", ManagerID: "pm"}, "")
	require.NoError(t, err)

	handler, err := server.New(server.Config{
		Engine:      e,
		BasePath:    "/v1",
		Attachments: a.Attachments,
		Metrics:     a.Metrics,
		Logger:      a.Log,
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
	return fixture{baseURL: "http://" + ln.Addr().String() + "/v1", projectID: project.ID, keys: keys}
}

func (f fixture) client(user string) *smsdk.Client {
	c := smsdk.New(f.baseURL)
	c.APIKey = f.keys[user]
	return c
}

func TestClientDrivesDeliveryWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	partner, pm, dev := f.client("partner-1"), f.client("pm"), f.client("dev")

	spec, err := partner.Upload(ctx, "scope.txt", strings.NewReader("scope"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), spec.Size)

	req, err := partner.CreateRequest(ctx, smsdk.RequestInput{
		Name:        "Billing",
		Description: "Invoices and payment tracking",
		ProjectID:   f.projectID,
		Priority:    domain.PriorityHigh,
		Attachments: []smsdk.AttachmentRef{spec},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RequestPending, req.Status)
	require.Len(t, req.Attachments, 1)

	notes, err := pm.Notifications(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, req.ID, notes[0].Refs.RequestID)
	require.NoError(t, pm.MarkNotificationRead(ctx, notes[0].ID))
	notes, err = pm.Notifications(ctx, true, 0)
	require.NoError(t, err)
	assert.Empty(t, notes)

	res, err := pm.ApproveRequest(ctx, req.ID, smsdk.Approval{AssignedTo: "dev", EstimatedEffort: "2w"})
	require.NoError(t, err)
	assert.Equal(t, domain.RequestApproved, res.Request.Status)
	assert.Equal(t, res.Module.ID, res.Request.ApprovedModuleID)

	_, err = dev.SetModuleStatus(ctx, res.Module.ID, domain.ModuleInDevelopment, "")
	require.NoError(t, err)
	m, err := dev.SubmitDelivery(ctx, res.Module.ID, smsdk.Delivery{Commit: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryPending, m.DeliveryStatus)

	_, err = f.client("partner-2").AcceptDelivery(ctx, res.Module.ID, "")
	var apiErr *smsdk.APIError
	require.True(t, errors.As(err, &apiErr), "%v", err)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "forbidden", apiErr.Code)

	m, err = partner.AcceptDelivery(ctx, res.Module.ID, "ship it")
	require.NoError(t, err)
	assert.Equal(t, domain.ModuleAccepted, m.Status)

	_, err = partner.PartnerRejectDelivery(ctx, res.Module.ID, "changed my mind")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invalid_state_transition", apiErr.Code)
	assert.Equal(t, domain.DeliveryAccepted, apiErr.Details["current"])

	got, err := partner.GetModule(ctx, res.Module.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryAccepted, got.DeliveryStatus)
}

func TestClientReportsMissingCredentials(t *testing.T) {
	f := newFixture(t)
	_, err := smsdk.New(f.baseURL).GetRequest(context.Background(), "nope")
	var apiErr *smsdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "unauthorized", apiErr.Code)
}
