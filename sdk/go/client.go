// Package smsdk is a small typed client for the module delivery HTTP API.
package smsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
)

type (
	ModuleRequest = domain.ModuleRequest
	Module        = domain.Module
	Notification  = domain.Notification
	AttachmentRef = domain.AttachmentRef
	Timeline      = domain.Timeline
	Requirements  = domain.Requirements
)

// Client talks to one API base, e.g. http://host:8080/v1.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RequestInput is the payload for filing a module request.
type RequestInput struct {
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	PartnerID         string          `json:"partner_id,omitempty"`
	ProjectID         string          `json:"project_id"`
	Priority          string          `json:"priority,omitempty"`
	EstimatedHours    float64         `json:"estimated_hours,omitempty"`
	RequestedTimeline *Timeline       `json:"requested_timeline,omitempty"`
	Requirements      *Requirements   `json:"requirements,omitempty"`
	Attachments       []AttachmentRef `json:"attachments,omitempty"`
}

// Approval is the reviewer's assessment sent with an approval.
type Approval struct {
	ReviewNote              string   `json:"review_note,omitempty"`
	EstimatedEffort         string   `json:"estimated_effort,omitempty"`
	TechnicalFeasibility    string   `json:"technical_feasibility,omitempty"`
	RecommendedTechnologies []string `json:"recommended_technologies,omitempty"`
	Risks                   []string `json:"risks,omitempty"`
	Suggestions             string   `json:"suggestions,omitempty"`
	AssignedTo              string   `json:"assigned_to,omitempty"`
}

// ApprovalResult is the approved request and the module created from it.
type ApprovalResult struct {
	Request ModuleRequest `json:"request"`
	Module  Module        `json:"module"`
}

// Delivery is the payload of a delivery submission.
type Delivery struct {
	Files  []AttachmentRef `json:"delivery_files,omitempty"`
	Commit string          `json:"delivery_commit,omitempty"`
	Note   string          `json:"delivery_note,omitempty"`
}

func (c *Client) CreateRequest(ctx context.Context, in RequestInput) (ModuleRequest, error) {
	var resp ModuleRequest
	err := c.do(ctx, http.MethodPost, "module-requests", in, &resp)
	return resp, err
}

func (c *Client) GetRequest(ctx context.Context, id string) (ModuleRequest, error) {
	var resp ModuleRequest
	err := c.do(ctx, http.MethodGet, "module-requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ApproveRequest(ctx context.Context, id string, in Approval) (ApprovalResult, error) {
	var resp ApprovalResult
	err := c.do(ctx, http.MethodPost, "module-requests/"+url.PathEscape(id)+"/approve", in, &resp)
	return resp, err
}

func (c *Client) RejectRequest(ctx context.Context, id, note string) (ModuleRequest, error) {
	var resp ModuleRequest
	err := c.do(ctx, http.MethodPost, "module-requests/"+url.PathEscape(id)+"/reject", map[string]string{"review_note": note}, &resp)
	return resp, err
}

func (c *Client) GetModule(ctx context.Context, id string) (Module, error) {
	var resp Module
	err := c.do(ctx, http.MethodGet, "modules/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SetModuleStatus moves the module along its primary status lane.
func (c *Client) SetModuleStatus(ctx context.Context, id, status, note string) (Module, error) {
	var resp Module
	err := c.do(ctx, http.MethodPut, "modules/"+url.PathEscape(id)+"/status", map[string]string{"status": status, "note": note}, &resp)
	return resp, err
}

func (c *Client) SubmitDelivery(ctx context.Context, id string, in Delivery) (Module, error) {
	var resp Module
	err := c.do(ctx, http.MethodPost, "modules/"+url.PathEscape(id)+"/delivery", in, &resp)
	return resp, err
}

// ReviewDelivery records the internal review; decision is accepted or rejected.
func (c *Client) ReviewDelivery(ctx context.Context, id, decision, note string) (Module, error) {
	var resp Module
	err := c.do(ctx, http.MethodPost, "modules/"+url.PathEscape(id)+"/review", map[string]string{"decision": decision, "note": note}, &resp)
	return resp, err
}

func (c *Client) RejectModule(ctx context.Context, id, note string) (Module, error) {
	var resp Module
	err := c.do(ctx, http.MethodPost, "modules/"+url.PathEscape(id)+"/reject", map[string]string{"note": note}, &resp)
	return resp, err
}

func (c *Client) AcceptDelivery(ctx context.Context, id, note string) (Module, error) {
	var resp Module
	err := c.do(ctx, http.MethodPost, "modules/"+url.PathEscape(id)+"/accept", map[string]string{"note": note}, &resp)
	return resp, err
}

func (c *Client) PartnerRejectDelivery(ctx context.Context, id, reason string) (Module, error) {
	var resp Module
	err := c.do(ctx, http.MethodPost, "modules/"+url.PathEscape(id)+"/partner-reject", map[string]string{"rejection_reason": reason}, &resp)
	return resp, err
}

// Notifications lists the caller's notifications, newest first.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool, limit int) ([]Notification, error) {
	q := url.Values{}
	if unreadOnly {
		q.Set("unread", "true")
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "notifications"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Notification `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

// Upload stores r as an attachment and returns its reference.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (AttachmentRef, error) {
	var resp AttachmentRef
	req, err := c.newRequest(ctx, http.MethodPost, "attachments?name="+url.QueryEscape(name), r)
	if err != nil {
		return resp, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	err = c.send(req, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := c.newRequest(ctx, method, endpoint, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	u := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
