package server

import (
	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
	"github.com/Kecupro/SoftwareManage-sub001/internal/engine"
)

// Request payloads

type CreatePartnerRequest struct {
	Code         string `json:"code,omitempty" example:"ACME"`
	Name         string `json:"name"`
	ContactEmail string `json:"contact_email,omitempty"`
}

type CreateProjectRequest struct {
	Code        string `json:"code,omitempty" example:"PORTAL"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ManagerID   string `json:"manager_id,omitempty"`
}

type CreateModuleRequestRequest struct {
	Name              string                 `json:"name"`
	Description       string                 `json:"description"`
	PartnerID         string                 `json:"partner_id,omitempty"`
	ProjectID         string                 `json:"project_id"`
	Priority          string                 `json:"priority,omitempty" enum:"low,medium,high,critical"`
	EstimatedHours    float64                `json:"estimated_hours,omitempty"`
	RequestedTimeline *domain.Timeline       `json:"requested_timeline,omitempty"`
	Requirements      *domain.Requirements   `json:"requirements,omitempty"`
	Attachments       []domain.AttachmentRef `json:"attachments,omitempty"`
}

type UpdateModuleRequestRequest struct {
	Name              *string                `json:"name,omitempty"`
	Description       *string                `json:"description,omitempty"`
	Priority          *string                `json:"priority,omitempty" enum:"low,medium,high,critical"`
	EstimatedHours    *float64               `json:"estimated_hours,omitempty"`
	RequestedTimeline *domain.Timeline       `json:"requested_timeline,omitempty"`
	Requirements      *domain.Requirements   `json:"requirements,omitempty"`
	Attachments       []domain.AttachmentRef `json:"attachments,omitempty"`
}

type ApproveRequestRequest struct {
	ReviewNote              string   `json:"review_note,omitempty"`
	EstimatedEffort         string   `json:"estimated_effort,omitempty"`
	TechnicalFeasibility    string   `json:"technical_feasibility,omitempty"`
	RecommendedTechnologies []string `json:"recommended_technologies,omitempty"`
	Risks                   []string `json:"risks,omitempty"`
	Suggestions             string   `json:"suggestions,omitempty"`
	AssignedTo              string   `json:"assigned_to,omitempty"`
}

type RejectRequestRequest struct {
	ReviewNote string `json:"review_note,omitempty"`
}

type CreateModuleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ProjectID   string `json:"project_id"`
	Priority    string `json:"priority,omitempty" enum:"low,medium,high,critical"`
	StartDate   string `json:"start_date,omitempty"`
	EndDate     string `json:"end_date,omitempty"`
	PartnerID   string `json:"partner_id,omitempty"`
	AssignedTo  string `json:"assigned_to,omitempty"`
	QA          string `json:"qa,omitempty"`
	Reviewer    string `json:"reviewer,omitempty"`
	DevOps      string `json:"dev_ops,omitempty"`
}

type UpdateModuleRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty" enum:"low,medium,high,critical"`
	StartDate   *string `json:"start_date,omitempty"`
	EndDate     *string `json:"end_date,omitempty"`
	AssignedTo  *string `json:"assigned_to,omitempty"`
	QA          *string `json:"qa,omitempty"`
	Reviewer    *string `json:"reviewer,omitempty"`
	DevOps      *string `json:"dev_ops,omitempty"`
}

type ModuleStatusRequest struct {
	Status string `json:"status" enum:"planning,in-development,testing,completed,delivered,maintenance"`
	Note   string `json:"note,omitempty"`
}

type SubmitDeliveryRequest struct {
	Files  []domain.AttachmentRef `json:"delivery_files,omitempty"`
	Commit string                 `json:"delivery_commit,omitempty"`
	Note   string                 `json:"delivery_note,omitempty"`
}

type ReviewDeliveryRequest struct {
	Decision string `json:"decision" enum:"accepted,rejected"`
	Note     string `json:"note,omitempty"`
}

type NoteRequest struct {
	Note string `json:"note,omitempty"`
}

type PartnerRejectRequest struct {
	RejectionReason string `json:"rejection_reason,omitempty"`
}

type CreateTaskRequest struct {
	ProjectID   string `json:"project_id,omitempty"`
	ModuleID    string `json:"module_id,omitempty"`
	ParentID    string `json:"parent_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty" enum:"todo,in-progress,review,done,cancelled"`
	AssigneeID  string `json:"assignee_id,omitempty"`
}

type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" enum:"todo,in-progress,review,done,cancelled"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
}

type CreateStoryRequest struct {
	ModuleID    string `json:"module_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty" enum:"todo,in-progress,completed"`
}

type UpdateStoryRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" enum:"todo,in-progress,completed"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	PartnerID string `json:"partner_id,omitempty"`
	Source    string `json:"source"`
}

type NotificationListResponse struct {
	Items []domain.Notification `json:"items"`
}

type MarkAllReadResponse struct {
	Updated int64 `json:"updated"`
}

func (r CreateModuleRequestRequest) input() engine.RequestInput {
	in := engine.RequestInput{
		Name:           r.Name,
		Description:    r.Description,
		PartnerID:      r.PartnerID,
		ProjectID:      r.ProjectID,
		Priority:       r.Priority,
		EstimatedHours: r.EstimatedHours,
		Attachments:    r.Attachments,
	}
	if r.RequestedTimeline != nil {
		in.Timeline = *r.RequestedTimeline
	}
	if r.Requirements != nil {
		in.Requirements = *r.Requirements
	}
	return in
}

func (r ApproveRequestRequest) input() engine.ApprovalInput {
	return engine.ApprovalInput{
		ReviewNote:              r.ReviewNote,
		EstimatedEffort:         r.EstimatedEffort,
		TechnicalFeasibility:    r.TechnicalFeasibility,
		RecommendedTechnologies: r.RecommendedTechnologies,
		Risks:                   r.Risks,
		Suggestions:             r.Suggestions,
		AssignedTo:              r.AssignedTo,
	}
}

func (r CreateModuleRequest) input() engine.ModuleInput {
	return engine.ModuleInput{
		Name:        r.Name,
		Description: r.Description,
		ProjectID:   r.ProjectID,
		Priority:    r.Priority,
		StartDate:   r.StartDate,
		EndDate:     r.EndDate,
		PartnerID:   r.PartnerID,
		AssignedTo:  r.AssignedTo,
		QA:          r.QA,
		Reviewer:    r.Reviewer,
		DevOps:      r.DevOps,
	}
}

func (r UpdateModuleRequest) input() engine.ModuleUpdate {
	return engine.ModuleUpdate{
		Name:        r.Name,
		Description: r.Description,
		Priority:    r.Priority,
		StartDate:   r.StartDate,
		EndDate:     r.EndDate,
		AssignedTo:  r.AssignedTo,
		QA:          r.QA,
		Reviewer:    r.Reviewer,
		DevOps:      r.DevOps,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
