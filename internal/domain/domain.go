package domain

// Request statuses. RequestInProgress and RequestCompleted are declared for
// a later phase; no workflow operation moves a request into them.
const (
	RequestPending    = "pending"
	RequestApproved   = "approved"
	RequestRejected   = "rejected"
	RequestInProgress = "in-progress"
	RequestCompleted  = "completed"
)

// Module lifecycle statuses.
const (
	ModulePlanning      = "planning"
	ModuleInDevelopment = "in-development"
	ModuleTesting       = "testing"
	ModuleCompleted     = "completed"
	ModuleDelivered     = "delivered"
	ModuleMaintenance   = "maintenance"
	ModuleAccepted      = "accepted"
	ModuleRejected      = "rejected"
)

// Delivery statuses of the current delivery cycle.
const (
	DeliveryPending  = "pending"
	DeliveryAccepted = "accepted"
	DeliveryRejected = "rejected"
)

// Priorities shared by requests and modules.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Task statuses.
const (
	TaskTodo       = "todo"
	TaskInProgress = "in-progress"
	TaskReview     = "review"
	TaskDone       = "done"
	TaskCancelled  = "cancelled"
)

// User story statuses.
const (
	StoryTodo       = "todo"
	StoryInProgress = "in-progress"
	StoryCompleted  = "completed"
)

// Roles resolved by the identity directory.
const (
	RoleAdmin     = "admin"
	RolePM        = "pm"
	RoleDeveloper = "developer"
	RoleQA        = "qa"
	RoleDevOps    = "devops"
	RoleReviewer  = "reviewer"
	RolePartner   = "partner"
)

// Module sources.
const (
	SourceInternal = "internal"
	SourceRequest  = "partner-request"
)

// Entity kinds used by the audit log.
const (
	KindRequest = "module_request"
	KindModule  = "module"
	KindProject = "project"
	KindTask    = "task"
)

// Project statuses.
const (
	ProjectActive    = "active"
	ProjectOnHold    = "on-hold"
	ProjectCompleted = "completed"
	ProjectArchived  = "archived"
)

var (
	Priorities     = []string{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}
	Roles          = []string{RoleAdmin, RolePM, RoleDeveloper, RoleQA, RoleDevOps, RoleReviewer, RolePartner}
	TaskStatuses   = []string{TaskTodo, TaskInProgress, TaskReview, TaskDone, TaskCancelled}
	StoryStatuses  = []string{StoryTodo, StoryInProgress, StoryCompleted}
	ModuleStatuses = []string{ModulePlanning, ModuleInDevelopment, ModuleTesting, ModuleCompleted, ModuleDelivered, ModuleMaintenance, ModuleAccepted, ModuleRejected}
)

// Contains reports whether v is one of the allowed values.
func Contains(allowed []string, v string) bool {
	for _, a := range allowed {
		if a == v {
			return true
		}
	}
	return false
}

type Project struct {
	ID          string         `json:"id"`
	Code        string         `json:"code"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	ManagerID   string         `json:"manager_id,omitempty"`
	Status      string         `json:"status" enum:"active,on-hold,completed,archived"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	History     []HistoryEvent `json:"history,omitempty"`
}

type Partner struct {
	ID           string `json:"id"`
	Code         string `json:"code"`
	Name         string `json:"name"`
	ContactEmail string `json:"contact_email,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role" enum:"admin,pm,developer,qa,devops,reviewer,partner"`
	PartnerID string `json:"partner_id,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Internal reports whether the user belongs to the delivery organisation
// rather than to a partner.
func (u User) Internal() bool {
	return u.Role != RolePartner
}

type AttachmentRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	URL         string `json:"url,omitempty"`
}

// AttachmentRecord is the stored metadata of an uploaded file.
type AttachmentRecord struct {
	AttachmentRef
	UploadedBy        string `json:"uploaded_by"`
	UploaderPartnerID string `json:"uploader_partner_id,omitempty"`
	CreatedAt         string `json:"created_at"`
}

type Timeline struct {
	Start string `json:"start,omitempty" format:"date-time"`
	End   string `json:"end,omitempty" format:"date-time"`
}

type Requirements struct {
	Technical string `json:"technical,omitempty"`
	Business  string `json:"business,omitempty"`
}

type InternalResponse struct {
	EstimatedEffort         string   `json:"estimated_effort,omitempty"`
	TechnicalFeasibility    string   `json:"technical_feasibility,omitempty"`
	RecommendedTechnologies []string `json:"recommended_technologies,omitempty"`
	Risks                   []string `json:"risks,omitempty"`
	Suggestions             string   `json:"suggestions,omitempty"`
}

type ModuleRequest struct {
	ID                string            `json:"id"`
	Code              string            `json:"code"`
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	PartnerID         string            `json:"partner_id"`
	ProjectID         string            `json:"project_id"`
	Priority          string            `json:"priority" enum:"low,medium,high,critical"`
	EstimatedHours    float64           `json:"estimated_hours,omitempty"`
	RequestedTimeline Timeline          `json:"requested_timeline"`
	Requirements      Requirements      `json:"requirements"`
	Attachments       []AttachmentRef   `json:"attachments"`
	Status            string            `json:"status" enum:"pending,approved,rejected,in-progress,completed"`
	RequestedBy       string            `json:"requested_by"`
	ReviewedBy        string            `json:"reviewed_by,omitempty"`
	ReviewedAt        string            `json:"reviewed_at,omitempty" format:"date-time"`
	ReviewNote        string            `json:"review_note,omitempty"`
	InternalResponse  *InternalResponse `json:"internal_response,omitempty"`
	ApprovedModuleID  string            `json:"approved_module_id,omitempty"`
	CreatedAt         string            `json:"created_at" format:"date-time"`
	UpdatedAt         string            `json:"updated_at" format:"date-time"`
	History           []HistoryEvent    `json:"history"`
}

type Delivery struct {
	Source          string          `json:"source" enum:"internal,partner-request"`
	PartnerID       string          `json:"partner_id,omitempty"`
	Cycle           int             `json:"cycle"`
	Files           []AttachmentRef `json:"delivery_files"`
	Commit          string          `json:"delivery_commit,omitempty"`
	Note            string          `json:"delivery_note,omitempty"`
	DeliveryTime    string          `json:"delivery_time,omitempty" format:"date-time"`
	DeliveredBy     string          `json:"delivered_by,omitempty"`
	AcceptanceDate  string          `json:"acceptance_date,omitempty" format:"date-time"`
	AcceptedBy      string          `json:"accepted_by,omitempty"`
	RejectionDate   string          `json:"rejection_date,omitempty" format:"date-time"`
	RejectedBy      string          `json:"rejected_by,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
}

type Module struct {
	ID             string         `json:"id"`
	Code           string         `json:"code"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	ProjectID      string         `json:"project_id"`
	RequestID      string         `json:"request_id,omitempty"`
	Status         string         `json:"status" enum:"planning,in-development,testing,completed,delivered,maintenance,accepted,rejected"`
	Priority       string         `json:"priority" enum:"low,medium,high,critical"`
	StartDate      string         `json:"start_date,omitempty" format:"date-time"`
	EndDate        string         `json:"end_date,omitempty" format:"date-time"`
	Delivery       Delivery       `json:"delivery"`
	DeliveryStatus string         `json:"delivery_status,omitempty" enum:"pending,accepted,rejected"`
	ApprovedBy     string         `json:"approved_by,omitempty"`
	ApprovedAt     string         `json:"approved_at,omitempty" format:"date-time"`
	ApprovalNote   string         `json:"approval_note,omitempty"`
	AssignedTo     string         `json:"assigned_to,omitempty"`
	QA             string         `json:"qa,omitempty"`
	Reviewer       string         `json:"reviewer,omitempty"`
	DevOps         string         `json:"dev_ops,omitempty"`
	Progress       int            `json:"progress"`
	Version        int            `json:"version"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
	History        []HistoryEvent `json:"history"`
}

type Task struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	ModuleID    string         `json:"module_id,omitempty"`
	ParentID    string         `json:"parent_id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status" enum:"todo,in-progress,review,done,cancelled"`
	AssigneeID  string         `json:"assignee_id,omitempty"`
	Progress    int            `json:"progress"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
	History     []HistoryEvent `json:"history,omitempty"`
}

type UserStory struct {
	ID          string `json:"id"`
	ModuleID    string `json:"module_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status" enum:"todo,in-progress,completed"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// Change records one field mutation inside a history entry.
type Change struct {
	Field    string `json:"field"`
	OldValue any    `json:"old_value"`
	NewValue any    `json:"new_value"`
}

type HistoryEvent struct {
	Seq       int64    `json:"seq"`
	Actor     string   `json:"actor"`
	Action    string   `json:"action"`
	Timestamp string   `json:"timestamp" format:"date-time"`
	Note      string   `json:"note,omitempty"`
	Changes   []Change `json:"changes,omitempty"`
}

// EntityRefs links a notification to the entities that triggered it.
type EntityRefs struct {
	ModuleID  string `json:"module_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	PartnerID string `json:"partner_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type Notification struct {
	ID              string     `json:"id"`
	RecipientUserID string     `json:"recipient_user_id"`
	Title           string     `json:"title"`
	Message         string     `json:"message"`
	Type            string     `json:"type"`
	Refs            EntityRefs `json:"related_entity_refs"`
	IsRead          bool       `json:"is_read"`
	CreatedAt       string     `json:"created_at" format:"date-time"`
	ReadAt          string     `json:"read_at,omitempty" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
