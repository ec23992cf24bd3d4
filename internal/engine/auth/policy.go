package auth

import "github.com/Kecupro/SoftwareManage-sub001/internal/domain"

// Action names a guarded operation.
type Action string

const (
	ActionPartnerCreate       Action = "partner.create"
	ActionUserManage          Action = "user.manage"
	ActionProjectCreate       Action = "project.create"
	ActionRequestCreate       Action = "request.create"
	ActionRequestUpdate       Action = "request.update"
	ActionRequestApprove      Action = "request.approve"
	ActionRequestReject       Action = "request.reject"
	ActionModuleCreate        Action = "module.create"
	ActionModuleUpdate        Action = "module.update"
	ActionModuleStatus        Action = "module.status"
	ActionDeliverySubmit      Action = "delivery.submit"
	ActionDeliveryReview      Action = "delivery.review"
	ActionModuleReject        Action = "module.reject"
	ActionDeliveryAccept      Action = "delivery.accept"
	ActionDeliveryPartnerDeny Action = "delivery.partner_reject"
	ActionWorkItemWrite       Action = "work_item.write"
)

// Target is the entity an action applies to. Only the fields relevant to the
// action need to be set.
type Target struct {
	PartnerID string
	Project   *domain.Project
	Request   *domain.ModuleRequest
	Module    *domain.Module
}

// CanPerform is the single authorization decision for every workflow
// transition and supporting write.
func CanPerform(actor domain.User, action Action, target Target) bool {
	switch action {
	case ActionPartnerCreate, ActionUserManage:
		return actor.Role == domain.RoleAdmin
	case ActionProjectCreate:
		return isManager(actor)
	case ActionRequestCreate:
		if isManager(actor) {
			return true
		}
		return isPartnerOf(actor, target.PartnerID)
	case ActionRequestUpdate:
		if target.Request == nil {
			return false
		}
		return isManager(actor) || actor.ID == target.Request.RequestedBy
	case ActionRequestApprove, ActionRequestReject:
		return isManager(actor)
	case ActionModuleCreate, ActionModuleUpdate:
		return managesProject(actor, target.Project)
	case ActionModuleStatus, ActionDeliverySubmit:
		if target.Module == nil {
			return false
		}
		return matches(actor.ID, target.Module.AssignedTo, target.Module.DevOps)
	case ActionDeliveryReview:
		if target.Module == nil {
			return false
		}
		return matches(actor.ID, target.Module.Reviewer, target.Module.QA)
	case ActionModuleReject:
		if actor.Role == domain.RoleAdmin {
			return true
		}
		return actor.Role == domain.RolePM && target.Project != nil && matches(actor.ID, target.Project.ManagerID)
	case ActionDeliveryAccept, ActionDeliveryPartnerDeny:
		if target.Module == nil {
			return false
		}
		return isPartnerOf(actor, target.Module.Delivery.PartnerID)
	case ActionWorkItemWrite:
		return actor.Internal()
	}
	return false
}

// CanAccess reports whether actor may read target. Internal users see
// everything; partner users only see requests and modules of their partner.
func CanAccess(actor domain.User, target Target) bool {
	if actor.Internal() {
		return true
	}
	switch {
	case target.Request != nil:
		return isPartnerOf(actor, target.Request.PartnerID)
	case target.Module != nil:
		return isPartnerOf(actor, target.Module.Delivery.PartnerID)
	case target.PartnerID != "":
		return isPartnerOf(actor, target.PartnerID)
	}
	return false
}

func isManager(u domain.User) bool {
	return u.Role == domain.RoleAdmin || u.Role == domain.RolePM
}

// managesProject allows any admin, and a pm when the project has no manager
// or the pm is its manager.
func managesProject(u domain.User, p *domain.Project) bool {
	if u.Role == domain.RoleAdmin {
		return true
	}
	if u.Role != domain.RolePM || p == nil {
		return false
	}
	return p.ManagerID == "" || p.ManagerID == u.ID
}

func isPartnerOf(u domain.User, partnerID string) bool {
	return u.Role == domain.RolePartner && u.PartnerID != "" && u.PartnerID == partnerID
}

func matches(id string, candidates ...string) bool {
	if id == "" {
		return false
	}
	for _, c := range candidates {
		if c == id {
			return true
		}
	}
	return false
}
