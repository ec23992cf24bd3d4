package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
)

var (
	admin    = domain.User{ID: "admin", Role: domain.RoleAdmin}
	pm       = domain.User{ID: "pm", Role: domain.RolePM}
	otherPM  = domain.User{ID: "pm-2", Role: domain.RolePM}
	dev      = domain.User{ID: "dev", Role: domain.RoleDeveloper}
	ops      = domain.User{ID: "ops", Role: domain.RoleDevOps}
	qa       = domain.User{ID: "qa", Role: domain.RoleQA}
	acme     = domain.User{ID: "partner-1", Role: domain.RolePartner, PartnerID: "acme"}
	globex   = domain.User{ID: "partner-2", Role: domain.RolePartner, PartnerID: "globex"}
	orphaned = domain.User{ID: "partner-x", Role: domain.RolePartner}
)

func TestCanPerform(t *testing.T) {
	project := &domain.Project{ID: "p1", ManagerID: "pm"}
	unmanaged := &domain.Project{ID: "p2"}
	request := &domain.ModuleRequest{ID: "r1", PartnerID: "acme", RequestedBy: "partner-1"}
	module := &domain.Module{
		ID:         "m1",
		AssignedTo: "dev",
		DevOps:     "ops",
		QA:         "qa",
		Delivery:   domain.Delivery{Source: domain.SourceRequest, PartnerID: "acme"},
	}

	cases := []struct {
		name   string
		actor  domain.User
		action Action
		target Target
		want   bool
	}{
		{"admin creates partner", admin, ActionPartnerCreate, Target{}, true},
		{"pm cannot create partner", pm, ActionPartnerCreate, Target{}, false},
		{"pm creates project", pm, ActionProjectCreate, Target{}, true},
		{"dev cannot create project", dev, ActionProjectCreate, Target{}, false},
		{"partner files for own partner", acme, ActionRequestCreate, Target{PartnerID: "acme"}, true},
		{"partner cannot file for another partner", acme, ActionRequestCreate, Target{PartnerID: "globex"}, false},
		{"partner without partner id", orphaned, ActionRequestCreate, Target{PartnerID: ""}, false},
		{"pm files for any partner", pm, ActionRequestCreate, Target{PartnerID: "globex"}, true},
		{"requester edits request", acme, ActionRequestUpdate, Target{Request: request}, true},
		{"other partner cannot edit request", globex, ActionRequestUpdate, Target{Request: request}, false},
		{"update without request", pm, ActionRequestUpdate, Target{}, false},
		{"pm approves", pm, ActionRequestApprove, Target{Request: request}, true},
		{"partner cannot approve", acme, ActionRequestApprove, Target{Request: request}, false},
		{"dev cannot reject request", dev, ActionRequestReject, Target{Request: request}, false},
		{"manager creates module", pm, ActionModuleCreate, Target{Project: project}, true},
		{"other pm cannot create module in managed project", otherPM, ActionModuleCreate, Target{Project: project}, false},
		{"any pm creates module in unmanaged project", otherPM, ActionModuleCreate, Target{Project: unmanaged}, true},
		{"admin updates module", admin, ActionModuleUpdate, Target{Project: project}, true},
		{"assignee moves status", dev, ActionModuleStatus, Target{Module: module}, true},
		{"devops submits delivery", ops, ActionDeliverySubmit, Target{Module: module}, true},
		{"pm is not an assignee", pm, ActionDeliverySubmit, Target{Module: module}, false},
		{"qa reviews", qa, ActionDeliveryReview, Target{Module: module}, true},
		{"dev cannot review", dev, ActionDeliveryReview, Target{Module: module}, false},
		{"manager rejects module", pm, ActionModuleReject, Target{Project: project, Module: module}, true},
		{"qa cannot reject module", qa, ActionModuleReject, Target{Project: project, Module: module}, false},
		{"other pm cannot reject module", otherPM, ActionModuleReject, Target{Project: project, Module: module}, false},
		{"pm cannot reject module of unmanaged project", otherPM, ActionModuleReject, Target{Project: unmanaged, Module: module}, false},
		{"admin rejects module of unmanaged project", admin, ActionModuleReject, Target{Project: unmanaged, Module: module}, true},
		{"owning partner accepts", acme, ActionDeliveryAccept, Target{Module: module}, true},
		{"foreign partner cannot accept", globex, ActionDeliveryAccept, Target{Module: module}, false},
		{"pm cannot accept for partner", pm, ActionDeliveryAccept, Target{Module: module}, false},
		{"owning partner rejects delivery", acme, ActionDeliveryPartnerDeny, Target{Module: module}, true},
		{"internal user writes work items", dev, ActionWorkItemWrite, Target{}, true},
		{"partner cannot write work items", acme, ActionWorkItemWrite, Target{}, false},
		{"unknown action", admin, Action("module.teleport"), Target{}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, CanPerform(c.actor, c.action, c.target))
		})
	}
}

func TestCanAccess(t *testing.T) {
	request := &domain.ModuleRequest{PartnerID: "acme"}
	partnerModule := &domain.Module{Delivery: domain.Delivery{Source: domain.SourceRequest, PartnerID: "acme"}}
	internalModule := &domain.Module{Delivery: domain.Delivery{Source: domain.SourceInternal}}

	assert.True(t, CanAccess(dev, Target{Module: internalModule}))
	assert.True(t, CanAccess(pm, Target{Request: request}))
	assert.True(t, CanAccess(acme, Target{Request: request}))
	assert.False(t, CanAccess(globex, Target{Request: request}))
	assert.True(t, CanAccess(acme, Target{Module: partnerModule}))
	assert.False(t, CanAccess(globex, Target{Module: partnerModule}))
	assert.False(t, CanAccess(acme, Target{Module: internalModule}))
	assert.True(t, CanAccess(acme, Target{PartnerID: "acme"}))
	assert.False(t, CanAccess(acme, Target{}))
}
