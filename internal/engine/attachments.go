package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
	"github.com/Kecupro/SoftwareManage-sub001/internal/engine/auth"
	"github.com/Kecupro/SoftwareManage-sub001/internal/repo"
)

// RecordAttachment registers a stored file under its uploader. An empty
// actorID is the local operator.
func (e Engine) RecordAttachment(ctx context.Context, ref domain.AttachmentRef, actorID string) error {
	rec := domain.AttachmentRecord{AttachmentRef: ref, UploadedBy: OperatorActor, CreatedAt: e.ts()}
	if actorID != "" {
		actor, err := e.actor(ctx, actorID)
		if err != nil {
			return err
		}
		rec.UploadedBy = actor.ID
		rec.UploaderPartnerID = actor.PartnerID
	}
	return e.Repo.InsertAttachment(ctx, rec)
}

// AuthorizeDownload returns repo.ErrNotFound unless the actor may read
// attachment id. Partner users read their own partner's uploads and the
// delivery files of modules delivered to their partner.
func (e Engine) AuthorizeDownload(ctx context.Context, id, actorID string) error {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return err
	}
	if actor.Internal() {
		return nil
	}
	if _, err := uuid.Parse(id); err != nil {
		return repo.ErrNotFound
	}
	rec, err := e.Repo.GetAttachment(ctx, id)
	switch {
	case err == nil:
		if auth.CanAccess(actor, auth.Target{PartnerID: rec.UploaderPartnerID}) {
			return nil
		}
	case !errors.Is(err, repo.ErrNotFound):
		return err
	}
	delivered, err := e.Repo.DeliveredToPartner(ctx, id, actor.PartnerID)
	if err != nil {
		return err
	}
	if !delivered {
		return repo.ErrNotFound
	}
	return nil
}
