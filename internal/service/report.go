package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mlsds/delivery-service/internal/apperr"
	"github.com/mlsds/delivery-service/internal/domain/model"
	"github.com/mlsds/delivery-service/internal/store/postgres"
)

// ReportInbox implements reportMember/getReports/resolveReport (§6): the
// server never sees plaintext, so a report carries an opaque
// caller-encrypted blob and is routed to a moderator, not inspected.
type ReportInbox struct {
	repo *postgres.ReportRepo
}

func NewReportInbox(repo *postgres.ReportRepo) *ReportInbox {
	return &ReportInbox{repo: repo}
}

func (i *ReportInbox) ReportMember(ctx context.Context, caller model.AuthenticatedCaller, convID uuid.UUID, target string, encryptedContent []byte) (*model.Report, error) {
	if len(encryptedContent) == 0 {
		return nil, apperr.New(apperr.InvalidInput, "encrypted_content is required")
	}
	rep := &model.Report{
		ID:                 uuid.New(),
		ConversationID:     convID,
		ReporterPrincipal:  caller.Principal,
		ReportedPrincipal:  target,
		EncryptedContent:   encryptedContent,
		Status:             model.ReportPending,
		CreatedAt:          time.Now().UTC(),
	}
	if err := i.repo.Create(ctx, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

// GetReports returns the pending moderation queue. Access control on who
// may call this (moderator role) is enforced upstream of the DS by the
// identity layer — the DS itself has no role model.
func (i *ReportInbox) GetReports(ctx context.Context, limit int) ([]*model.Report, error) {
	return i.repo.ListPending(ctx, limit)
}

func (i *ReportInbox) ResolveReport(ctx context.Context, caller model.AuthenticatedCaller, reportID uuid.UUID, dismiss bool, notes string) error {
	status := model.ReportResolved
	if dismiss {
		status = model.ReportDismissed
	}
	return i.repo.Resolve(ctx, reportID, caller.Principal, status, notes)
}
