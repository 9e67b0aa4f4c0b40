package store

import (
	"context"
	"errors"

	"cabohealth/pkg/domain"
)

var (
	ErrProfileExists      = errors.New("profile already exists for identity")
	ErrAnalysisNotFound   = errors.New("analysis not found")
	ErrReportNotFound     = errors.New("report not found")
	ErrReportApproved     = errors.New("report already approved")
	ErrAnalysisApproved   = errors.New("analysis already approved")
	ErrInvalidApproval    = errors.New("invalid approval")
	ErrNotificationAbsent = errors.New("notification not found")
)

// UserStore persists identities for the auth service.
type UserStore interface {
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
}

// ProfileStore persists the two disjoint profile collections.
// Create returns ErrProfileExists when the id already holds either profile.
type ProfileStore interface {
	GetDoctor(ctx context.Context, id string) (domain.Doctor, bool, error)
	GetPatient(ctx context.Context, id string) (domain.Patient, bool, error)
	CreateDoctor(ctx context.Context, d domain.Doctor) error
	CreatePatient(ctx context.Context, p domain.Patient) error
}

// AnalysisStore persists analyses and their 1:1 reports.
type AnalysisStore interface {
	CreateAnalysis(ctx context.Context, a domain.Analysis) error
	GetAnalysis(ctx context.Context, id string) (domain.Analysis, bool, error)
	ListAnalyses(ctx context.Context, filter domain.AnalysisFilter) ([]domain.Analysis, error)
	// SetAnalysisStatus never moves an approved analysis; it returns
	// ErrAnalysisApproved instead.
	SetAnalysisStatus(ctx context.Context, id string, status domain.AnalysisStatus, errMsg string) error
	SetExtractedText(ctx context.Context, id, text string) error

	GetReport(ctx context.Context, id string) (domain.Report, bool, error)
	GetReportByAnalysis(ctx context.Context, analysisID string) (domain.Report, bool, error)
	// SaveDraftReport upserts the AI draft for an analysis and moves the
	// analysis back to pending review in one transaction. Approved reports
	// are never overwritten (ErrReportApproved).
	SaveDraftReport(ctx context.Context, r domain.Report) (domain.Report, error)
	// ApproveAnalysis marks the report approved, the analysis approved and
	// notifies the patient atomically. Repeating it for an approved report
	// returns the stored state with AlreadyApproved set.
	ApproveAnalysis(ctx context.Context, in domain.Approval) (domain.ApprovalResult, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n domain.Notification) error
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, id string) error
}

// RecordStore is everything the records and interpreter services persist.
type RecordStore interface {
	ProfileStore
	AnalysisStore
	NotificationStore
}

// approvalNotice is the patient-facing message written on approval.
const approvalNotice = "Tu médico ha revisado y aprobado tu análisis."
