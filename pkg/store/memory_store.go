package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"cabohealth/pkg/domain"
	"github.com/google/uuid"
)

// MemoryStore keeps users and records in-process. It backs tests and
// single-instance development runs.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]domain.User // key: user ID
	email         map[string]string      // email -> user ID
	doctors       map[string]domain.Doctor
	patients      map[string]domain.Patient
	analyses      map[string]domain.Analysis
	reports       map[string]domain.Report
	reportByAnlys map[string]string // analysis ID -> report ID
	notifications []domain.Notification
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]domain.User),
		email:         make(map[string]string),
		doctors:       make(map[string]domain.Doctor),
		patients:      make(map[string]domain.Patient),
		analyses:      make(map[string]domain.Analysis),
		reports:       make(map[string]domain.Report),
		reportByAnlys: make(map[string]string),
	}
}

func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.users[u.ID]; ok && prev.Email != u.Email {
		delete(m.email, strings.ToLower(prev.Email))
	}
	m.users[u.ID] = u
	m.email[strings.ToLower(u.Email)] = u.ID
	return nil
}

func (m *MemoryStore) HasUserEmail(email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[strings.ToLower(email)]
	return ok, nil
}

func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[strings.ToLower(email)]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetDoctor(_ context.Context, id string) (domain.Doctor, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.doctors[id]
	return d, ok, nil
}

func (m *MemoryStore) GetPatient(_ context.Context, id string) (domain.Patient, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	return p, ok, nil
}

func (m *MemoryStore) CreateDoctor(_ context.Context, d domain.Doctor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasProfileLocked(d.ID) {
		return ErrProfileExists
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	m.doctors[d.ID] = d
	return nil
}

func (m *MemoryStore) CreatePatient(_ context.Context, p domain.Patient) error {
	if _, err := patientToModel(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasProfileLocked(p.ID) {
		return ErrProfileExists
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.patients[p.ID] = p
	return nil
}

func (m *MemoryStore) hasProfileLocked(id string) bool {
	_, doctor := m.doctors[id]
	_, patient := m.patients[id]
	return doctor || patient
}

func (m *MemoryStore) CreateAnalysis(_ context.Context, a domain.Analysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyses[a.ID] = a
	return nil
}

func (m *MemoryStore) GetAnalysis(_ context.Context, id string) (domain.Analysis, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.analyses[id]
	return a, ok, nil
}

func (m *MemoryStore) ListAnalyses(_ context.Context, filter domain.AnalysisFilter) ([]domain.Analysis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Analysis, 0, len(m.analyses))
	for _, a := range m.analyses {
		if filter.PatientID != "" && a.PatientID != filter.PatientID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		res = append(res, a)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].UploadedAt.After(res[j].UploadedAt)
	})
	return res, nil
}

func (m *MemoryStore) SetAnalysisStatus(_ context.Context, id string, status domain.AnalysisStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[id]
	if !ok {
		return ErrAnalysisNotFound
	}
	if a.Status == domain.AnalysisApproved {
		return ErrAnalysisApproved
	}
	a.Status = status
	a.ProcessingError = strings.TrimSpace(errMsg)
	m.analyses[id] = a
	return nil
}

func (m *MemoryStore) SetExtractedText(_ context.Context, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[id]
	if !ok {
		return ErrAnalysisNotFound
	}
	a.ExtractedText = text
	m.analyses[id] = a
	return nil
}

func (m *MemoryStore) GetReport(_ context.Context, id string) (domain.Report, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	return r, ok, nil
}

func (m *MemoryStore) GetReportByAnalysis(_ context.Context, analysisID string) (domain.Report, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.reportByAnlys[analysisID]
	if !ok {
		return domain.Report{}, false, nil
	}
	r, ok := m.reports[id]
	return r, ok, nil
}

func (m *MemoryStore) SaveDraftReport(_ context.Context, r domain.Report) (domain.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	analysis, ok := m.analyses[r.AnalysisID]
	if !ok {
		return domain.Report{}, ErrAnalysisNotFound
	}
	now := time.Now().UTC()
	if id, exists := m.reportByAnlys[r.AnalysisID]; exists {
		existing := m.reports[id]
		if existing.ApprovedByDoctor {
			return domain.Report{}, ErrReportApproved
		}
		existing.AIAnalysis = r.AIAnalysis
		existing.ModelUsed = r.ModelUsed
		existing.RiskLevel = r.RiskLevel
		existing.UpdatedAt = now
		r = existing
	} else {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.ApprovedByDoctor = false
		r.CreatedAt, r.UpdatedAt = now, now
	}
	m.reports[r.ID] = r
	m.reportByAnlys[r.AnalysisID] = r.ID
	analysis.Status = domain.AnalysisPending
	analysis.ProcessingError = ""
	m.analyses[analysis.ID] = analysis
	return r, nil
}

func (m *MemoryStore) ApproveAnalysis(_ context.Context, in domain.Approval) (domain.ApprovalResult, error) {
	if err := validateApproval(in); err != nil {
		return domain.ApprovalResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	report, ok := m.reports[in.ReportID]
	if !ok {
		return domain.ApprovalResult{}, ErrReportNotFound
	}
	analysis, ok := m.analyses[report.AnalysisID]
	if !ok {
		return domain.ApprovalResult{}, ErrAnalysisNotFound
	}
	if report.ApprovedByDoctor {
		return domain.ApprovalResult{Report: report, Analysis: analysis, AlreadyApproved: true}, nil
	}
	now := time.Now().UTC()
	report.DoctorNotes = in.DoctorNotes
	report.Recommendations = in.Recommendations
	report.RiskLevel = in.RiskLevel
	report.ApprovedByDoctor = true
	report.UpdatedAt = now
	analysis.Status = domain.AnalysisApproved
	analysis.ReviewedAt = &now
	analysis.DoctorID = in.DoctorID
	m.reports[report.ID] = report
	m.analyses[analysis.ID] = analysis
	m.notifications = append(m.notifications, approvalNotification(analysis.PatientID, analysis.ID, now))
	return domain.ApprovalResult{Report: report, Analysis: analysis}, nil
}

func (m *MemoryStore) CreateNotification(_ context.Context, n domain.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.notifications = append(m.notifications, n)
	m.mu.Unlock()
	return nil
}

// ListNotifications returns the newest notifications first.
func (m *MemoryStore) ListNotifications(_ context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Notification, 0)
	for i := len(m.notifications) - 1; i >= 0; i-- {
		n := m.notifications[i]
		if n.UserID != userID || (unreadOnly && n.Read) {
			continue
		}
		res = append(res, n)
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res, nil
}

func (m *MemoryStore) MarkNotificationRead(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.notifications {
		if m.notifications[i].ID == id && m.notifications[i].UserID == userID {
			m.notifications[i].Read = true
			return nil
		}
	}
	return ErrNotificationAbsent
}
