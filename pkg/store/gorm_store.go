package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"cabohealth/pkg/domain"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 51620241

// GormStore implements UserStore and RecordStore using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(
		&UserModel{},
		&DoctorModel{},
		&PatientModel{},
		&AnalysisModel{},
		&ReportModel{},
		&NotificationModel{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := tx.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'reports'
				AND constraint_name = 'reports_analysis_id_fkey'
			) THEN
				ALTER TABLE reports
				ADD CONSTRAINT reports_analysis_id_fkey
				FOREIGN KEY (analysis_id) REFERENCES analyses(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'analyses'
				AND constraint_name = 'analyses_patient_id_fkey'
			) THEN
				ALTER TABLE analyses
				ADD CONSTRAINT analyses_patient_id_fkey
				FOREIGN KEY (patient_id) REFERENCES patients(id) ON DELETE CASCADE;
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("ensure record foreign keys: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "password_hash", "status", "updated_at"}),
	}).Create(&model).Error
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

func (s *GormStore) GetDoctor(ctx context.Context, id string) (domain.Doctor, bool, error) {
	var model DoctorModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Doctor{}, false, nil
		}
		return domain.Doctor{}, false, err
	}
	return doctorFromModel(model), true, nil
}

func (s *GormStore) GetPatient(ctx context.Context, id string) (domain.Patient, bool, error) {
	var model PatientModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Patient{}, false, nil
		}
		return domain.Patient{}, false, err
	}
	return patientFromModel(model), true, nil
}

// CreateDoctor inserts a doctor profile unless the id already has a profile
// of either kind.
func (s *GormStore) CreateDoctor(ctx context.Context, d domain.Doctor) error {
	model := doctorToModel(d)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureNoProfile(tx, d.ID); err != nil {
			return err
		}
		return tx.Create(&model).Error
	})
}

func (s *GormStore) CreatePatient(ctx context.Context, p domain.Patient) error {
	model, err := patientToModel(p)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureNoProfile(tx, p.ID); err != nil {
			return err
		}
		return tx.Create(&model).Error
	})
}

func ensureNoProfile(tx *gorm.DB, id string) error {
	// Serialises concurrent inserts for the same identity.
	if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", id).Error; err != nil {
		return fmt.Errorf("lock profile id: %w", err)
	}
	var doctors, patients int64
	if err := tx.Model(&DoctorModel{}).Where("id = ?", id).Count(&doctors).Error; err != nil {
		return err
	}
	if err := tx.Model(&PatientModel{}).Where("id = ?", id).Count(&patients).Error; err != nil {
		return err
	}
	if doctors+patients > 0 {
		return ErrProfileExists
	}
	return nil
}

func (s *GormStore) CreateAnalysis(ctx context.Context, a domain.Analysis) error {
	model := analysisToModel(a)
	return s.db.WithContext(ctx).Create(&model).Error
}

func (s *GormStore) GetAnalysis(ctx context.Context, id string) (domain.Analysis, bool, error) {
	var model AnalysisModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Analysis{}, false, nil
		}
		return domain.Analysis{}, false, err
	}
	return analysisFromModel(model), true, nil
}

// ListAnalyses returns analyses newest upload first.
func (s *GormStore) ListAnalyses(ctx context.Context, filter domain.AnalysisFilter) ([]domain.Analysis, error) {
	q := s.db.WithContext(ctx).Model(&AnalysisModel{})
	if filter.PatientID != "" {
		q = q.Where("patient_id = ?", filter.PatientID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	var models []AnalysisModel
	if err := q.Order("uploaded_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Analysis, 0, len(models))
	for _, m := range models {
		res = append(res, analysisFromModel(m))
	}
	return res, nil
}

func (s *GormStore) SetAnalysisStatus(ctx context.Context, id string, status domain.AnalysisStatus, errMsg string) error {
	db := s.db.WithContext(ctx)
	res := db.Model(&AnalysisModel{}).
		Where("id = ? AND status <> ?", id, string(domain.AnalysisApproved)).
		Updates(map[string]any{
			"status":           string(status),
			"processing_error": nullableString(errMsg),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := db.Model(&AnalysisModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrAnalysisApproved
	}
	return ErrAnalysisNotFound
}

func (s *GormStore) SetExtractedText(ctx context.Context, id, text string) error {
	res := s.db.WithContext(ctx).Model(&AnalysisModel{}).
		Where("id = ?", id).
		Update("extracted_text", text)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAnalysisNotFound
	}
	return nil
}

func (s *GormStore) GetReport(ctx context.Context, id string) (domain.Report, bool, error) {
	return s.findReport(ctx, "id = ?", id)
}

// GetReportByAnalysis has maybeSingle semantics: zero rows is not an error.
func (s *GormStore) GetReportByAnalysis(ctx context.Context, analysisID string) (domain.Report, bool, error) {
	return s.findReport(ctx, "analysis_id = ?", analysisID)
}

func (s *GormStore) findReport(ctx context.Context, cond string, arg string) (domain.Report, bool, error) {
	var model ReportModel
	if err := s.db.WithContext(ctx).Where(cond, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Report{}, false, nil
		}
		return domain.Report{}, false, err
	}
	return reportFromModel(model), true, nil
}

func (s *GormStore) SaveDraftReport(ctx context.Context, r domain.Report) (domain.Report, error) {
	var saved ReportModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var analysis AnalysisModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&analysis, "id = ?", r.AnalysisID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAnalysisNotFound
			}
			return err
		}
		now := time.Now().UTC()
		var existing ReportModel
		err := tx.Where("analysis_id = ?", r.AnalysisID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if r.ID == "" {
				r.ID = uuid.NewString()
			}
			r.ApprovedByDoctor = false
			r.CreatedAt, r.UpdatedAt = now, now
			saved = reportToModel(r)
			if err := tx.Create(&saved).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		case existing.ApprovedByDoctor:
			return ErrReportApproved
		default:
			if err := tx.Model(&existing).Updates(map[string]any{
				"ai_analysis": nullableString(r.AIAnalysis),
				"model_used":  nullableString(r.ModelUsed),
				"risk_level":  nullableString(string(r.RiskLevel)),
				"updated_at":  now,
			}).Error; err != nil {
				return err
			}
			saved = existing
		}
		return tx.Model(&analysis).Updates(map[string]any{
			"status":           string(domain.AnalysisPending),
			"processing_error": nil,
		}).Error
	})
	if err != nil {
		return domain.Report{}, err
	}
	out, ok, err := s.GetReport(ctx, saved.ID)
	if err != nil {
		return domain.Report{}, err
	}
	if !ok {
		return domain.Report{}, ErrReportNotFound
	}
	return out, nil
}

func (s *GormStore) ApproveAnalysis(ctx context.Context, in domain.Approval) (domain.ApprovalResult, error) {
	if err := validateApproval(in); err != nil {
		return domain.ApprovalResult{}, err
	}
	var result domain.ApprovalResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var report ReportModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&report, "id = ?", in.ReportID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrReportNotFound
			}
			return err
		}
		var analysis AnalysisModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&analysis, "id = ?", report.AnalysisID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAnalysisNotFound
			}
			return err
		}
		if report.ApprovedByDoctor {
			result = domain.ApprovalResult{
				Report:          reportFromModel(report),
				Analysis:        analysisFromModel(analysis),
				AlreadyApproved: true,
			}
			return nil
		}

		now := time.Now().UTC()
		if err := tx.Model(&report).Updates(map[string]any{
			"doctor_notes":       in.DoctorNotes,
			"recommendations":    in.Recommendations,
			"risk_level":         string(in.RiskLevel),
			"approved_by_doctor": true,
			"updated_at":         now,
		}).Error; err != nil {
			return fmt.Errorf("update report: %w", err)
		}
		if err := tx.Model(&analysis).Updates(map[string]any{
			"status":      string(domain.AnalysisApproved),
			"reviewed_at": now,
			"doctor_id":   in.DoctorID,
		}).Error; err != nil {
			return fmt.Errorf("update analysis: %w", err)
		}
		notification := notificationToModel(approvalNotification(analysis.PatientID, analysis.ID, now))
		if err := tx.Create(&notification).Error; err != nil {
			return fmt.Errorf("notify patient: %w", err)
		}

		if err := tx.First(&report, "id = ?", report.ID).Error; err != nil {
			return err
		}
		if err := tx.First(&analysis, "id = ?", analysis.ID).Error; err != nil {
			return err
		}
		result = domain.ApprovalResult{
			Report:   reportFromModel(report),
			Analysis: analysisFromModel(analysis),
		}
		return nil
	})
	if err != nil {
		return domain.ApprovalResult{}, err
	}
	return result, nil
}

func (s *GormStore) CreateNotification(ctx context.Context, n domain.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	model := notificationToModel(n)
	return s.db.WithContext(ctx).Create(&model).Error
}

func (s *GormStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("read = ?", false)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []NotificationModel
	if err := q.Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Notification, 0, len(models))
	for _, m := range models {
		res = append(res, notificationFromModel(m))
	}
	return res, nil
}

func (s *GormStore) MarkNotificationRead(ctx context.Context, userID, id string) error {
	res := s.db.WithContext(ctx).Model(&NotificationModel{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotificationAbsent
	}
	return nil
}

func validateApproval(in domain.Approval) error {
	switch {
	case strings.TrimSpace(in.ReportID) == "":
		return fmt.Errorf("%w: report id required", ErrInvalidApproval)
	case strings.TrimSpace(in.DoctorID) == "":
		return fmt.Errorf("%w: doctor id required", ErrInvalidApproval)
	case strings.TrimSpace(in.DoctorNotes) == "", strings.TrimSpace(in.Recommendations) == "":
		return fmt.Errorf("%w: notes and recommendations required", ErrInvalidApproval)
	case !in.RiskLevel.Valid():
		return fmt.Errorf("%w: risk level %q", ErrInvalidApproval, in.RiskLevel)
	}
	return nil
}

func approvalNotification(patientID, analysisID string, at time.Time) domain.Notification {
	return domain.Notification{
		ID:                uuid.NewString(),
		UserID:            patientID,
		UserType:          domain.RolePatient.String(),
		Message:           approvalNotice,
		Type:              domain.NotificationReportApproved,
		RelatedAnalysisID: analysisID,
		CreatedAt:         at,
	}
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Status:       string(u.Status),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	status := domain.UserStatus(m.Status)
	if status == "" {
		status = domain.StatusActive
	}
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Status:       status,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func doctorToModel(d domain.Doctor) DoctorModel {
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return DoctorModel{
		ID:            d.ID,
		Email:         d.Email,
		Name:          d.Name,
		Specialty:     nullableString(d.Specialty),
		LicenseNumber: nullableString(d.LicenseNumber),
		ClinicName:    nullableString(d.ClinicName),
		Phone:         nullableString(d.Phone),
		CreatedAt:     created,
	}
}

func doctorFromModel(m DoctorModel) domain.Doctor {
	return domain.Doctor{
		ID:            m.ID,
		Email:         m.Email,
		Name:          m.Name,
		Specialty:     derefString(m.Specialty),
		LicenseNumber: derefString(m.LicenseNumber),
		ClinicName:    derefString(m.ClinicName),
		Phone:         derefString(m.Phone),
		CreatedAt:     m.CreatedAt,
	}
}

func patientToModel(p domain.Patient) (PatientModel, error) {
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	model := PatientModel{
		ID:        p.ID,
		Email:     p.Email,
		Name:      p.Name,
		Gender:    nullableString(p.Gender),
		Phone:     nullableString(p.Phone),
		CreatedAt: created,
	}
	if strings.TrimSpace(p.BirthDate) != "" {
		birth, err := time.Parse(time.DateOnly, strings.TrimSpace(p.BirthDate))
		if err != nil {
			return PatientModel{}, fmt.Errorf("parse birth date: %w", err)
		}
		date := datatypes.Date(birth)
		model.BirthDate = &date
	}
	return model, nil
}

func patientFromModel(m PatientModel) domain.Patient {
	p := domain.Patient{
		ID:        m.ID,
		Email:     m.Email,
		Name:      m.Name,
		Gender:    derefString(m.Gender),
		Phone:     derefString(m.Phone),
		CreatedAt: m.CreatedAt,
	}
	if m.BirthDate != nil {
		p.BirthDate = time.Time(*m.BirthDate).Format(time.DateOnly)
	}
	return p
}

func analysisToModel(a domain.Analysis) AnalysisModel {
	return AnalysisModel{
		ID:              a.ID,
		PatientID:       a.PatientID,
		DoctorID:        nullableString(a.DoctorID),
		PDFURL:          nullableString(a.PDFURL),
		PDFFilename:     nullableString(a.PDFFilename),
		ExtractedText:   nullableString(a.ExtractedText),
		Status:          string(a.Status),
		ProcessingError: nullableString(a.ProcessingError),
		UploadedAt:      a.UploadedAt,
		ReviewedAt:      a.ReviewedAt,
		CreatedAt:       a.CreatedAt,
	}
}

func analysisFromModel(m AnalysisModel) domain.Analysis {
	return domain.Analysis{
		ID:              m.ID,
		PatientID:       m.PatientID,
		DoctorID:        derefString(m.DoctorID),
		PDFURL:          derefString(m.PDFURL),
		PDFFilename:     derefString(m.PDFFilename),
		ExtractedText:   derefString(m.ExtractedText),
		Status:          domain.AnalysisStatus(m.Status),
		ProcessingError: derefString(m.ProcessingError),
		UploadedAt:      m.UploadedAt,
		ReviewedAt:      m.ReviewedAt,
		CreatedAt:       m.CreatedAt,
	}
}

func reportToModel(r domain.Report) ReportModel {
	return ReportModel{
		ID:               r.ID,
		AnalysisID:       r.AnalysisID,
		AIAnalysis:       nullableString(r.AIAnalysis),
		DoctorNotes:      nullableString(r.DoctorNotes),
		Recommendations:  nullableString(r.Recommendations),
		RiskLevel:        nullableString(string(r.RiskLevel)),
		ApprovedByDoctor: r.ApprovedByDoctor,
		ModelUsed:        nullableString(r.ModelUsed),
		ReportPDFURL:     nullableString(r.ReportPDFURL),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func reportFromModel(m ReportModel) domain.Report {
	return domain.Report{
		ID:               m.ID,
		AnalysisID:       m.AnalysisID,
		AIAnalysis:       derefString(m.AIAnalysis),
		DoctorNotes:      derefString(m.DoctorNotes),
		Recommendations:  derefString(m.Recommendations),
		RiskLevel:        domain.RiskLevel(derefString(m.RiskLevel)),
		ApprovedByDoctor: m.ApprovedByDoctor,
		ModelUsed:        derefString(m.ModelUsed),
		ReportPDFURL:     derefString(m.ReportPDFURL),
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func notificationToModel(n domain.Notification) NotificationModel {
	return NotificationModel{
		ID:                n.ID,
		UserID:            n.UserID,
		UserType:          n.UserType,
		Message:           n.Message,
		Type:              n.Type,
		Read:              n.Read,
		RelatedAnalysisID: nullableString(n.RelatedAnalysisID),
		CreatedAt:         n.CreatedAt,
	}
}

func notificationFromModel(m NotificationModel) domain.Notification {
	return domain.Notification{
		ID:                m.ID,
		UserID:            m.UserID,
		UserType:          m.UserType,
		Message:           m.Message,
		Type:              m.Type,
		Read:              m.Read,
		RelatedAnalysisID: derefString(m.RelatedAnalysisID),
		CreatedAt:         m.CreatedAt,
	}
}

func nullableString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
