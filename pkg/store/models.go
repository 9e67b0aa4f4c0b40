package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Table names match the public API
// collection names.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	Status       string
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

func (UserModel) TableName() string { return "users" }

type DoctorModel struct {
	ID            string `gorm:"primaryKey"`
	Email         string `gorm:"not null;index"`
	Name          string `gorm:"not null"`
	Specialty     *string
	LicenseNumber *string
	ClinicName    *string
	Phone         *string
	CreatedAt     time.Time `gorm:"not null"`
}

func (DoctorModel) TableName() string { return "doctors" }

type PatientModel struct {
	ID        string `gorm:"primaryKey"`
	Email     string `gorm:"not null;index"`
	Name      string `gorm:"not null"`
	BirthDate *datatypes.Date
	Gender    *string
	Phone     *string
	CreatedAt time.Time `gorm:"not null"`
}

func (PatientModel) TableName() string { return "patients" }

type AnalysisModel struct {
	ID              string  `gorm:"primaryKey"`
	PatientID       string  `gorm:"not null;index"`
	DoctorID        *string `gorm:"index"`
	PDFURL          *string `gorm:"column:pdf_url"`
	PDFFilename     *string `gorm:"column:pdf_filename"`
	ExtractedText   *string `gorm:"type:text"`
	Status          string  `gorm:"not null;index"`
	ProcessingError *string
	UploadedAt      time.Time `gorm:"not null;index"`
	ReviewedAt      *time.Time
	CreatedAt       time.Time `gorm:"not null"`
}

func (AnalysisModel) TableName() string { return "analyses" }

type ReportModel struct {
	ID               string  `gorm:"primaryKey"`
	AnalysisID       string  `gorm:"not null;uniqueIndex"`
	AIAnalysis       *string `gorm:"column:ai_analysis;type:text"`
	DoctorNotes      *string `gorm:"type:text"`
	Recommendations  *string `gorm:"type:text"`
	RiskLevel        *string
	ApprovedByDoctor bool `gorm:"not null;default:false"`
	ModelUsed        *string
	ReportPDFURL     *string   `gorm:"column:report_pdf_url"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (ReportModel) TableName() string { return "reports" }

type NotificationModel struct {
	ID                string `gorm:"primaryKey"`
	UserID            string `gorm:"not null;index"`
	UserType          string `gorm:"not null"`
	Message           string `gorm:"not null"`
	Type              string `gorm:"not null"`
	Read              bool   `gorm:"not null;default:false"`
	RelatedAnalysisID *string
	CreatedAt         time.Time `gorm:"not null;index"`
}

func (NotificationModel) TableName() string { return "notifications" }
