package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role is derived from profile membership and never stored on a User.
type Role uint8

const (
	RoleNone Role = iota
	RoleDoctor
	RolePatient
)

func (r Role) String() string {
	switch r {
	case RoleDoctor:
		return "doctor"
	case RolePatient:
		return "patient"
	case RoleNone:
		return "none"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// ParseRole accepts "doctor", "patient" and "none" (or empty).
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "doctor":
		return RoleDoctor, nil
	case "patient":
		return RolePatient, nil
	case "", "none":
		return RoleNone, nil
	default:
		return RoleNone, fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

type UserStatus string

const (
	StatusActive   UserStatus = "active"
	StatusDisabled UserStatus = "disabled"
)

// User is an authenticated identity, independent of its domain role.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Status       UserStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type Doctor struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	Specialty     string    `json:"specialty,omitempty"`
	LicenseNumber string    `json:"license_number,omitempty"`
	ClinicName    string    `json:"clinic_name,omitempty"`
	Phone         string    `json:"phone,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type Patient struct {
	ID string `json:"id"`
	// BirthDate is a calendar date in YYYY-MM-DD form.
	BirthDate string    `json:"birth_date,omitempty"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Gender    string    `json:"gender,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type AnalysisStatus string

const (
	AnalysisPending    AnalysisStatus = "pending"
	AnalysisProcessing AnalysisStatus = "processing"
	AnalysisApproved   AnalysisStatus = "approved"
	AnalysisRejected   AnalysisStatus = "rejected"
)

func (s AnalysisStatus) Valid() bool {
	switch s {
	case AnalysisPending, AnalysisProcessing, AnalysisApproved, AnalysisRejected:
		return true
	}
	return false
}

type Analysis struct {
	ID              string         `json:"id"`
	PatientID       string         `json:"patient_id"`
	DoctorID        string         `json:"doctor_id,omitempty"`
	PDFURL          string         `json:"pdf_url,omitempty"`
	PDFFilename     string         `json:"pdf_filename,omitempty"`
	ExtractedText   string         `json:"extracted_text,omitempty"`
	Status          AnalysisStatus `json:"status"`
	ProcessingError string         `json:"processing_error,omitempty"`
	UploadedAt      time.Time      `json:"uploaded_at"`
	ReviewedAt      *time.Time     `json:"reviewed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// AnalysisFilter narrows analysis listings. An empty Status means all.
type AnalysisFilter struct {
	PatientID string
	Status    AnalysisStatus
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

type Report struct {
	ID               string    `json:"id"`
	AnalysisID       string    `json:"analysis_id"`
	AIAnalysis       string    `json:"ai_analysis,omitempty"`
	DoctorNotes      string    `json:"doctor_notes,omitempty"`
	Recommendations  string    `json:"recommendations,omitempty"`
	RiskLevel        RiskLevel `json:"risk_level,omitempty"`
	ApprovedByDoctor bool      `json:"approved_by_doctor"`
	ModelUsed        string    `json:"model_used,omitempty"`
	ReportPDFURL     string    `json:"report_pdf_url,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Approval is the input of the atomic approve operation.
type Approval struct {
	ReportID        string
	DoctorID        string
	DoctorNotes     string
	Recommendations string
	RiskLevel       RiskLevel
}

type ApprovalResult struct {
	Report          Report   `json:"report"`
	Analysis        Analysis `json:"analysis"`
	AlreadyApproved bool     `json:"alreadyApproved"`
}

const (
	NotificationReportApproved  = "report_approved"
	NotificationAnalysisDrafted = "analysis_ready"
	NotificationAnalysisFailed  = "analysis_failed"
)

type Notification struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	UserType          string    `json:"user_type"`
	Message           string    `json:"message"`
	Type              string    `json:"type"`
	Read              bool      `json:"read"`
	RelatedAnalysisID string    `json:"related_analysis_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// ProcessPDFRequest is the payload of the process-pdf function.
type ProcessPDFRequest struct {
	PDFData       string `json:"pdfData"`
	FileName      string `json:"fileName"`
	PatientID     string `json:"patientId"`
	PatientName   string `json:"patientName"`
	PatientAge    int    `json:"patientAge"`
	PatientGender string `json:"patientGender"`
}

type ProcessPDFResult struct {
	AnalysisID string         `json:"analysisId"`
	JobID      string         `json:"jobId,omitempty"`
	Status     AnalysisStatus `json:"status"`
}

// GenerateReportRequest is the payload of the generate-report function.
type GenerateReportRequest struct {
	ReportID        string    `json:"reportId"`
	DoctorNotes     string    `json:"doctorNotes"`
	Recommendations string    `json:"recommendations"`
	RiskLevel       RiskLevel `json:"riskLevel"`
}
