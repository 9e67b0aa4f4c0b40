package workflow

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"cabohealth/pkg/domain"
)

var ErrEmptyFile = errors.New("file is empty")

const (
	defaultPatientName   = "Paciente"
	defaultPatientGender = "unknown"
)

type UploadRecords interface {
	GetPatient(ctx context.Context, id string) (domain.Patient, bool, error)
	ProcessPDF(ctx context.Context, req domain.ProcessPDFRequest) (domain.ProcessPDFResult, error)
}

// File is a PDF picked by the patient.
type File struct {
	Name string
	Data []byte
}

// Uploader sends a patient's lab PDF to process-pdf.
type Uploader struct {
	records UploadRecords
	logger  *slog.Logger
	now     func() time.Time
	loc     *time.Location
}

type UploadOption func(*Uploader)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) UploadOption {
	return func(u *Uploader) { u.now = now }
}

// WithLocation sets where "today" is evaluated for age calculation.
func WithLocation(loc *time.Location) UploadOption {
	return func(u *Uploader) { u.loc = loc }
}

func NewUploader(records UploadRecords, logger *slog.Logger, opts ...UploadOption) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	u := &Uploader{records: records, logger: logger, now: time.Now, loc: time.Local}
	for _, opt := range opts {
		opt(u)
	}
	if u.loc == nil {
		u.loc = time.Local
	}
	return u
}

// Upload encodes f and invokes process-pdf for patientID. The caller may
// retry with the same file after an error.
func (u *Uploader) Upload(ctx context.Context, f File, patientID string) (domain.ProcessPDFResult, error) {
	if len(f.Data) == 0 {
		return domain.ProcessPDFResult{}, ErrEmptyFile
	}
	req := domain.ProcessPDFRequest{
		PDFData:       "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(f.Data),
		FileName:      filepath.Base(strings.TrimSpace(f.Name)),
		PatientID:     patientID,
		PatientName:   defaultPatientName,
		PatientGender: defaultPatientGender,
	}
	patient, ok, err := u.records.GetPatient(ctx, patientID)
	switch {
	case err != nil:
		u.logger.Warn("patient lookup failed, uploading with defaults", "patient_id", patientID, "err", err)
	case ok:
		if name := strings.TrimSpace(patient.Name); name != "" {
			req.PatientName = name
		}
		if gender := strings.TrimSpace(patient.Gender); gender != "" {
			req.PatientGender = gender
		}
		req.PatientAge = AgeOn(patient.BirthDate, u.now(), u.loc)
	}
	return u.records.ProcessPDF(ctx, req)
}

// AgeOn subtracts calendar years only: the birth date is read as a UTC date,
// both instants are viewed in loc and the month and day are ignored. An
// unparseable date gives 0.
func AgeOn(birthDate string, now time.Time, loc *time.Location) int {
	birth, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(birthDate), time.UTC)
	if err != nil {
		return 0
	}
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Year() - birth.In(loc).Year()
}
