package workflow

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cabohealth/pkg/domain"
	"cabohealth/services/portal/internal/recordsclient"
)

type fakeRecords struct {
	mu        sync.Mutex
	analyses  map[string]domain.Analysis
	reports   map[string]domain.Report // by analysis id
	patients  map[string]domain.Patient
	lookupErr error
	// gate blocks GetAnalysis for the given id until closed.
	gate map[string]chan struct{}

	generateErr error
	// generateGate blocks GenerateReport until closed.
	generateGate chan struct{}
	generated    []domain.GenerateReportRequest
	processed    []domain.ProcessPDFRequest
	listFilters  []domain.AnalysisFilter
	listOrder    []string
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		analyses: map[string]domain.Analysis{},
		reports:  map[string]domain.Report{},
		patients: map[string]domain.Patient{},
		gate:     map[string]chan struct{}{},
	}
}

func (f *fakeRecords) GetAnalysis(ctx context.Context, id string) (domain.Analysis, bool, error) {
	f.mu.Lock()
	gate := f.gate[id]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.Analysis{}, false, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return domain.Analysis{}, false, f.lookupErr
	}
	a, ok := f.analyses[id]
	return a, ok, nil
}

func (f *fakeRecords) GetReport(_ context.Context, analysisID string) (domain.Report, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reports[analysisID]
	return r, ok, nil
}

func (f *fakeRecords) GetPatient(_ context.Context, id string) (domain.Patient, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return domain.Patient{}, false, f.lookupErr
	}
	p, ok := f.patients[id]
	return p, ok, nil
}

func (f *fakeRecords) ListAnalyses(_ context.Context, filter domain.AnalysisFilter) ([]domain.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listFilters = append(f.listFilters, filter)
	var out []domain.Analysis
	for _, id := range f.listOrder {
		a := f.analyses[id]
		if filter.PatientID != "" && a.PatientID != filter.PatientID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeRecords) GenerateReport(_ context.Context, req domain.GenerateReportRequest) (domain.ApprovalResult, error) {
	f.mu.Lock()
	gate := f.generateGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generated = append(f.generated, req)
	if f.generateErr != nil {
		return domain.ApprovalResult{}, f.generateErr
	}
	return domain.ApprovalResult{Report: domain.Report{ID: req.ReportID, ApprovedByDoctor: true}}, nil
}

func (f *fakeRecords) ProcessPDF(_ context.Context, req domain.ProcessPDFRequest) (domain.ProcessPDFResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, req)
	return domain.ProcessPDFResult{AnalysisID: "an-new", Status: domain.AnalysisPending}, nil
}

func (f *fakeRecords) Functional(_ context.Context, analysisID string) (recordsclient.Functional, error) {
	if _, ok := f.analyses[analysisID]; !ok {
		return recordsclient.Functional{}, &recordsclient.APIError{Status: 404, Message: "not found"}
	}
	return recordsclient.Functional{AnalysisID: analysisID}, nil
}

// seed adds a pending analysis an-1 of pat-1 with a draft report.
func seed(f *fakeRecords) {
	f.patients["pat-1"] = domain.Patient{ID: "pat-1", Name: "Ana", Email: "ana@example.com", BirthDate: "2000-06-15", Gender: "female"}
	f.analyses["an-1"] = domain.Analysis{ID: "an-1", PatientID: "pat-1", Status: domain.AnalysisPending}
	f.reports["an-1"] = domain.Report{ID: "rep-1", AnalysisID: "an-1", AIAnalysis: "borrador"}
	f.listOrder = append(f.listOrder, "an-1")
}

func TestReviewLoadSeedsDefaults(t *testing.T) {
	records := newFakeRecords()
	seed(records)
	r := NewReview(records, nil)
	if err := r.Load(context.Background(), "an-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	v := r.View()
	if v.State != ReviewLoaded || v.Report.ID != "rep-1" || v.Patient.Name != "Ana" || !v.HasPatient {
		t.Fatalf("unexpected view: %+v", v)
	}
	if v.RiskLevel != domain.RiskMedium {
		t.Fatalf("risk should default to medium, got %q", v.RiskLevel)
	}
	if r.CanApprove() {
		t.Fatalf("blank review must not be approvable")
	}
}

func TestReviewNotFoundCases(t *testing.T) {
	records := newFakeRecords()
	seed(records)
	records.analyses["an-2"] = domain.Analysis{ID: "an-2", PatientID: "pat-1"}

	r := NewReview(records, nil)
	for _, id := range []string{"missing", "an-2", ""} {
		if err := r.Load(context.Background(), id); err != nil {
			t.Fatalf("load %q: %v", id, err)
		}
		if got := r.View().State; got != ReviewNotFound {
			t.Fatalf("load %q: expected not found, got %s", id, got)
		}
	}

	records.lookupErr = errors.New("records down")
	if err := r.Load(context.Background(), "an-1"); err == nil {
		t.Fatalf("expected lookup error")
	}
	if v := r.View(); v.State != ReviewNotFound || v.Err == nil {
		t.Fatalf("lookup error should leave not found with error: %+v", v)
	}
}

func TestReviewEditsAndApprove(t *testing.T) {
	records := newFakeRecords()
	seed(records)
	r := NewReview(records, nil)
	ctx := context.Background()
	if err := r.Approve(ctx); !errors.Is(err, ErrNotEditable) {
		t.Fatalf("approve before load: expected ErrNotEditable, got %v", err)
	}
	if err := r.Load(ctx, "an-1"); err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := r.SetNotes("Glucosa en rango aceptable"); err != nil {
		t.Fatalf("set notes: %v", err)
	}
	if r.View().State != ReviewReviewing {
		t.Fatalf("edit should move to reviewing")
	}
	if err := r.Approve(ctx); !errors.Is(err, ErrReviewIncomplete) {
		t.Fatalf("expected ErrReviewIncomplete, got %v", err)
	}
	if len(records.generated) != 0 {
		t.Fatalf("incomplete review must not call the server")
	}
	if err := r.SetRiskLevel("critical"); !errors.Is(err, ErrInvalidRiskLevel) {
		t.Fatalf("expected ErrInvalidRiskLevel, got %v", err)
	}
	if err := r.SetRecommendations("   "); err != nil {
		t.Fatalf("set recommendations: %v", err)
	}
	if r.CanApprove() {
		t.Fatalf("whitespace recommendations must not be approvable")
	}
	_ = r.SetRecommendations("Repetir en 6 meses")
	_ = r.SetRiskLevel(domain.RiskLow)

	records.generateErr = errors.New("gateway timeout")
	if err := r.Approve(ctx); err == nil {
		t.Fatalf("expected approve failure")
	}
	if v := r.View(); v.State != ReviewReviewing || v.Err == nil || v.Notes != "Glucosa en rango aceptable" {
		t.Fatalf("failure should return to reviewing with edits intact: %+v", v)
	}

	records.generateErr = nil
	if err := r.Approve(ctx); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if r.View().State != ReviewApproved {
		t.Fatalf("expected approved state")
	}
	last := records.generated[len(records.generated)-1]
	want := domain.GenerateReportRequest{ReportID: "rep-1", DoctorNotes: "Glucosa en rango aceptable", Recommendations: "Repetir en 6 meses", RiskLevel: domain.RiskLow}
	if last != want {
		t.Fatalf("unexpected request: %+v", last)
	}
	if err := r.SetNotes("x"); !errors.Is(err, ErrNotEditable) {
		t.Fatalf("approved review must not be editable, got %v", err)
	}
}

func TestReviewNewerLoadWins(t *testing.T) {
	records := newFakeRecords()
	seed(records)
	records.analyses["an-slow"] = domain.Analysis{ID: "an-slow", PatientID: "pat-1"}
	records.reports["an-slow"] = domain.Report{ID: "rep-slow", AnalysisID: "an-slow"}
	gate := make(chan struct{})
	records.gate["an-slow"] = gate
	defer close(gate)

	r := NewReview(records, nil)
	slow := make(chan error, 1)
	go func() { slow <- r.Load(context.Background(), "an-slow") }()

	// Give the slow load time to block on its lookup.
	time.Sleep(20 * time.Millisecond)
	if err := r.Load(context.Background(), "an-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	select {
	case err := <-slow:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("expected ErrSuperseded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("superseded load was not cancelled")
	}
	if v := r.View(); v.Report.ID != "rep-1" || v.State != ReviewLoaded {
		t.Fatalf("newer load must win: %+v", v)
	}
}

func TestReviewLoadDuringApproveDropsApproval(t *testing.T) {
	records := newFakeRecords()
	seed(records)
	records.analyses["an-2"] = domain.Analysis{ID: "an-2", PatientID: "pat-1", Status: domain.AnalysisPending}
	records.reports["an-2"] = domain.Report{ID: "rep-2", AnalysisID: "an-2", AIAnalysis: "otro"}
	gate := make(chan struct{})
	records.generateGate = gate

	ctx := context.Background()
	r := NewReview(records, nil)
	if err := r.Load(ctx, "an-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := r.SetNotes("sin hallazgos"); err != nil {
		t.Fatalf("notes: %v", err)
	}
	if err := r.SetRecommendations("control anual"); err != nil {
		t.Fatalf("recommendations: %v", err)
	}
	approved := make(chan error, 1)
	go func() { approved <- r.Approve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for r.View().State != ReviewSubmitting {
		if time.Now().After(deadline) {
			t.Fatalf("approve never started submitting")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := r.Load(ctx, "an-2"); err != nil {
		t.Fatalf("load newer: %v", err)
	}
	close(gate)

	select {
	case err := <-approved:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("expected ErrSuperseded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("approve did not return")
	}
	v := r.View()
	if v.Analysis.ID != "an-2" || v.State != ReviewLoaded || v.Err != nil {
		t.Fatalf("stale approval leaked into the newer load: %+v", v)
	}
}

func TestUploadDerivesAge(t *testing.T) {
	records := newFakeRecords()
	seed(records)
	loc := time.FixedZone("UTC-6", -6*60*60)
	u := NewUploader(records, nil,
		WithClock(func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }),
		WithLocation(loc))

	pdf := []byte("%PDF-1.4 test")
	res, err := u.Upload(context.Background(), File{Name: "/tmp/lab.pdf", Data: pdf}, "pat-1")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.AnalysisID != "an-new" {
		t.Fatalf("unexpected result: %+v", res)
	}
	req := records.processed[0]
	if req.PatientAge != 23 || req.PatientName != "Ana" || req.PatientGender != "female" || req.FileName != "lab.pdf" {
		t.Fatalf("unexpected request: %+v", req)
	}
	wantData := "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(pdf)
	if req.PDFData != wantData {
		t.Fatalf("unexpected payload encoding: %q", req.PDFData)
	}
}

func TestUploadDefaults(t *testing.T) {
	records := newFakeRecords()
	u := NewUploader(records, nil)
	ctx := context.Background()

	if _, err := u.Upload(ctx, File{Name: "a.pdf"}, "pat-1"); !errors.Is(err, ErrEmptyFile) {
		t.Fatalf("expected ErrEmptyFile, got %v", err)
	}
	if len(records.processed) != 0 {
		t.Fatalf("empty file must not be sent")
	}

	if _, err := u.Upload(ctx, File{Name: "a.pdf", Data: []byte("%PDF-")}, "ghost"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	records.lookupErr = errors.New("records down")
	if _, err := u.Upload(ctx, File{Name: "a.pdf", Data: []byte("%PDF-")}, "pat-1"); err != nil {
		t.Fatalf("upload with lookup error: %v", err)
	}
	for _, req := range records.processed {
		if req.PatientName != "Paciente" || req.PatientGender != "unknown" || req.PatientAge != 0 {
			t.Fatalf("expected defaults, got %+v", req)
		}
	}
}

func TestAgeOn(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		birth string
		loc   *time.Location
		want  int
	}{
		{"2000-06-15", time.FixedZone("UTC-6", -6*60*60), 23},
		{"2000-06-15", time.UTC, 24},
		{"2000-12-31", time.UTC, 24},
		{"", time.UTC, 0},
		{"15/06/2000", time.UTC, 0},
	}
	for _, tc := range cases {
		if got := AgeOn(tc.birth, now, tc.loc); got != tc.want {
			t.Fatalf("AgeOn(%q, %s) = %d, want %d", tc.birth, tc.loc, got, tc.want)
		}
	}
}

func TestDoctorDashboard(t *testing.T) {
	records := newFakeRecords()
	seed(records)
	records.analyses["an-0"] = domain.Analysis{ID: "an-0", PatientID: "pat-9", Status: domain.AnalysisApproved}
	records.listOrder = append(records.listOrder, "an-0")
	d := NewDashboards(records, nil)

	filter, err := ParseDoctorFilter("")
	if err != nil || filter != FilterPending {
		t.Fatalf("default filter: %q %v", filter, err)
	}
	if _, err := ParseDoctorFilter("rejected"); err == nil {
		t.Fatalf("expected unknown filter error")
	}

	dash, err := d.Doctor(context.Background(), filter)
	if err != nil {
		t.Fatalf("doctor dashboard: %v", err)
	}
	if len(dash.Rows) != 1 || dash.Rows[0].PatientName != "Ana" || dash.Rows[0].PatientEmail != "ana@example.com" || dash.Rows[0].Report == nil {
		t.Fatalf("unexpected rows: %+v", dash.Rows)
	}
	if records.listFilters[0].Status != domain.AnalysisPending {
		t.Fatalf("pending filter not sent: %+v", records.listFilters[0])
	}

	all, err := d.Doctor(context.Background(), FilterAll)
	if err != nil {
		t.Fatalf("doctor dashboard all: %v", err)
	}
	if len(all.Rows) != 2 || all.Rows[1].PatientName != "" || all.Rows[1].Report != nil {
		t.Fatalf("unexpected rows for all: %+v", all.Rows)
	}
}

func TestPatientDashboardTrend(t *testing.T) {
	records := newFakeRecords()
	levels := []domain.RiskLevel{domain.RiskHigh, domain.RiskLow, "", domain.RiskMedium, domain.RiskHigh, domain.RiskLow}
	// Newest first: ap-0 is the latest approved analysis.
	for i, level := range levels {
		id := "ap-" + string(rune('0'+i))
		records.analyses[id] = domain.Analysis{ID: id, PatientID: "pat-1", Status: domain.AnalysisApproved}
		records.reports[id] = domain.Report{ID: "r-" + id, AnalysisID: id, RiskLevel: level, ApprovedByDoctor: true}
		records.listOrder = append(records.listOrder, id)
	}
	records.analyses["pe-1"] = domain.Analysis{ID: "pe-1", PatientID: "pat-1", Status: domain.AnalysisPending}
	records.analyses["pr-1"] = domain.Analysis{ID: "pr-1", PatientID: "pat-1", Status: domain.AnalysisProcessing}
	records.analyses["rj-1"] = domain.Analysis{ID: "rj-1", PatientID: "pat-1", Status: domain.AnalysisRejected}
	records.analyses["other"] = domain.Analysis{ID: "other", PatientID: "pat-2", Status: domain.AnalysisPending}
	records.listOrder = append([]string{"pe-1", "pr-1", "rj-1", "other"}, records.listOrder...)

	dash, err := NewDashboards(records, nil).Patient(context.Background(), "pat-1")
	if err != nil {
		t.Fatalf("patient dashboard: %v", err)
	}
	if len(dash.Rows) != 9 || dash.PendingCount != 2 {
		t.Fatalf("unexpected dashboard: rows=%d pending=%d", len(dash.Rows), dash.PendingCount)
	}
	want := []int{3, 2, 0, 1, 3}
	if len(dash.RiskTrend) != len(want) {
		t.Fatalf("trend = %v, want %v", dash.RiskTrend, want)
	}
	for i := range want {
		if dash.RiskTrend[i] != want[i] {
			t.Fatalf("trend = %v, want %v", dash.RiskTrend, want)
		}
	}
}

func TestPatientReportAndFunctional(t *testing.T) {
	records := newFakeRecords()
	seed(records)
	records.analyses["an-2"] = domain.Analysis{ID: "an-2", PatientID: "pat-1"}
	records.reports["an-1"] = domain.Report{ID: "rep-1", AnalysisID: "an-1", RiskLevel: domain.RiskHigh, ApprovedByDoctor: true}
	d := NewDashboards(records, nil)
	ctx := context.Background()

	rep, err := d.PatientReport(ctx, "an-1")
	if err != nil || rep.RiskText != "Riesgo Alto" {
		t.Fatalf("unexpected report %+v err=%v", rep, err)
	}
	for _, id := range []string{"an-2", "missing"} {
		if _, err := d.PatientReport(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", id, err)
		}
	}
	if _, err := d.Functional(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for functional, got %v", err)
	}
	if RiskText("") != "Sin Clasificar" || RiskText(domain.RiskMedium) != "Riesgo Moderado" || !strings.HasPrefix(RiskText(domain.RiskLow), "Riesgo") {
		t.Fatalf("unexpected risk texts")
	}
}
