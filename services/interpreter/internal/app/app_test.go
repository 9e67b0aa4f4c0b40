package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"cabohealth/pkg/ai"
	"cabohealth/pkg/domain"
	"cabohealth/pkg/events"
	"cabohealth/pkg/queue"
	"cabohealth/pkg/storage"
	"cabohealth/pkg/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const labText = "Glucosa 95 mg/dL\nTSH 3.2 uUI/mL\nColesterol total 260 mg/dL"

type fakeGenerator struct {
	out      string
	err      error
	lastUser string
	calls    int
}

func (g *fakeGenerator) GenerateText(_ context.Context, _ string, user string) (string, error) {
	g.calls++
	g.lastUser = user
	return g.out, g.err
}

func (g *fakeGenerator) Model() string { return "fake-model" }

type fakeExtractor struct {
	text string
	err  error
}

func (e fakeExtractor) ExtractText(context.Context, string) (string, error) {
	return e.text, e.err
}

type nopQueue struct{}

func (nopQueue) Enqueue(_ context.Context, analysisID string, meta map[string]string) (queue.JobStatus, error) {
	return queue.JobStatus{ID: "job-1", AnalysisID: analysisID, Meta: meta, Status: queue.StatusQueued}, nil
}

func (nopQueue) GetJob(context.Context, string) (queue.JobStatus, bool, error) {
	return queue.JobStatus{}, false, nil
}

func (nopQueue) Start(context.Context, int, queue.Handler) {}

type fixture struct {
	app    *App
	store  *store.MemoryStore
	gen    *fakeGenerator
	events *events.LogPublisher
}

func newFixture(t *testing.T, extractor TextExtractor, q JobQueue) fixture {
	t.Helper()
	st := store.NewMemoryStore()
	objects, err := storage.NewFileStore(t.TempDir(), "http://files.test")
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	ctx := context.Background()
	if err := st.CreatePatient(ctx, domain.Patient{ID: "pat-1", Email: "ana@example.com", Name: "Ana", BirthDate: "1990-05-01", Gender: "female"}); err != nil {
		t.Fatalf("create patient: %v", err)
	}
	if err := st.CreateAnalysis(ctx, domain.Analysis{
		ID:         "an-1",
		PatientID:  "pat-1",
		DoctorID:   "doc-1",
		PDFURL:     "analyses/pat-1/an-1/lab.pdf",
		Status:     domain.AnalysisPending,
		UploadedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create analysis: %v", err)
	}
	if err := objects.Put(ctx, "analyses/pat-1/an-1/lab.pdf", strings.NewReader("%PDF-1.4 fake"), 13, "application/pdf"); err != nil {
		t.Fatalf("put pdf: %v", err)
	}
	gen := &fakeGenerator{out: "Borrador de interpretación"}
	pub := events.NewLogPublisher(nil)
	if q == nil {
		q = nopQueue{}
	}
	a, err := New(Config{
		Store:     st,
		Objects:   objects,
		Generator: gen,
		Queue:     q,
		Events:    pub,
		Extractor: extractor,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return fixture{app: a, store: st, gen: gen, events: pub}
}

func TestProcessSavesDraftAndNotifiesDoctor(t *testing.T) {
	f := newFixture(t, fakeExtractor{text: labText}, nil)
	ctx := context.Background()

	job := queue.JobStatus{ID: "job-1", AnalysisID: "an-1", Attempts: 1, MaxAttempts: 3,
		Meta: map[string]string{metaPatientName: "Ana María", metaPatientAge: "35"}}
	if err := f.app.Process(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}

	analysis, _, _ := f.store.GetAnalysis(ctx, "an-1")
	if analysis.Status != domain.AnalysisPending || analysis.ExtractedText != labText {
		t.Fatalf("unexpected analysis after processing: %+v", analysis)
	}
	report, ok, _ := f.store.GetReportByAnalysis(ctx, "an-1")
	if !ok {
		t.Fatalf("expected draft report")
	}
	if report.AIAnalysis != "Borrador de interpretación" || report.ModelUsed != "fake-model" || report.ApprovedByDoctor {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.RiskLevel != domain.RiskHigh {
		t.Fatalf("expected high risk from cholesterol 260, got %q", report.RiskLevel)
	}

	for _, want := range []string{"Ana María", "35 años", "female", "Colesterol total"} {
		if !strings.Contains(f.gen.lastUser, want) {
			t.Fatalf("prompt missing %q:\n%s", want, f.gen.lastUser)
		}
	}

	notes, _ := f.store.ListNotifications(ctx, "doc-1", false, 0)
	if len(notes) != 1 || notes[0].Type != domain.NotificationAnalysisDrafted {
		t.Fatalf("expected one doctor notification, got %+v", notes)
	}
	published := f.events.Published()
	if len(published) != 1 || published[0].Type != events.AnalysisDrafted {
		t.Fatalf("expected analysis.drafted event, got %+v", published)
	}
}

func TestProcessRetryableFailureKeepsAnalysisOpen(t *testing.T) {
	f := newFixture(t, fakeExtractor{text: labText}, nil)
	f.gen.err = errors.New("model unavailable")
	ctx := context.Background()

	err := f.app.Process(ctx, queue.JobStatus{ID: "job-1", AnalysisID: "an-1", Attempts: 1, MaxAttempts: 3})
	if err == nil {
		t.Fatalf("expected error")
	}
	analysis, _, _ := f.store.GetAnalysis(ctx, "an-1")
	if analysis.Status != domain.AnalysisProcessing {
		t.Fatalf("expected processing while retries remain, got %s", analysis.Status)
	}
	if notes, _ := f.store.ListNotifications(ctx, "pat-1", false, 0); len(notes) != 0 {
		t.Fatalf("patient must not be notified before the final attempt: %+v", notes)
	}
}

func TestProcessFinalFailureRejectsAnalysis(t *testing.T) {
	f := newFixture(t, fakeExtractor{err: errNoText}, nil)
	ctx := context.Background()

	err := f.app.Process(ctx, queue.JobStatus{ID: "job-1", AnalysisID: "an-1", Attempts: 3, MaxAttempts: 3})
	if !errors.Is(err, errNoText) {
		t.Fatalf("expected errNoText, got %v", err)
	}
	analysis, _, _ := f.store.GetAnalysis(ctx, "an-1")
	if analysis.Status != domain.AnalysisRejected || analysis.ProcessingError == "" {
		t.Fatalf("expected rejected analysis with error, got %+v", analysis)
	}
	if f.gen.calls != 0 {
		t.Fatalf("generator must not run without text")
	}
	notes, _ := f.store.ListNotifications(ctx, "pat-1", false, 0)
	if len(notes) != 1 || notes[0].Type != domain.NotificationAnalysisFailed {
		t.Fatalf("expected failure notification for patient, got %+v", notes)
	}
	published := f.events.Published()
	if len(published) != 1 || published[0].Type != events.AnalysisFailed {
		t.Fatalf("expected analysis.failed event, got %+v", published)
	}
}

func TestProcessRejectsOnProviderConfigError(t *testing.T) {
	f := newFixture(t, fakeExtractor{text: labText}, nil)
	f.gen.err = &ai.APIError{Provider: "gemini", Status: http.StatusUnauthorized, Message: "API key not valid"}
	ctx := context.Background()

	err := f.app.Process(ctx, queue.JobStatus{ID: "job-1", AnalysisID: "an-1", Attempts: 1, MaxAttempts: 3})
	if !queue.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	analysis, _, _ := f.store.GetAnalysis(ctx, "an-1")
	if analysis.Status != domain.AnalysisRejected {
		t.Fatalf("expected rejected analysis, got %s", analysis.Status)
	}

	f.gen.err = &ai.APIError{Provider: "gemini", Status: http.StatusTooManyRequests}
	err = f.app.Process(ctx, queue.JobStatus{ID: "job-2", AnalysisID: "an-1", Attempts: 1, MaxAttempts: 3})
	if err == nil || queue.IsPermanent(err) {
		t.Fatalf("rate limiting must stay retryable, got %v", err)
	}
}

func TestProcessKeepsApprovedReport(t *testing.T) {
	f := newFixture(t, fakeExtractor{text: labText}, nil)
	ctx := context.Background()
	draft, err := f.store.SaveDraftReport(ctx, domain.Report{AnalysisID: "an-1", AIAnalysis: "primero"})
	if err != nil {
		t.Fatalf("save draft: %v", err)
	}
	if _, err := f.store.ApproveAnalysis(ctx, domain.Approval{ReportID: draft.ID, DoctorID: "doc-1",
		DoctorNotes: "ok", Recommendations: "control anual", RiskLevel: domain.RiskLow}); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if err := f.app.Process(ctx, queue.JobStatus{ID: "job-1", AnalysisID: "an-1", Attempts: 1, MaxAttempts: 3}); err != nil {
		t.Fatalf("process: %v", err)
	}
	report, _, _ := f.store.GetReport(ctx, draft.ID)
	if report.AIAnalysis != "primero" || !report.ApprovedByDoctor {
		t.Fatalf("approved report was overwritten: %+v", report)
	}
}

func TestRedeliveryAfterApprovalLeavesAnalysisApproved(t *testing.T) {
	f := newFixture(t, fakeExtractor{text: labText}, nil)
	ctx := context.Background()

	if err := f.app.Process(ctx, queue.JobStatus{ID: "job-1", AnalysisID: "an-1", Attempts: 1, MaxAttempts: 3}); err != nil {
		t.Fatalf("process: %v", err)
	}
	draft, ok, _ := f.store.GetReportByAnalysis(ctx, "an-1")
	if !ok {
		t.Fatalf("expected draft report")
	}
	if _, err := f.store.ApproveAnalysis(ctx, domain.Approval{ReportID: draft.ID, DoctorID: "doc-1",
		DoctorNotes: "ok", Recommendations: "control anual", RiskLevel: domain.RiskLow}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	calls := f.gen.calls

	cases := []struct {
		name string
		job  queue.JobStatus
		out  string
	}{
		{"retry", queue.JobStatus{ID: "job-1", AnalysisID: "an-1", Attempts: 2, MaxAttempts: 3}, "otro borrador"},
		{"final attempt with empty reply", queue.JobStatus{ID: "job-1", AnalysisID: "an-1", Attempts: 3, MaxAttempts: 3}, ""},
	}
	for _, tc := range cases {
		f.gen.out = tc.out
		if err := f.app.Process(ctx, tc.job); err != nil {
			t.Fatalf("%s: process: %v", tc.name, err)
		}
		analysis, _, _ := f.store.GetAnalysis(ctx, "an-1")
		if analysis.Status != domain.AnalysisApproved || analysis.ProcessingError != "" {
			t.Fatalf("%s: approved analysis regressed: %+v", tc.name, analysis)
		}
		report, _, _ := f.store.GetReport(ctx, draft.ID)
		if !report.ApprovedByDoctor || report.AIAnalysis != "Borrador de interpretación" {
			t.Fatalf("%s: approved report changed: %+v", tc.name, report)
		}
	}
	if f.gen.calls != calls {
		t.Fatalf("generator ran %d more times after approval", f.gen.calls-calls)
	}
	notes, _ := f.store.ListNotifications(ctx, "pat-1", false, 0)
	for _, n := range notes {
		if n.Type == domain.NotificationAnalysisFailed {
			t.Fatalf("patient told an approved analysis failed: %+v", notes)
		}
	}
}

func TestRejectSkipsApprovedAnalysis(t *testing.T) {
	f := newFixture(t, fakeExtractor{text: labText}, nil)
	ctx := context.Background()
	draft, err := f.store.SaveDraftReport(ctx, domain.Report{AnalysisID: "an-1", AIAnalysis: "primero"})
	if err != nil {
		t.Fatalf("save draft: %v", err)
	}
	if _, err := f.store.ApproveAnalysis(ctx, domain.Approval{ReportID: draft.ID, DoctorID: "doc-1",
		DoctorNotes: "ok", Recommendations: "control anual", RiskLevel: domain.RiskLow}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	before := len(f.events.Published())

	f.app.reject(ctx, "an-1", errors.New("generate draft: empty response"))

	analysis, _, _ := f.store.GetAnalysis(ctx, "an-1")
	if analysis.Status != domain.AnalysisApproved {
		t.Fatalf("expected approved analysis, got %+v", analysis)
	}
	notes, _ := f.store.ListNotifications(ctx, "pat-1", false, 0)
	for _, n := range notes {
		if n.Type == domain.NotificationAnalysisFailed {
			t.Fatalf("unexpected failure notification: %+v", n)
		}
	}
	if got := len(f.events.Published()); got != before {
		t.Fatalf("expected no failure event, got %d new", got-before)
	}
}

func TestPatientContextFallsBackToProfile(t *testing.T) {
	f := newFixture(t, fakeExtractor{text: labText}, nil)
	pc := f.app.patientContext(context.Background(), "pat-1", nil)
	if pc.Name != "Ana" || pc.Gender != "female" || pc.Age <= 0 {
		t.Fatalf("unexpected patient context: %+v", pc)
	}
}

func TestAgeFromBirthDate(t *testing.T) {
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want int
	}{
		{"2001-03-10", 23},
		{"2001-03-11", 22},
		{"2000-02-29", 24},
		{"", 0},
		{"10/03/2001", 0},
		{"2030-01-01", 0},
	}
	for _, tc := range cases {
		if got := ageFromBirthDate(tc.in, now); got != tc.want {
			t.Fatalf("ageFromBirthDate(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestEnqueueValidatesAnalysis(t *testing.T) {
	f := newFixture(t, fakeExtractor{text: labText}, nil)
	ctx := context.Background()
	if _, err := f.app.Enqueue(ctx, EnqueueRequest{}); !errors.Is(err, ErrAnalysisIDRequired) {
		t.Fatalf("expected ErrAnalysisIDRequired, got %v", err)
	}
	if _, err := f.app.Enqueue(ctx, EnqueueRequest{AnalysisID: "missing"}); !errors.Is(err, ErrAnalysisNotFound) {
		t.Fatalf("expected ErrAnalysisNotFound, got %v", err)
	}
}

func TestEnqueueAndRunOverRedis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: miniredis.RunT(t).Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Client:     rdb,
		Stream:     "test:interpreter",
		Group:      "interpreter",
		Consumer:   "worker-1",
		MaxRetries: 2,
		Block:      20 * time.Millisecond,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	f := newFixture(t, fakeExtractor{text: labText}, q)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := f.app.Enqueue(ctx, EnqueueRequest{AnalysisID: "an-1", PatientName: "Ana", PatientAge: 34, PatientGender: "female"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != queue.StatusQueued || job.AnalysisID != "an-1" {
		t.Fatalf("unexpected job: %+v", job)
	}
	f.app.Run(ctx, 1)

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, ok, err := f.app.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && got.Status == queue.StatusDone {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never finished: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok, _ := f.store.GetReportByAnalysis(ctx, "an-1"); !ok {
		t.Fatalf("expected draft report after worker run")
	}
}
