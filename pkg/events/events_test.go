package events

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestLogPublisherRecordsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(slog.New(slog.NewJSONHandler(&buf, nil)))

	ev := New(ReportApproved, "analysis-1")
	ev.PatientID = "patient-1"
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := p.Published()
	if len(got) != 1 || got[0].ID != ev.ID || got[0].Type != ReportApproved {
		t.Fatalf("unexpected published events: %+v", got)
	}
	if ev.ID == "" || ev.OccurredAt.IsZero() {
		t.Fatalf("event not stamped: %+v", ev)
	}
	if !strings.Contains(buf.String(), `"event_type":"report.approved"`) {
		t.Fatalf("event not logged: %s", buf.String())
	}
}

func TestLogPublisherRejectsUntypedEvent(t *testing.T) {
	p := NewLogPublisher(nil)
	if err := p.Publish(context.Background(), Event{AnalysisID: "a"}); err == nil {
		t.Fatalf("expected error for event without type")
	}
	if len(p.Published()) != 0 {
		t.Fatalf("rejected event must not be recorded")
	}
}

func TestNewPublisherWithoutURLFallsBackToLog(t *testing.T) {
	p, err := NewPublisher("  ", "", nil)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	if _, ok := p.(*LogPublisher); !ok {
		t.Fatalf("expected LogPublisher, got %T", p)
	}
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, Event) error {
	f.calls++
	return errors.New("broker down")
}

func (f *failingPublisher) Close() error { return nil }

func TestPublishBestEffortSwallowsErrors(t *testing.T) {
	f := &failingPublisher{}
	PublishBestEffort(context.Background(), f, New(AnalysisDrafted, "a"))
	PublishBestEffort(context.Background(), nil, New(AnalysisDrafted, "a"))
	if f.calls != 1 {
		t.Fatalf("expected one publish attempt, got %d", f.calls)
	}
}
