package recordsclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cabohealth/pkg/domain"
	"cabohealth/pkg/roles"
)

type staticTokens struct {
	token     string
	refreshed int
}

func (s *staticTokens) AccessToken(context.Context) (string, error) { return s.token, nil }

func (s *staticTokens) Refresh(context.Context) error {
	s.refreshed++
	s.token = "fresh"
	return nil
}

func newTestClient(t *testing.T, h http.Handler, tokens TokenSource) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, tokens, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClientAsProfileDirectory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/doctors/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	mux.HandleFunc("/patients/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/patients/p-1" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		writeJSON(w, http.StatusOK, domain.Patient{ID: "p-1", Name: "Ana"})
	})
	c := newTestClient(t, mux, &staticTokens{token: "t"})

	got, err := roles.NewResolver(c).Resolve(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Role != domain.RolePatient || got.ProfileID != "p-1" {
		t.Fatalf("unexpected resolution: %+v", got)
	}
	got, err = roles.NewResolver(c).Resolve(context.Background(), "x")
	if err != nil || got.Role != domain.RoleNone {
		t.Fatalf("expected none, got %+v err=%v", got, err)
	}
}

func TestLookupErrorIsNotNotFound(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error", "code": "INTERNAL"})
	})
	c := newTestClient(t, h, &staticTokens{token: "t"})
	_, ok, err := c.GetAnalysis(context.Background(), "a-1")
	var apiErr *APIError
	if ok || !errors.As(err, &apiErr) || apiErr.Code != "INTERNAL" {
		t.Fatalf("expected APIError, got ok=%v err=%v", ok, err)
	}
}

func TestListAnalysesSendsFilter(t *testing.T) {
	var gotQuery, gotAuth string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, map[string]any{"items": []domain.Analysis{{ID: "a-1"}}, "count": 1})
	})
	c := newTestClient(t, h, &staticTokens{token: "t"})
	items, err := c.ListAnalyses(context.Background(), domain.AnalysisFilter{PatientID: "p-1", Status: domain.AnalysisPending})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || gotQuery != "patientId=p-1&status=pending" || gotAuth != "Bearer t" {
		t.Fatalf("unexpected call: items=%v query=%q auth=%q", items, gotQuery, gotAuth)
	}
}

func TestUnauthorizedRefreshesOnce(t *testing.T) {
	calls := 0
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") != "Bearer fresh" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		writeJSON(w, http.StatusOK, domain.ApprovalResult{Report: domain.Report{ID: "r-1", ApprovedByDoctor: true}})
	})
	tokens := &staticTokens{token: "stale"}
	c := newTestClient(t, h, tokens)
	res, err := c.GenerateReport(context.Background(), domain.GenerateReportRequest{ReportID: "r-1"})
	if err != nil {
		t.Fatalf("generate report: %v", err)
	}
	if !res.Report.ApprovedByDoctor || tokens.refreshed != 1 || calls != 2 {
		t.Fatalf("unexpected result=%+v refreshed=%d calls=%d", res, tokens.refreshed, calls)
	}
}
