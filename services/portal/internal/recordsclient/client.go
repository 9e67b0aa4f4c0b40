// Package recordsclient calls the records service on behalf of the
// signed-in portal user.
package recordsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cabohealth/pkg/biomarker"
	"cabohealth/pkg/domain"
)

// TokenSource supplies the bearer token for each call.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Refresher is implemented by token sources that can rotate an expired token.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// APIError represents a records service error response.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	return e.Message
}

// IsNotFound reports whether err is a 404 from the records service.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Functional is the doctor-only biomarker view of an analysis.
type Functional struct {
	AnalysisID  string                               `json:"analysisId"`
	Biomarkers  []biomarker.Result                   `json:"biomarkers"`
	Summary     map[string]biomarker.CategorySummary `json:"summary"`
	OverallRisk domain.RiskLevel                     `json:"overallRisk,omitempty"`
}

// Download is a short-lived link to an uploaded PDF.
type Download struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
}

func NewClient(baseURL string, tokens TokenSource, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("records URL required")
	}
	if tokens == nil {
		return nil, errors.New("token source required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}, tokens: tokens}, nil
}

// FindDoctor and FindPatient make the client a roles.ProfileDirectory.
func (c *Client) FindDoctor(ctx context.Context, id string) (string, bool, error) {
	d, ok, err := c.GetDoctor(ctx, id)
	return d.ID, ok, err
}

func (c *Client) FindPatient(ctx context.Context, id string) (string, bool, error) {
	p, ok, err := c.GetPatient(ctx, id)
	return p.ID, ok, err
}

func (c *Client) GetDoctor(ctx context.Context, id string) (domain.Doctor, bool, error) {
	var d domain.Doctor
	ok, err := c.getOptional(ctx, "/doctors/"+url.PathEscape(id), &d)
	return d, ok, err
}

func (c *Client) GetPatient(ctx context.Context, id string) (domain.Patient, bool, error) {
	var p domain.Patient
	ok, err := c.getOptional(ctx, "/patients/"+url.PathEscape(id), &p)
	return p, ok, err
}

func (c *Client) CreateDoctor(ctx context.Context, d domain.Doctor) (domain.Doctor, error) {
	var out domain.Doctor
	err := c.doJSON(ctx, http.MethodPost, "/doctors", d, &out)
	return out, err
}

func (c *Client) CreatePatient(ctx context.Context, p domain.Patient) (domain.Patient, error) {
	var out domain.Patient
	err := c.doJSON(ctx, http.MethodPost, "/patients", p, &out)
	return out, err
}

func (c *Client) ListAnalyses(ctx context.Context, filter domain.AnalysisFilter) ([]domain.Analysis, error) {
	q := url.Values{}
	if filter.PatientID != "" {
		q.Set("patientId", filter.PatientID)
	}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	path := "/analyses"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Items []domain.Analysis `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) GetAnalysis(ctx context.Context, id string) (domain.Analysis, bool, error) {
	var a domain.Analysis
	ok, err := c.getOptional(ctx, "/analyses/"+url.PathEscape(id), &a)
	return a, ok, err
}

// GetReport returns the report of an analysis. Patients only see approved ones.
func (c *Client) GetReport(ctx context.Context, analysisID string) (domain.Report, bool, error) {
	var r domain.Report
	ok, err := c.getOptional(ctx, "/analyses/"+url.PathEscape(analysisID)+"/report", &r)
	return r, ok, err
}

func (c *Client) Functional(ctx context.Context, analysisID string) (Functional, error) {
	var f Functional
	err := c.doJSON(ctx, http.MethodGet, "/analyses/"+url.PathEscape(analysisID)+"/functional", nil, &f)
	return f, err
}

func (c *Client) DownloadURL(ctx context.Context, analysisID string) (Download, error) {
	var d Download
	err := c.doJSON(ctx, http.MethodGet, "/analyses/"+url.PathEscape(analysisID)+"/download", nil, &d)
	return d, err
}

func (c *Client) ListNotifications(ctx context.Context, unreadOnly bool) ([]domain.Notification, error) {
	path := "/notifications"
	if unreadOnly {
		path += "?unread=true"
	}
	var resp struct {
		Items []domain.Notification `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

func (c *Client) ProcessPDF(ctx context.Context, req domain.ProcessPDFRequest) (domain.ProcessPDFResult, error) {
	var out domain.ProcessPDFResult
	err := c.doJSON(ctx, http.MethodPost, "/functions/process-pdf", req, &out)
	return out, err
}

func (c *Client) GenerateReport(ctx context.Context, req domain.GenerateReportRequest) (domain.ApprovalResult, error) {
	var out domain.ApprovalResult
	err := c.doJSON(ctx, http.MethodPost, "/functions/generate-report", req, &out)
	return out, err
}

// getOptional maps a 404 to found=false.
func (c *Client) getOptional(ctx context.Context, path string, out any) (bool, error) {
	err := c.doJSON(ctx, http.MethodGet, path, nil, out)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// doJSON sends one request; a 401 triggers a single token refresh and retry
// when the token source supports it.
func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return err
		}
	}
	err := c.send(ctx, method, path, data, out)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		return err
	}
	refresher, ok := c.tokens.(Refresher)
	if !ok {
		return err
	}
	if refreshErr := refresher.Refresh(ctx); refreshErr != nil {
		return err
	}
	return c.send(ctx, method, path, data, out)
}

func (c *Client) send(ctx context.Context, method, path string, data []byte, out any) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}
	var body io.Reader
	if data != nil {
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg, Code: strings.TrimSpace(errResp.Code)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
