package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cabohealth/internal/servicetoken"
)

// InterpreterAudience is the service-token audience accepted by the interpreter.
const InterpreterAudience = "interpreter"

// InterpretJob is the hand-off payload for one uploaded analysis.
type InterpretJob struct {
	AnalysisID    string `json:"analysisId"`
	PatientName   string `json:"patientName,omitempty"`
	PatientAge    int    `json:"patientAge,omitempty"`
	PatientGender string `json:"patientGender,omitempty"`
}

// JobRef identifies a queued interpreter job.
type JobRef struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type InterpreterClient interface {
	Enqueue(ctx context.Context, job InterpretJob) (JobRef, error)
}

type httpInterpreterClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewInterpreterClient returns a client whose requests carry a fresh
// service token signed by signer.
func NewInterpreterClient(baseURL string, signer *servicetoken.Signer) (InterpreterClient, error) {
	if signer == nil {
		return nil, errors.New("internal signer is required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("interpreter URL required")
	}
	return &httpInterpreterClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: &servicetoken.Transport{Signer: signer, Audience: InterpreterAudience},
		},
	}, nil
}

func (c *httpInterpreterClient) Enqueue(ctx context.Context, job InterpretJob) (JobRef, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return JobRef{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/interpreter/jobs", bytes.NewReader(payload))
	if err != nil {
		return JobRef{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return JobRef{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return JobRef{}, fmt.Errorf("interpreter error: %s", msg)
	}
	var ref JobRef
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return JobRef{}, fmt.Errorf("decode interpreter response: %w", err)
	}
	return ref, nil
}
