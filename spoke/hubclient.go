package spoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dive-coalition/federation-enrollment-backend/enrollment"
	"github.com/dive-coalition/federation-enrollment-backend/interfaces"
)

// HubClient talks to the hub's federation enrollment API. Calls carry a
// bounded timeout so a hung hub never blocks the agent's timer loops.
type HubClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHubClient creates a client against the hub API base URL.
func NewHubClient(baseURL string, timeout time.Duration) *HubClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HubClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SubmitEnrollment posts a new enrollment request and returns the created
// record.
func (c *HubClient) SubmitEnrollment(ctx context.Context, req *enrollment.CreateRequest) (*interfaces.EnrollmentRecord, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal enrollment request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/federation/enrollments", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("enrollment submission failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("enrollment submission failed with code %d: %s", resp.StatusCode, string(body))
	}

	var record interfaces.EnrollmentRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("failed to parse enrollment response: %w", err)
	}
	return &record, nil
}

// SubmitAuditEvents delivers buffered audit events to the hub.
func (c *HubClient) SubmitAuditEvents(ctx context.Context, instanceCode string, events []AuditEvent) error {
	payload, err := json.Marshal(auditBatch{InstanceCode: instanceCode, Events: events})
	if err != nil {
		return fmt.Errorf("failed to marshal audit batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/federation/audit", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("audit submission failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("audit submission failed with code %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

type auditBatch struct {
	InstanceCode string       `json:"instanceCode,omitempty"`
	Events       []AuditEvent `json:"events"`
}

// FetchStatus retrieves the current hub-side state of an enrollment.
func (c *HubClient) FetchStatus(ctx context.Context, id string) (*interfaces.EnrollmentRecord, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/federation/enrollments/"+id, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("status fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, interfaces.ErrEnrollmentNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status fetch failed with code %d: %s", resp.StatusCode, string(body))
	}

	var record interfaces.EnrollmentRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}
	return &record, nil
}
