package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dive-coalition/federation-enrollment-backend/enrollment"
	"github.com/dive-coalition/federation-enrollment-backend/exchange"
	"github.com/dive-coalition/federation-enrollment-backend/interfaces"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// errorResponse is the structured error body returned by all endpoints.
// Administrative tooling surfaces these directly, so the message must be a
// human-readable kind, never a stack trace.
type errorResponse struct {
	Error string `json:"error"`
}

// Handler processes HTTP requests for the federation enrollment API. It
// delegates state transitions to the ledger and credential provisioning to
// the exchange orchestrator.
type Handler struct {
	ledger       *enrollment.Ledger
	orchestrator *exchange.Orchestrator
	issuers      interfaces.TrustedIssuerStore
	log          *slog.Logger
}

// NewHandler creates an API handler wired to its collaborators.
func NewHandler(ledger *enrollment.Ledger, orchestrator *exchange.Orchestrator, issuers interfaces.TrustedIssuerStore, log *slog.Logger) *Handler {
	return &Handler{
		ledger:       ledger,
		orchestrator: orchestrator,
		issuers:      issuers,
		log:          log,
	}
}

// HandleCreateEnrollment processes a spoke's enrollment submission.
//
// URL format: POST /api/federation/enrollments
// Request body: enrollment.CreateRequest JSON
// Response: 201 with the created EnrollmentRecord.
func (h *Handler) HandleCreateEnrollment(w http.ResponseWriter, r *http.Request) {
	var req enrollment.CreateRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	record, err := h.ledger.Create(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, record)
}

// HandleListEnrollments returns all enrollment records, newest first.
func (h *Handler) HandleListEnrollments(w http.ResponseWriter, r *http.Request) {
	records, err := h.ledger.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, records)
}

// HandleGetEnrollment returns one record by ID. Spokes poll this endpoint.
func (h *Handler) HandleGetEnrollment(w http.ResponseWriter, r *http.Request) {
	record, err := h.ledger.Get(r.Context(), h.enrollmentID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

// HandleVerify runs fingerprint and signature verification on a pending
// enrollment.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	record, err := h.ledger.VerifyFingerprint(r.Context(), h.enrollmentID(r), h.actor(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

// HandleApprove approves a verified enrollment.
func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	record, err := h.ledger.Approve(r.Context(), h.enrollmentID(r), h.actor(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

// HandleReject declines an enrollment.
func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.handleWithReason(w, r, h.ledger.Reject)
}

// HandleSuspend pauses an established trust relationship.
func (h *Handler) HandleSuspend(w http.ResponseWriter, r *http.Request) {
	h.handleWithReason(w, r, h.ledger.Suspend)
}

// HandleRevoke withdraws trust permanently.
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	h.handleWithReason(w, r, h.ledger.Revoke)
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

// handleWithReason runs a reason-carrying transition (reject, suspend,
// revoke). The body is optional; an empty body means no reason given.
func (h *Handler) handleWithReason(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id interfaces.EnrollmentID, actor, reason string) (*interfaces.EnrollmentRecord, error)) {
	var req reasonRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err == nil && len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
			return
		}
	}

	record, err := op(r.Context(), h.enrollmentID(r), h.actor(r), req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

// HandleExchange runs approver-side credential provisioning for an approved
// enrollment.
func (h *Handler) HandleExchange(w http.ResponseWriter, r *http.Request) {
	record, err := h.orchestrator.GenerateApproverCredentials(r.Context(), h.enrollmentID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

// HandleStoreRequesterCredentials deposits the requester-side credential
// bundle, typically mirrored up by the spoke after its local provisioning.
func (h *Handler) HandleStoreRequesterCredentials(w http.ResponseWriter, r *http.Request) {
	var creds interfaces.FederationCredentials
	if !h.decodeBody(w, r, &creds) {
		return
	}

	record, err := h.ledger.StoreRequesterCredentials(r.Context(), h.enrollmentID(r), &creds)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

// createClientRequest is the administrative request to provision a local
// federation client for a partner.
type createClientRequest struct {
	PartnerInstanceCode string `json:"partnerInstanceCode"`
	PartnerIdpURL       string `json:"partnerIdpUrl"`
	PartnerRealm        string `json:"partnerRealm"`
}

// HandleCreateLocalClient validates the partner descriptor and provisions a
// local OIDC client, returning the credential bundle to the administrator.
func (h *Handler) HandleCreateLocalClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	if _, err := interfaces.NewInstanceCode(req.PartnerInstanceCode); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if _, err := url.ParseRequestURI(req.PartnerIdpURL); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid partner IdP URL"})
		return
	}
	if strings.TrimSpace(req.PartnerRealm) == "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "partner realm missing"})
		return
	}

	creds, err := h.orchestrator.GenerateLocalClient(r.Context(), req.PartnerInstanceCode, req.PartnerIdpURL, req.PartnerRealm)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, creds)
}

// auditBatch is the spoke's buffered audit delivery payload.
type auditBatch struct {
	InstanceCode string `json:"instanceCode,omitempty"`
	Events       []struct {
		Timestamp time.Time      `json:"timestamp"`
		Action    string         `json:"action"`
		Detail    map[string]any `json:"detail,omitempty"`
	} `json:"events"`
}

// HandleIngestAudit accepts a batch of spoke audit events. Events land in the
// hub's structured log stream; delivery is acknowledged with 202 since
// processing is asynchronous from the spoke's perspective.
func (h *Handler) HandleIngestAudit(w http.ResponseWriter, r *http.Request) {
	var batch auditBatch
	if !h.decodeBody(w, r, &batch) {
		return
	}

	for _, event := range batch.Events {
		h.log.Info("Spoke audit event",
			slog.String("instanceCode", batch.InstanceCode),
			slog.String("action", event.Action),
			slog.Time("eventTime", event.Timestamp),
			slog.Any("detail", event.Detail))
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleListIssuers returns the trusted-issuer registry.
func (h *Handler) HandleListIssuers(w http.ResponseWriter, r *http.Request) {
	issuers, err := h.issuers.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, issuers)
}

func (h *Handler) enrollmentID(r *http.Request) interfaces.EnrollmentID {
	return interfaces.EnrollmentID(chi.URLParam(r, "enrollment_id"))
}

// actor extracts the acting administrator's identity from the request.
// Authentication happens upstream at the gateway; the header only carries
// identity for the audit trail.
func (h *Handler) actor(r *http.Request) string {
	if actor := r.Header.Get("X-Admin-Actor"); actor != "" {
		return actor
	}
	return "admin"
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
		return false
	}
	if err := json.Unmarshal(body, into); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return false
	}
	return true
}

// writeError maps domain errors to HTTP status codes. Validation failures
// are client errors; state conflicts map to 409 so retrying tooling can
// distinguish them from hard failures.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, interfaces.ErrEnrollmentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, interfaces.ErrWrongStatus), errors.Is(err, interfaces.ErrDuplicateEnrollment):
		status = http.StatusConflict
	case errors.Is(err, interfaces.ErrEnrollmentExpired):
		status = http.StatusGone
	case errors.Is(err, interfaces.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	case isValidationError(err):
		// Ledger validation errors surface as plain errors.New values.
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		h.log.Error("Request failed", "err", err)
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// isValidationError recognizes synchronous input-validation failures by
// their message shape.
func isValidationError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"missing", "invalid", "must be", "verification failed"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}
