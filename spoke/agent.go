package spoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/dive-coalition/federation-enrollment-backend/identity"
	"github.com/dive-coalition/federation-enrollment-backend/interfaces"
	"github.com/dive-coalition/federation-enrollment-backend/metrics"
)

// Spoke-side event topics. Each event carries a snapshot of the config at
// emission time.
const (
	TopicCSRGenerated         = "csrGenerated"
	TopicConfigUpdated        = "configUpdated"
	TopicSpokeStatusChanged   = "statusChanged"
	TopicTokenReceived        = "tokenReceived"
	TopicCertificateInstalled = "certificateInstalled"
)

// pollCooldown suppresses duplicate poll cycles scheduled within this window.
const pollCooldown = 60 * time.Second

// maxBackoffMultiplier bounds the exponential backoff applied to the polling
// interval while the hub is unreachable.
const maxBackoffMultiplier = 8

// criticalHeartbeatDivisor shortens the heartbeat cadence once remaining
// token validity drops below the refresh buffer.
const criticalHeartbeatDivisor = 6

// SpokeEvent is emitted on agent lifecycle transitions.
type SpokeEvent struct {
	Topic  string
	Config *SpokeConfig
}

// StatusView is the read-only status projection returned by GetStatus.
// SpokeID is empty while unregistered.
type StatusView struct {
	Status  string `json:"status"`
	SpokeID string `json:"spokeId,omitempty"`
}

// Agent drives the enrollment protocol from the spoke side. One logical
// agent per process; its polling and heartbeat loops are timer-driven
// cooperative tasks sharing the agent's goroutines, never one per operation.
type Agent struct {
	mu     sync.Mutex
	config *SpokeConfig

	initialized  atomic.Bool
	configPath   string
	certsDir     string
	pollInterval time.Duration

	hub        *HubClient
	hubClients map[string]*HubClient
	activeHub  *HubClient
	resolver   *HubResolver
	audit      *AuditQueue
	log        *slog.Logger

	accessToken  string
	tokenExpires time.Time

	pollCancel   context.CancelFunc
	pollDone     chan struct{}
	pollInFlight atomic.Bool
	lastPoll     time.Time
	failures     int

	subMu  sync.RWMutex
	nextID int
	subs   map[string]map[int]func(SpokeEvent)
}

// NewAgent creates an uninitialized agent. Most operations fail with
// ErrNotInitialized until Initialize is called.
func NewAgent(log *slog.Logger) *Agent {
	return &Agent{
		log:  log,
		subs: make(map[string]map[int]func(SpokeEvent)),
	}
}

// AgentConfig carries the agent's process-level settings. SRVDomain and
// DNSServer are optional; when set, hub status calls fail over between the
// SRV-discovered replicas.
type AgentConfig struct {
	HubURL       string
	SRVDomain    string
	DNSServer    string
	ConfigPath   string
	CertsDir     string
	PollInterval time.Duration
}

// Initialize loads existing config from disk if present; a missing config
// file leaves the agent unregistered with a nil config. Idempotent: repeated
// calls are safe and do not reload over live state.
func (a *Agent) Initialize(cfg AgentConfig) error {
	if a.initialized.Load() {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized.Load() {
		return nil
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}

	config, err := loadConfig(cfg.ConfigPath)
	if err != nil {
		return err
	}

	a.config = config
	a.configPath = cfg.ConfigPath
	a.certsDir = cfg.CertsDir
	a.pollInterval = cfg.PollInterval
	a.hub = NewHubClient(cfg.HubURL, 10*time.Second)
	a.hubClients = map[string]*HubClient{cfg.HubURL: a.hub}
	a.resolver = NewHubResolver(cfg.HubURL, cfg.SRVDomain, cfg.DNSServer)

	auditPath := filepath.Join(filepath.Dir(cfg.ConfigPath), "audit-queue.jsonl")
	maxQueue := 0
	if config != nil {
		if config.Operational.AuditQueuePath != "" {
			auditPath = config.Operational.AuditQueuePath
		}
		maxQueue = config.Operational.MaxAuditQueueSize
	}
	a.audit = NewAuditQueue(auditPath, maxQueue, a.log)

	a.initialized.Store(true)
	a.log.Info("Spoke agent initialized",
		slog.String("hubUrl", cfg.HubURL),
		slog.String("srvDomain", cfg.SRVDomain),
		slog.String("configPath", cfg.ConfigPath),
		slog.Bool("hasConfig", config != nil))
	return nil
}

// Subscribe registers a handler for a spoke event topic and returns an
// unsubscribe func. Handlers run synchronously on the emitting goroutine.
func (a *Agent) Subscribe(topic string, handler func(SpokeEvent)) func() {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	if a.subs[topic] == nil {
		a.subs[topic] = make(map[int]func(SpokeEvent))
	}
	id := a.nextID
	a.nextID++
	a.subs[topic][id] = handler

	return func() {
		a.subMu.Lock()
		defer a.subMu.Unlock()
		delete(a.subs[topic], id)
	}
}

func (a *Agent) emit(topic string, config *SpokeConfig) {
	a.subMu.RLock()
	handlers := make([]func(SpokeEvent), 0, len(a.subs[topic]))
	for _, h := range a.subs[topic] {
		handlers = append(handlers, h)
	}
	a.subMu.RUnlock()

	for _, h := range handlers {
		h(SpokeEvent{Topic: topic, Config: config.Clone()})
	}
}

// GenerateCSR creates a fresh key pair and certificate signing request,
// writes both under the certs directory, records the paths in config and
// moves the local federation status to csr_generated. Emits csrGenerated.
func (a *Agent) GenerateCSR() error {
	if !a.initialized.Load() {
		return interfaces.ErrNotInitialized
	}

	a.mu.Lock()
	identityInfo := SpokeIdentity{}
	if a.config != nil {
		identityInfo = a.config.Identity
	}
	certsDir := a.certsDir
	a.mu.Unlock()

	commonName := identityInfo.InstanceCode
	if commonName == "" {
		commonName = "spoke"
	}
	organization := identityInfo.Name
	if organization == "" {
		organization = "federation-spoke"
	}

	keyPEM, csrPEM, err := identity.CreateCSRWithRandomKey(commonName, organization, identityInfo.Country)
	if err != nil {
		return fmt.Errorf("CSR generation failed: %w", err)
	}

	// Self-signed identity anchor submitted with the enrollment request;
	// replaced by the hub-issued certificate on installation.
	certPEM, err := identity.CreateSelfSignedCertificate(keyPEM, commonName, organization, identityInfo.Country, 365*24*time.Hour)
	if err != nil {
		return fmt.Errorf("CSR generation failed: %w", err)
	}

	if err := os.MkdirAll(certsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create certs directory: %w", err)
	}
	keyPath := filepath.Join(certsDir, "spoke.key")
	csrPath := filepath.Join(certsDir, "spoke.csr")
	certPath := filepath.Join(certsDir, "spoke.crt")
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(csrPath, csrPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write CSR: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	if err := a.UpdateSpokeConfig(&ConfigPatch{
		Certificates: &SpokeCertificates{
			PrivateKeyPath:  keyPath,
			CSRPath:         csrPath,
			CertificatePath: certPath,
		},
		Federation: &SpokeFederation{Status: FederationStatusCSRGenerated},
	}); err != nil {
		return err
	}

	a.mu.Lock()
	snapshot := a.config.Clone()
	a.mu.Unlock()

	a.log.Info("CSR generated",
		slog.String("csrPath", csrPath),
		slog.String("commonName", commonName))
	a.emit(TopicCSRGenerated, snapshot)
	return nil
}

// InstallCertificate persists a hub-issued certificate, records its path in
// config and emits certificateInstalled.
func (a *Agent) InstallCertificate(certPEM []byte) error {
	if !a.initialized.Load() {
		return interfaces.ErrNotInitialized
	}

	report := identity.ValidateCertificate(certPEM, nil)
	if !report.Valid {
		return fmt.Errorf("refusing to install invalid certificate: %v", report.Errors)
	}

	certPath := filepath.Join(a.certsDir, "spoke.crt")
	if err := os.MkdirAll(a.certsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create certs directory: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	if err := a.UpdateSpokeConfig(&ConfigPatch{
		Certificates: &SpokeCertificates{CertificatePath: certPath},
	}); err != nil {
		return err
	}

	a.mu.Lock()
	snapshot := a.config.Clone()
	a.mu.Unlock()

	a.log.Info("Certificate installed", slog.String("certPath", certPath))
	a.emit(TopicCertificateInstalled, snapshot)
	return nil
}

// UpdateSpokeConfig deep-merges the patch into the in-memory config,
// persists the full config atomically and emits configUpdated. Every config
// mutation funnels through here so persistence and event emission are never
// skipped. A status change additionally emits statusChanged.
func (a *Agent) UpdateSpokeConfig(patch *ConfigPatch) error {
	if !a.initialized.Load() {
		return interfaces.ErrNotInitialized
	}

	a.mu.Lock()
	if a.config == nil {
		a.config = &SpokeConfig{
			Federation: SpokeFederation{Status: FederationStatusUnregistered},
		}
	}
	previousStatus := a.config.Federation.Status
	patch.merge(a.config)

	if err := saveConfig(a.configPath, a.config); err != nil {
		a.mu.Unlock()
		return err
	}
	snapshot := a.config.Clone()
	statusChanged := a.config.Federation.Status != previousStatus
	a.mu.Unlock()

	a.emit(TopicConfigUpdated, snapshot)
	if statusChanged {
		a.log.Info("Spoke federation status changed",
			slog.String("from", previousStatus),
			slog.String("to", snapshot.Federation.Status))
		a.emit(TopicSpokeStatusChanged, snapshot)
	}
	return nil
}

// GetSpokeConfig returns a snapshot of the current config, nil when
// unregistered or after shutdown.
func (a *Agent) GetSpokeConfig() *SpokeConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config.Clone()
}

// GetStatus derives the read-only status view from config.
func (a *Agent) GetStatus() StatusView {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.config == nil || a.config.Federation.Status == "" {
		return StatusView{Status: FederationStatusUnregistered}
	}
	view := StatusView{Status: a.config.Federation.Status}
	if view.Status != FederationStatusUnregistered {
		view.SpokeID = a.config.Identity.SpokeID
	}
	return view
}

// SetAccessToken records a hub-issued access token with its expiry and emits
// tokenReceived.
func (a *Agent) SetAccessToken(token string, expiresAt time.Time) {
	a.mu.Lock()
	a.accessToken = token
	a.tokenExpires = expiresAt
	snapshot := a.config.Clone()
	a.mu.Unlock()

	a.emit(TopicTokenReceived, snapshot)
}

// IsRegistered reports whether the spoke holds an established registration:
// the federation status must be at least approved AND a locally held access
// token must exist and still be valid. Registration state alone is not
// enough; an approved record with an expired token is treated as
// unregistered until the token is refreshed.
func (a *Agent) IsRegistered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.config == nil {
		return false
	}
	status := a.config.Federation.Status
	if status != FederationStatusApproved && status != FederationStatusExchanged {
		return false
	}
	return a.accessToken != "" && time.Now().Before(a.tokenExpires)
}

// StartStatusPolling starts the recurring hub status poll. Starting twice is
// a no-op.
func (a *Agent) StartStatusPolling() error {
	if !a.initialized.Load() {
		return interfaces.ErrNotInitialized
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pollCancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})
	go a.pollLoop(ctx, a.pollDone)

	a.log.Info("Status polling started", slog.Duration("interval", a.pollInterval))
	return nil
}

// StopStatusPolling cancels the polling loop and waits for it to exit, so no
// poll callback fires after this returns. Stopping when not started is a
// no-op.
func (a *Agent) StopStatusPolling() {
	a.mu.Lock()
	cancel := a.pollCancel
	done := a.pollDone
	a.pollCancel = nil
	a.pollDone = nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	a.log.Info("Status polling stopped")
}

// pollLoop runs poll cycles on a timer, stretching the interval with bounded
// exponential backoff while the hub is unreachable and resetting to the base
// cadence on the first success.
func (a *Agent) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(a.nextPollInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			a.pollOnce(ctx)
			timer.Reset(a.nextPollInterval())
		}
	}
}

// nextPollInterval applies the current backoff multiplier to the base
// interval, doubling per consecutive failure up to maxBackoffMultiplier.
func (a *Agent) nextPollInterval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()

	multiplier := 1
	for i := 0; i < a.failures && multiplier < maxBackoffMultiplier; i++ {
		multiplier *= 2
	}
	return a.pollInterval * time.Duration(multiplier)
}

// pollOnce runs a single poll cycle. Cycles are non-reentrant and rate
// limited: a cycle already in flight or one finished within the cooldown
// window suppresses this one.
func (a *Agent) pollOnce(ctx context.Context) {
	if !a.pollInFlight.CompareAndSwap(false, true) {
		return
	}
	defer a.pollInFlight.Store(false)

	a.mu.Lock()
	if !a.lastPoll.IsZero() && time.Since(a.lastPoll) < pollCooldown && a.failures == 0 {
		a.mu.Unlock()
		return
	}
	a.lastPoll = time.Now()
	enrollmentID := ""
	if a.config != nil {
		enrollmentID = a.config.Federation.EnrollmentID
	}
	a.mu.Unlock()

	if enrollmentID == "" {
		return
	}

	record, err := a.fetchStatus(ctx, enrollmentID)
	if err != nil {
		metrics.SpokePollFailures.Inc()
		a.mu.Lock()
		a.failures++
		failures := a.failures
		a.mu.Unlock()

		if !errors.Is(err, context.Canceled) {
			a.log.Warn("Status poll failed",
				slog.String("enrollmentId", enrollmentID),
				slog.Int("consecutiveFailures", failures),
				"err", err)
		}
		return
	}

	a.mu.Lock()
	a.failures = 0
	a.mu.Unlock()

	if err := a.UpdateSpokeConfig(&ConfigPatch{
		Federation: &SpokeFederation{Status: record.Status.String()},
	}); err != nil {
		a.log.Error("Failed to apply polled status", "err", err)
	}

	// The hub is reachable, so piggyback an audit flush on this cycle.
	if err := a.FlushAudit(ctx); err != nil {
		a.log.Warn("Audit flush failed", "err", err)
	}
}

// fetchStatus queries hub candidates in resolver priority order, failing
// over to the next replica on transport errors. A definitive answer from any
// replica ends the sweep; a 404 is authoritative, not a reason to fail over.
func (a *Agent) fetchStatus(ctx context.Context, enrollmentID string) (*interfaces.EnrollmentRecord, error) {
	var lastErr error
	for _, baseURL := range a.resolver.Resolve() {
		hub := a.hubFor(baseURL)

		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		record, err := hub.FetchStatus(callCtx, enrollmentID)
		cancel()
		if err == nil {
			a.mu.Lock()
			a.activeHub = hub
			a.mu.Unlock()
			return record, nil
		}
		if errors.Is(err, interfaces.ErrEnrollmentNotFound) || errors.Is(err, context.Canceled) {
			return nil, err
		}

		a.log.Debug("Hub candidate unreachable, trying next",
			slog.String("hubUrl", baseURL), "err", err)
		lastErr = err
	}
	return nil, lastErr
}

// hubFor returns a cached client for the candidate base URL, creating one on
// first use.
func (a *Agent) hubFor(baseURL string) *HubClient {
	a.mu.Lock()
	defer a.mu.Unlock()

	hub, ok := a.hubClients[baseURL]
	if !ok {
		hub = NewHubClient(baseURL, 10*time.Second)
		a.hubClients[baseURL] = hub
	}
	return hub
}

// currentHub returns the last hub replica that answered a status poll,
// falling back to the statically configured one.
func (a *Agent) currentHub() *HubClient {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.activeHub != nil {
		return a.activeHub
	}
	return a.hub
}

// FlushAudit drains the audit queue and delivers the events to the hub.
// Events are re-enqueued on delivery failure so nothing is lost; delivery is
// at-least-once.
func (a *Agent) FlushAudit(ctx context.Context) error {
	if !a.initialized.Load() {
		return interfaces.ErrNotInitialized
	}

	events, err := a.audit.Drain()
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	a.mu.Lock()
	instanceCode := ""
	if a.config != nil {
		instanceCode = a.config.Identity.InstanceCode
	}
	a.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.currentHub().SubmitAuditEvents(callCtx, instanceCode, events); err != nil {
		for _, event := range events {
			if reErr := a.audit.Enqueue(event); reErr != nil {
				a.log.Error("Failed to re-enqueue audit event", "err", reErr)
			}
		}
		return err
	}

	a.log.Debug("Audit events flushed", slog.Int("count", len(events)))
	return nil
}

// HeartbeatInterval returns the current heartbeat cadence: the configured
// normal interval while healthy, shortened once remaining token validity
// drops below the refresh buffer.
func (a *Agent) HeartbeatInterval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()

	interval := 60 * time.Second
	buffer := 5 * time.Minute
	if a.config != nil {
		if a.config.Operational.HeartbeatIntervalMs > 0 {
			interval = time.Duration(a.config.Operational.HeartbeatIntervalMs) * time.Millisecond
		}
		if a.config.Operational.TokenRefreshBufferMs > 0 {
			buffer = time.Duration(a.config.Operational.TokenRefreshBufferMs) * time.Millisecond
		}
	}

	if a.accessToken != "" && time.Until(a.tokenExpires) < buffer {
		return interval / criticalHeartbeatDivisor
	}
	return interval
}

// RecordAudit buffers an audit event for opportunistic delivery to the hub.
func (a *Agent) RecordAudit(action string, detail map[string]any) error {
	if !a.initialized.Load() {
		return interfaces.ErrNotInitialized
	}
	return a.audit.Enqueue(AuditEvent{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Detail:    detail,
	})
}

// Shutdown stops polling and clears the in-memory config. Subsequent
// GetSpokeConfig calls return nil; the on-disk config survives for the next
// process. Used for clean termination and test isolation.
func (a *Agent) Shutdown() {
	a.StopStatusPolling()

	a.mu.Lock()
	a.config = nil
	a.accessToken = ""
	a.tokenExpires = time.Time{}
	a.activeHub = nil
	a.mu.Unlock()

	a.initialized.Store(false)
	a.log.Info("Spoke agent shut down")
}
