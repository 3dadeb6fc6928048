// Package spoke implements the registration agent that drives the enrollment
// protocol from the dependent side: CSR generation, request submission,
// status polling against the hub, and the local credential mirror. The agent
// owns a single SpokeConfig persisted as a JSON file; all config mutation
// funnels through one entry point so persistence and event emission are
// never skipped.
package spoke

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Local federation status values tracked in SpokeConfig. These mirror the
// hub-side enrollment status from the spoke's perspective, with two extra
// pre-submission states only the spoke knows about.
const (
	FederationStatusUnregistered = "unregistered"
	FederationStatusCSRGenerated = "csr_generated"
	FederationStatusPending      = "pending_verification"
	FederationStatusVerified     = "fingerprint_verified"
	FederationStatusApproved     = "approved"
	FederationStatusExchanged    = "credentials_exchanged"
	FederationStatusRejected     = "rejected"
	FederationStatusSuspended    = "suspended"
	FederationStatusRevoked      = "revoked"
)

// SpokeIdentity is the hub-assigned identity of this spoke. Immutable once
// assigned.
type SpokeIdentity struct {
	SpokeID          string `json:"spokeId,omitempty"`
	InstanceCode     string `json:"instanceCode,omitempty"`
	Name             string `json:"name,omitempty"`
	Country          string `json:"country,omitempty"`
	OrganizationType string `json:"organizationType,omitempty"`
	ContactEmail     string `json:"contactEmail,omitempty"`
}

// SpokeEndpoints holds the hub and local service addresses.
type SpokeEndpoints struct {
	HubURL     string `json:"hubUrl,omitempty"`
	HubAPIURL  string `json:"hubApiUrl,omitempty"`
	HubOpalURL string `json:"hubOpalUrl,omitempty"`
	BaseURL    string `json:"baseUrl,omitempty"`
	APIURL     string `json:"apiUrl,omitempty"`
	IdPURL     string `json:"idpUrl,omitempty"`
}

// SpokeCertificates holds filesystem references to key material, never the
// material itself.
type SpokeCertificates struct {
	CertificatePath string `json:"certificatePath,omitempty"`
	PrivateKeyPath  string `json:"privateKeyPath,omitempty"`
	CSRPath         string `json:"csrPath,omitempty"`
	CABundlePath    string `json:"caBundlePath,omitempty"`
}

// SpokeFederation mirrors the spoke's view of its enrollment.
type SpokeFederation struct {
	Status          string   `json:"status,omitempty"`
	EnrollmentID    string   `json:"enrollmentId,omitempty"`
	RequestedScopes []string `json:"requestedScopes,omitempty"`
}

// SpokeOperational carries the resilience tuning knobs of the agent.
type SpokeOperational struct {
	HeartbeatIntervalMs  int    `json:"heartbeatIntervalMs,omitempty"`
	TokenRefreshBufferMs int    `json:"tokenRefreshBufferMs,omitempty"`
	OfflineGracePeriodMs int    `json:"offlineGracePeriodMs,omitempty"`
	PolicyCachePath      string `json:"policyCachePath,omitempty"`
	AuditQueuePath       string `json:"auditQueuePath,omitempty"`
	MaxAuditQueueSize    int    `json:"maxAuditQueueSize,omitempty"`
	AuditFlushIntervalMs int    `json:"auditFlushIntervalMs,omitempty"`
}

// SpokeConfig is the spoke process's durable state, one JSON document on
// disk. Every mutation rewrites the whole file atomically.
type SpokeConfig struct {
	Identity     SpokeIdentity     `json:"identity"`
	Endpoints    SpokeEndpoints    `json:"endpoints"`
	Certificates SpokeCertificates `json:"certificates"`
	Federation   SpokeFederation   `json:"federation"`
	Operational  SpokeOperational  `json:"operational"`
}

// Clone returns a deep copy.
func (c *SpokeConfig) Clone() *SpokeConfig {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Federation.RequestedScopes = append([]string(nil), c.Federation.RequestedScopes...)
	return &cp
}

// ConfigPatch is a partial SpokeConfig for deep-merge updates. Nil sections
// are left untouched; within a present section, only non-zero fields apply.
type ConfigPatch struct {
	Identity     *SpokeIdentity     `json:"identity,omitempty"`
	Endpoints    *SpokeEndpoints    `json:"endpoints,omitempty"`
	Certificates *SpokeCertificates `json:"certificates,omitempty"`
	Federation   *SpokeFederation   `json:"federation,omitempty"`
	Operational  *SpokeOperational  `json:"operational,omitempty"`
}

// merge applies the patch onto config, field by field, skipping zero values
// so partial updates never blank out existing state.
func (p *ConfigPatch) merge(config *SpokeConfig) {
	if p.Identity != nil {
		mergeStrings(map[*string]string{
			&config.Identity.SpokeID:          p.Identity.SpokeID,
			&config.Identity.InstanceCode:     p.Identity.InstanceCode,
			&config.Identity.Name:             p.Identity.Name,
			&config.Identity.Country:          p.Identity.Country,
			&config.Identity.OrganizationType: p.Identity.OrganizationType,
			&config.Identity.ContactEmail:     p.Identity.ContactEmail,
		})
	}
	if p.Endpoints != nil {
		mergeStrings(map[*string]string{
			&config.Endpoints.HubURL:     p.Endpoints.HubURL,
			&config.Endpoints.HubAPIURL:  p.Endpoints.HubAPIURL,
			&config.Endpoints.HubOpalURL: p.Endpoints.HubOpalURL,
			&config.Endpoints.BaseURL:    p.Endpoints.BaseURL,
			&config.Endpoints.APIURL:     p.Endpoints.APIURL,
			&config.Endpoints.IdPURL:     p.Endpoints.IdPURL,
		})
	}
	if p.Certificates != nil {
		mergeStrings(map[*string]string{
			&config.Certificates.CertificatePath: p.Certificates.CertificatePath,
			&config.Certificates.PrivateKeyPath:  p.Certificates.PrivateKeyPath,
			&config.Certificates.CSRPath:         p.Certificates.CSRPath,
			&config.Certificates.CABundlePath:    p.Certificates.CABundlePath,
		})
	}
	if p.Federation != nil {
		mergeStrings(map[*string]string{
			&config.Federation.Status:       p.Federation.Status,
			&config.Federation.EnrollmentID: p.Federation.EnrollmentID,
		})
		if p.Federation.RequestedScopes != nil {
			config.Federation.RequestedScopes = append([]string(nil), p.Federation.RequestedScopes...)
		}
	}
	if p.Operational != nil {
		mergeInts(map[*int]int{
			&config.Operational.HeartbeatIntervalMs:  p.Operational.HeartbeatIntervalMs,
			&config.Operational.TokenRefreshBufferMs: p.Operational.TokenRefreshBufferMs,
			&config.Operational.OfflineGracePeriodMs: p.Operational.OfflineGracePeriodMs,
			&config.Operational.MaxAuditQueueSize:    p.Operational.MaxAuditQueueSize,
			&config.Operational.AuditFlushIntervalMs: p.Operational.AuditFlushIntervalMs,
		})
		mergeStrings(map[*string]string{
			&config.Operational.PolicyCachePath: p.Operational.PolicyCachePath,
			&config.Operational.AuditQueuePath:  p.Operational.AuditQueuePath,
		})
	}
}

func mergeStrings(fields map[*string]string) {
	for dst, src := range fields {
		if src != "" {
			*dst = src
		}
	}
}

func mergeInts(fields map[*int]int) {
	for dst, src := range fields {
		if src != 0 {
			*dst = src
		}
	}
}

// loadConfig reads the on-disk config, returning nil when none exists yet.
func loadConfig(path string) (*SpokeConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read spoke config: %w", err)
	}

	var config SpokeConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse spoke config: %w", err)
	}
	return &config, nil
}

// saveConfig rewrites the full config atomically via temp-file-then-rename,
// so a crash mid-write never leaves a corrupt config behind.
func saveConfig(path string, config *SpokeConfig) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode spoke config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".spoke-config-*")
	if err != nil {
		return fmt.Errorf("failed to write spoke config: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write spoke config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write spoke config: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to persist spoke config: %w", err)
	}
	return nil
}
