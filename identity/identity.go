// Package identity provides the pure cryptographic utilities underpinning
// instance trust: certificate fingerprints, enrollment signature
// verification, and certificate validation. It is stateless apart from the
// local fingerprint cache and performs no I/O beyond reading configured
// certificate files.
package identity

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dive-coalition/federation-enrollment-backend/interfaces"
)

// FingerprintPrefix tags fingerprints with the digest algorithm used.
const FingerprintPrefix = "SHA256:"

// CalculateFingerprint computes the SHA-256 digest over the certificate's
// DER encoding and renders it as colon-separated uppercase hex with the
// "SHA256:" prefix. Pure function, no side effects.
func CalculateFingerprint(certPEM []byte) (string, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return "", errors.New("failed to decode certificate PEM block")
	}

	sum := sha256.Sum256(block.Bytes)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return FingerprintPrefix + strings.Join(parts, ":"), nil
}

// LocalIdentity resolves and caches the local instance's own certificate
// fingerprints, keyed by alias. Certificate files are read once per alias.
type LocalIdentity struct {
	mu        sync.Mutex
	certPaths map[string]string
	cache     map[string]string
}

// NewLocalIdentity creates a LocalIdentity over a map of alias to
// certificate file path.
func NewLocalIdentity(certPaths map[string]string) *LocalIdentity {
	return &LocalIdentity{
		certPaths: certPaths,
		cache:     make(map[string]string),
	}
}

// GetFingerprint returns the fingerprint of the certificate registered under
// alias, computing and caching it on first use.
func (l *LocalIdentity) GetFingerprint(alias string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if fp, ok := l.cache[alias]; ok {
		return fp, nil
	}

	path, ok := l.certPaths[alias]
	if !ok {
		return "", fmt.Errorf("no certificate registered for alias %q", alias)
	}

	certPEM, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read certificate %s: %w", path, err)
	}

	fp, err := CalculateFingerprint(certPEM)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint certificate %s: %w", path, err)
	}

	l.cache[alias] = fp
	return fp, nil
}

// EnrollmentSigningPayload builds the canonical byte string a requester signs
// when submitting an enrollment. Both sides must derive the identical payload,
// so the encoding is a fixed field order joined by newlines.
func EnrollmentSigningPayload(requester, approver interfaces.InstanceCode, challengeNonce, oidcDiscoveryURL string) []byte {
	return []byte(strings.Join([]string{
		requester.String(),
		approver.String(),
		challengeNonce,
		oidcDiscoveryURL,
	}, "\n"))
}

// VerifyEnrollmentSignature verifies that signature (base64, over the
// canonical payload) was produced by the private key matching the public key
// in requesterCertPEM. It rejects malformed PEM, signature/payload
// mismatches, and certificates outside their validity window.
func VerifyEnrollmentSignature(payload []byte, signature string, requesterCertPEM []byte) error {
	block, _ := pem.Decode(requesterCertPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return errors.New("failed to decode certificate PEM block")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}

	now := time.Now()
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("certificate not yet valid (notBefore %s)", cert.NotBefore.Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("certificate expired (notAfter %s)", cert.NotAfter.Format(time.RFC3339))
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}

	digest := sha256.Sum256(payload)

	switch pub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest[:], sig) {
			return errors.New("signature does not match payload")
		}
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
			return errors.New("signature does not match payload")
		}
	default:
		return fmt.Errorf("unsupported public key type %T", cert.PublicKey)
	}

	return nil
}

// SignEnrollmentPayload signs the canonical payload with a PEM-encoded
// private key and returns the base64 signature. Used by the spoke agent when
// submitting its enrollment request.
func SignEnrollmentPayload(keyPEM, payload []byte) (string, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return "", errors.New("failed to decode private key PEM block")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse private key: %w", err)
	}

	digest := sha256.Sum256(payload)

	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		sig, err := ecdsa.SignASN1(rand.Reader, k, digest[:])
		if err != nil {
			return "", fmt.Errorf("failed to sign payload: %w", err)
		}
		return base64.StdEncoding.EncodeToString(sig), nil
	case *rsa.PrivateKey:
		sig, err := rsa.SignPKCS1v15(nil, k, crypto.SHA256, digest[:])
		if err != nil {
			return "", fmt.Errorf("failed to sign payload: %w", err)
		}
		return base64.StdEncoding.EncodeToString(sig), nil
	default:
		return "", fmt.Errorf("unsupported private key type %T", key)
	}
}

// ValidateCertificate checks a certificate's expiry window, key usage, and,
// when a CA bundle is provided, its chain of trust. It is non-fatal by
// design: findings accumulate into a structured report so callers decide
// fail-open or fail-closed policy.
func ValidateCertificate(certPEM []byte, caBundlePEM []byte) interfaces.CertificateReport {
	report := interfaces.CertificateReport{Valid: true}

	fail := func(msg string) {
		report.Valid = false
		report.Errors = append(report.Errors, msg)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		fail("failed to decode certificate PEM block")
		return report
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		fail(fmt.Sprintf("failed to parse certificate: %v", err))
		return report
	}

	now := time.Now()
	if now.Before(cert.NotBefore) {
		fail(fmt.Sprintf("certificate not yet valid (notBefore %s)", cert.NotBefore.Format(time.RFC3339)))
	}
	if now.After(cert.NotAfter) {
		fail(fmt.Sprintf("certificate expired (notAfter %s)", cert.NotAfter.Format(time.RFC3339)))
	}

	if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		fail("certificate does not permit digital signatures")
	}

	if len(bytes.TrimSpace(caBundlePEM)) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBundlePEM) {
			fail("failed to parse CA bundle")
		} else {
			opts := x509.VerifyOptions{Roots: pool, CurrentTime: now}
			if _, err := cert.Verify(opts); err != nil {
				fail(fmt.Sprintf("chain of trust verification failed: %v", err))
			}
		}
	}

	return report
}
