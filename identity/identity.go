// Package identity manages the process's long-lived TLS identity: a
// self-signed certificate and key pair generated on first run, plus the
// certificate fingerprints that form the entire trust model. There is no
// certificate authority; peers authenticate each other by comparing
// fingerprints against configured allow-lists.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"strings"
	"time"
)

const (
	certificatePEMType = "CERTIFICATE"
	privateKeyPEMType  = "PRIVATE KEY"

	// certificateLifetime is deliberately generous: the certificate is a
	// stable identity, not a credential that expires. Fingerprint pinning
	// ignores validity periods entirely.
	certificateLifetime = 100 * 365 * 24 * time.Hour
)

// Identity is the process's key pair and self-signed certificate, loaded
// once at startup and used for every TLS handshake in both directions.
type Identity struct {
	Certificate tls.Certificate
	Fingerprint string
}

// Ensure loads the identity from the given PEM files, generating and
// persisting a fresh one on first run. The identity is never regenerated
// while files exist.
func Ensure(certPath, keyPath string) (Identity, error) {
	id, err := Load(certPath, keyPath)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Identity{}, err
	}

	if err := generate(certPath, keyPath); err != nil {
		return Identity{}, err
	}
	return Load(certPath, keyPath)
}

// Load reads an identity from PEM files.
func Load(certPath, keyPath string) (Identity, error) {
	if _, err := os.Stat(certPath); err != nil {
		return Identity{}, fmt.Errorf("stat certificate: %w", err)
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return Identity{}, fmt.Errorf("load identity keypair: %w", err)
	}
	if len(cert.Certificate) == 0 {
		return Identity{}, errors.New("load identity keypair: no certificate")
	}

	return Identity{
		Certificate: cert,
		Fingerprint: Fingerprint(cert.Certificate[0]),
	}, nil
}

func generate(certPath, keyPath string) error {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate identity key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate certificate serial: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "evkvm"
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(certificateLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, publicKey, privateKey)
	if err != nil {
		return fmt.Errorf("create identity certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return fmt.Errorf("marshal identity key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: keyDER})

	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write identity key: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("write identity certificate: %w", err)
	}

	return nil
}

// Fingerprint returns the lowercase SHA-256 hex fingerprint of a DER
// certificate. This is the sole authentication credential.
func Fingerprint(certDER []byte) string {
	sum := sha256.Sum256(certDER)
	return hex.EncodeToString(sum[:])
}

// NormalizeFingerprint strips separators and lowercases a configured
// fingerprint so operator formatting never breaks comparisons.
func NormalizeFingerprint(fingerprint string) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ':', ' ', '-':
			return -1
		}
		return r
	}, fingerprint)
	return strings.ToLower(clean)
}

// FormatFingerprint returns fingerprint text grouped in colon-separated
// pairs of uppercase hex chars for display.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(NormalizeFingerprint(fingerprint))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}

		end := i + 2
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
