// Package tlsutil bootstraps the self-signed P-256 certificate Phantom
// presents to pairing devices, and builds the QUIC transport configuration
// that carries the ALPN tag and connection parameters the daemon requires.
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application-layer protocol negotiated over QUIC.
const ALPN = "phantom/1"

const (
	certFileName = "server.crt"
	keyFileName  = "server.key"

	certValidity = 10 * 365 * 24 * time.Hour
)

// Material bundles a loaded or freshly generated certificate with its
// SHA-256 fingerprint.
type Material struct {
	Cert        tls.Certificate
	Fingerprint string // standard base64 of the SHA-256 of the leaf certificate DER
}

// CertPath and KeyPath return the on-disk locations of the daemon's
// certificate and key within stateDir.
func CertPath(stateDir string) string { return filepath.Join(stateDir, certFileName) }
func KeyPath(stateDir string) string  { return filepath.Join(stateDir, keyFileName) }

// LoadOrGenerate loads an existing certificate/key pair from stateDir, or
// generates and persists a new self-signed P-256 certificate if none exists.
func LoadOrGenerate(stateDir string) (Material, error) {
	certPath, keyPath := CertPath(stateDir), KeyPath(stateDir)

	if _, err := os.Stat(certPath); err == nil {
		if _, err := os.Stat(keyPath); err == nil {
			return load(certPath, keyPath)
		}
	}
	return generateAndPersist(stateDir)
}

// Rotate discards any existing certificate and generates a fresh one.
func Rotate(stateDir string) (Material, error) {
	return generateAndPersist(stateDir)
}

func load(certPath, keyPath string) (Material, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return Material{}, fmt.Errorf("tlsutil: load keypair: %w", err)
	}
	fp, err := fingerprint(cert)
	if err != nil {
		return Material{}, err
	}
	return Material{Cert: cert, Fingerprint: fp}, nil
}

func generateAndPersist(stateDir string) (Material, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return Material{}, fmt.Errorf("tlsutil: mkdir %s: %w", stateDir, err)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Material{}, fmt.Errorf("tlsutil: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return Material{}, fmt.Errorf("tlsutil: generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "phantom-daemon"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return Material{}, fmt.Errorf("tlsutil: create certificate: %w", err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return Material{}, fmt.Errorf("tlsutil: marshal key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	if err := os.WriteFile(CertPath(stateDir), certPEM, 0o600); err != nil {
		return Material{}, fmt.Errorf("tlsutil: write cert: %w", err)
	}
	if err := os.WriteFile(KeyPath(stateDir), keyPEM, 0o600); err != nil {
		return Material{}, fmt.Errorf("tlsutil: write key: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return Material{}, fmt.Errorf("tlsutil: load generated keypair: %w", err)
	}
	fp, err := fingerprint(cert)
	if err != nil {
		return Material{}, err
	}
	return Material{Cert: cert, Fingerprint: fp}, nil
}

func fingerprint(cert tls.Certificate) (string, error) {
	if len(cert.Certificate) == 0 {
		return "", fmt.Errorf("tlsutil: certificate has no leaf DER")
	}
	sum := sha256.Sum256(cert.Certificate[0])
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// ServerTLSConfig builds the tls.Config presented by the QUIC listener.
func ServerTLSConfig(m Material) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{m.Cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}
}

// QUICConfig returns the transport parameters the daemon requires: a 10s
// keep-alive, a 60s idle timeout, and connection migration enabled.
func QUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  60 * time.Second,
		Allow0RTT:       false,
	}
}

// KeyingMaterialExporter is satisfied by connections capable of exporting
// a TLS-session-bound secret (the listener adapts a quic-go connection's
// TLS connection state to it).
type KeyingMaterialExporter interface {
	ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error)
}

// AuthLabel is the exporter label used to bind a challenge-response
// signature to the specific TLS session.
const AuthLabel = "phantom-auth"

// ExportKeyingMaterial derives the binding secret for the given connection.
// Callers fall back to challenge-only verification if this returns an error.
func ExportKeyingMaterial(conn KeyingMaterialExporter, length int) ([]byte, error) {
	if conn == nil {
		return nil, fmt.Errorf("tlsutil: no keying material exporter available")
	}
	return conn.ExportKeyingMaterial(AuthLabel, nil, length)
}
