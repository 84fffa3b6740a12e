// Package auth implements Phantom's two authentication flows over the
// control stream: first-time pairing and challenge-response for already
// paired devices.
package auth

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/artpar/phantomd/internal/device"
	"github.com/artpar/phantomd/internal/tlsutil"
)

const (
	challengeSize   = 32
	maxDeviceIDLen  = 128
	exportKeyLength = 32
)

// ControlStream is the minimal read/write surface auth needs on the first
// bidirectional stream of a connection.
type ControlStream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

type authRequest struct {
	Type         string `json:"type"`
	RequestID    string `json:"request_id"`
	DeviceID     string `json:"device_id"`
	PairingToken string `json:"pairing_token,omitempty"`
	PublicKey    string `json:"public_key,omitempty"`
	DeviceName   string `json:"device_name,omitempty"`
}

type authChallenge struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Challenge string `json:"challenge"`
}

type challengeResponse struct {
	RequestID string `json:"request_id"`
	DeviceID  string `json:"device_id"`
	Signature string `json:"signature"`
}

type authResult struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// Authenticator runs the pairing / challenge-response flow against the
// device store.
type Authenticator struct {
	devices *device.Store
}

func New(devices *device.Store) *Authenticator {
	return &Authenticator{devices: devices}
}

// HandleAuth reads the auth_request off stream, drives whichever flow
// applies, and returns the authenticated device ID.
func (a *Authenticator) HandleAuth(stream ControlStream, exporter tlsutil.KeyingMaterialExporter) (string, error) {
	reqBytes, err := readControlMessage(stream)
	if err != nil {
		return "", fmt.Errorf("auth: read auth_request: %w", err)
	}
	var req authRequest
	if err := json.Unmarshal(reqBytes, &req); err != nil {
		return "", fmt.Errorf("auth: parse auth_request: %w", err)
	}
	if req.DeviceID == "" || len(req.DeviceID) > maxDeviceIDLen {
		return "", fmt.Errorf("auth: device_id must be 1-%d characters", maxDeviceIDLen)
	}

	if req.PairingToken != "" && req.PublicKey != "" && req.DeviceName != "" {
		return a.handlePairing(stream, req)
	}
	return a.handleChallengeResponse(stream, req, exporter)
}

func (a *Authenticator) handlePairing(stream ControlStream, req authRequest) (string, error) {
	ok, err := a.devices.ValidatePairingToken(req.PairingToken)
	if err != nil {
		return "", fmt.Errorf("auth: validate pairing token: %w", err)
	}
	if !ok {
		writeResult(stream, authResult{Type: "auth_response", RequestID: req.RequestID, Success: false, Error: "invalid or expired pairing token"})
		return "", fmt.Errorf("auth: invalid or expired pairing token")
	}
	if err := a.devices.AddDevice(req.DeviceID, req.PublicKey, req.DeviceName); err != nil {
		writeResult(stream, authResult{Type: "auth_response", RequestID: req.RequestID, Success: false, Error: "failed to register device"})
		return "", fmt.Errorf("auth: add device: %w", err)
	}
	writeResult(stream, authResult{Type: "auth_response", RequestID: req.RequestID, Success: true})
	return req.DeviceID, nil
}

func (a *Authenticator) handleChallengeResponse(stream ControlStream, req authRequest, exporter tlsutil.KeyingMaterialExporter) (string, error) {
	pubKeyB64, err := a.devices.PublicKey(req.DeviceID)
	if err != nil {
		writeResult(stream, authResult{Type: "auth_response", RequestID: req.RequestID, Success: false, Error: "device not paired"})
		return "", fmt.Errorf("auth: %w", err)
	}

	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("auth: generate challenge: %w", err)
	}
	challengeB64 := base64.StdEncoding.EncodeToString(challenge)

	if err := writeJSON(stream, authChallenge{Type: "auth_challenge", RequestID: req.RequestID, Challenge: challengeB64}); err != nil {
		return "", fmt.Errorf("auth: send challenge: %w", err)
	}

	respBytes, err := readControlMessage(stream)
	if err != nil {
		return "", fmt.Errorf("auth: read challenge response: %w", err)
	}
	var resp challengeResponse
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return "", fmt.Errorf("auth: parse challenge response: %w", err)
	}

	success := false
	if exported, exportErr := tlsutil.ExportKeyingMaterial(exporter, exportKeyLength); exportErr == nil {
		boundMessage := append(append([]byte{}, challenge...), exported...)
		success = verifyP256Signature(pubKeyB64, boundMessage, resp.Signature)
	}
	if !success {
		// Legacy fallback: verify against the challenge alone.
		success = verifyP256Signature(pubKeyB64, challenge, resp.Signature)
	}

	a.devices.RecordAuth(req.DeviceID, success)

	if !success {
		writeResult(stream, authResult{Type: "auth_response", RequestID: req.RequestID, Success: false, Error: "signature verification failed"})
		return "", fmt.Errorf("auth: signature verification failed for device %s", req.DeviceID)
	}

	writeResult(stream, authResult{Type: "auth_response", RequestID: req.RequestID, Success: true})
	return req.DeviceID, nil
}

// verifyP256Signature verifies a DER-encoded ECDSA-P256 signature, the
// format iOS CryptoKit produces, against message using the base64 SEC1
// public key stored at pairing time.
func verifyP256Signature(pubKeyB64 string, message []byte, signatureB64 string) bool {
	rawKey, err := base64.StdEncoding.DecodeString(pubKeyB64)
	if err != nil {
		return false
	}
	pub, err := parseSEC1PublicKey(rawKey)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	digest := sha256Sum(message)
	return ecdsa.VerifyASN1(pub, digest, sig)
}

func writeResult(stream ControlStream, res authResult) {
	_ = writeJSON(stream, res)
}

func writeJSON(stream ControlStream, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeControlMessage(stream, payload)
}

// parseSEC1PublicKey parses an uncompressed SEC1 P-256 public key, falling
// back to PKIX/X.509 parsing for keys stored in that form.
func parseSEC1PublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	if pub, err := x509.ParsePKIXPublicKey(raw); err == nil {
		if ecPub, ok := pub.(*ecdsa.PublicKey); ok {
			return ecPub, nil
		}
	}
	return unmarshalSEC1(raw)
}
