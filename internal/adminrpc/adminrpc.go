// Package adminrpc implements the line-delimited JSON admin protocol over
// a Unix domain socket, adapted from the teacher's internal/daemon
// (Request/Response/RPCError, bufio line reader, stale-socket cleanup) and
// the original daemon's ipc.rs (method names, ID validation, rate limit).
package adminrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/artpar/phantomd/internal/device"
	"github.com/artpar/phantomd/internal/session"
)

const maxConnections = 5
const maxLineLength = 65536

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

func validateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("id must match %s", idPattern.String())
	}
	return nil
}

type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func ok(id string, result any) response   { return response{ID: id, Result: result} }
func errResp(id, msg string) response     { return response{ID: id, Error: msg} }

// Server exposes daemon status, session, and device operations over a Unix
// socket at <stateDir>/daemon.sock.
type Server struct {
	socketPath  string
	sessions    *session.Manager
	devices     *device.Store
	fingerprint string
	bindAddress string
	startedAt   time.Time
	log         *logrus.Entry
	requestsPS  int

	connSem chan struct{}
}

func New(stateDir string, sessions *session.Manager, devices *device.Store, fingerprint, bindAddress string, requestsPerSec int, log *logrus.Entry) *Server {
	if requestsPerSec <= 0 {
		requestsPerSec = 20
	}
	return &Server{
		socketPath:  stateDir + "/daemon.sock",
		sessions:    sessions,
		devices:     devices,
		fingerprint: fingerprint,
		bindAddress: bindAddress,
		startedAt:   time.Now(),
		log:         log,
		requestsPS:  requestsPerSec,
		connSem:     make(chan struct{}, maxConnections),
	}
}

// Run binds the socket and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("adminrpc: bind %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("adminrpc: chmod socket: %w", err)
	}
	defer os.Remove(s.socketPath)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	if s.log != nil {
		s.log.WithField("socket", s.socketPath).Info("admin IPC listening")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("adminrpc: accept: %w", err)
		}

		select {
		case s.connSem <- struct{}{}:
			go func() {
				defer func() { <-s.connSem }()
				s.handleClient(conn)
			}()
		default:
			if s.log != nil {
				s.log.Warn("admin IPC connection rejected: max connections reached")
			}
			_ = conn.Close()
		}
	}
}

func (s *Server) handleClient(conn net.Conn) {
	defer conn.Close()

	limiter := rate.NewLimiter(rate.Limit(s.requestsPS), s.requestsPS)
	reader := bufio.NewReader(conn)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		if len(line) > maxLineLength {
			s.writeResponse(conn, errResp("", "request too large"))
			continue
		}
		if !limiter.Allow() {
			s.writeResponse(conn, errResp("", "rate limit exceeded"))
			continue
		}

		var req request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.writeResponse(conn, errResp("", fmt.Sprintf("invalid JSON: %v", err)))
			continue
		}

		s.writeResponse(conn, s.dispatch(req))
	}
}

func (s *Server) writeResponse(conn net.Conn, resp response) {
	out, err := json.Marshal(resp)
	if err != nil {
		return
	}
	out = append(out, '\n')
	_, _ = conn.Write(out)
}

func (s *Server) dispatch(req request) response {
	if req.ID != "" {
		if err := validateID(req.ID); err != nil {
			return errResp("", fmt.Sprintf("invalid id: %v", err))
		}
	}
	switch req.Method {
	case "status":
		return s.handleStatus(req.ID)
	case "list_sessions":
		return s.handleListSessions(req.ID)
	case "list_devices":
		return s.handleListDevices(req.ID)
	case "create_pairing":
		return s.handleCreatePairing(req.ID)
	case "revoke_device":
		return s.handleRevokeDevice(req.ID, req.Params)
	case "destroy_session":
		return s.handleDestroySession(req.ID, req.Params)
	default:
		return errResp(req.ID, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) handleStatus(id string) response {
	connected := s.sessions.ConnectedDeviceIDs()
	devices := s.devices.List()

	type connectedDevice struct {
		DeviceID   string `json:"device_id"`
		DeviceName string `json:"device_name"`
	}
	var connectedList []connectedDevice
	for _, cid := range connected {
		for _, d := range devices {
			if d.DeviceID == cid {
				connectedList = append(connectedList, connectedDevice{DeviceID: d.DeviceID, DeviceName: d.DeviceName})
			}
		}
	}

	return ok(id, map[string]any{
		"running":            true,
		"uptime_secs":        int(time.Since(s.startedAt).Seconds()),
		"bind_address":       s.bindAddress,
		"cert_fingerprint":   s.fingerprint,
		"connected_devices":  connectedList,
	})
}

func (s *Server) handleListSessions(id string) response {
	return ok(id, s.sessions.List())
}

func (s *Server) handleListDevices(id string) response {
	connected := make(map[string]bool)
	for _, cid := range s.sessions.ConnectedDeviceIDs() {
		connected[cid] = true
	}
	devices := s.devices.List()
	type entry struct {
		DeviceID    string  `json:"device_id"`
		DeviceName  string  `json:"device_name"`
		PairedAt    string  `json:"paired_at"`
		LastSeen    *string `json:"last_seen,omitempty"`
		IsConnected bool    `json:"is_connected"`
	}
	out := make([]entry, 0, len(devices))
	for _, d := range devices {
		var lastSeen *string
		if d.LastSeen != nil {
			v := d.LastSeen.Format(time.RFC3339)
			lastSeen = &v
		}
		out = append(out, entry{
			DeviceID:    d.DeviceID,
			DeviceName:  d.DeviceName,
			PairedAt:    d.PairedAt.Format(time.RFC3339),
			LastSeen:    lastSeen,
			IsConnected: connected[d.DeviceID],
		})
	}
	return ok(id, out)
}

func (s *Server) handleCreatePairing(id string) response {
	port := parsePort(s.bindAddress)
	data, err := s.devices.GeneratePairingData(s.fingerprint, port)
	if err != nil {
		return errResp(id, err.Error())
	}
	return ok(id, data)
}

func (s *Server) handleRevokeDevice(id string, params json.RawMessage) response {
	var p struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.DeviceID == "" {
		return errResp(id, "missing device_id parameter")
	}
	if err := validateID(p.DeviceID); err != nil {
		return errResp(id, fmt.Sprintf("invalid device_id: %v", err))
	}
	if err := s.devices.Revoke(p.DeviceID); err != nil {
		return errResp(id, err.Error())
	}
	return ok(id, map[string]any{"success": true})
}

func (s *Server) handleDestroySession(id string, params json.RawMessage) response {
	var p struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
		return errResp(id, "missing session_id parameter")
	}
	if err := validateID(p.SessionID); err != nil {
		return errResp(id, fmt.Sprintf("invalid session_id: %v", err))
	}
	if err := s.sessions.Destroy(p.SessionID); err != nil {
		return errResp(id, err.Error())
	}
	return ok(id, map[string]any{"success": true})
}

func parsePort(bindAddress string) uint16 {
	_, portStr, err := net.SplitHostPort(bindAddress)
	if err != nil {
		return 4433
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return 4433
	}
	return uint16(port)
}
