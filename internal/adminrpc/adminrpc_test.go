package adminrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/artpar/phantomd/internal/device"
	"github.com/artpar/phantomd/internal/session"
)

func startTestServer(t *testing.T) (string, func()) {
	t.Helper()
	dir := t.TempDir()
	devices, err := device.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	sessions := session.NewManager(4096)
	s := New(dir, sessions, devices, "deadbeef", "[::]:4433", 20, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	// Give the listener a moment to bind.
	time.Sleep(50 * time.Millisecond)

	return s.socketPath, func() { cancel() }
}

func call(t *testing.T, socketPath string, req request) response {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		t.Fatal(err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	var resp response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestStatus(t *testing.T) {
	socketPath, stop := startTestServer(t)
	defer stop()

	resp := call(t, socketPath, request{ID: "1", Method: "status"})
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	socketPath, stop := startTestServer(t)
	defer stop()

	resp := call(t, socketPath, request{ID: "1", Method: "bogus"})
	if resp.Error == "" {
		t.Fatal("expected error for unknown method")
	}
}

func TestRevokeDeviceValidatesID(t *testing.T) {
	socketPath, stop := startTestServer(t)
	defer stop()

	params, _ := json.Marshal(map[string]string{"device_id": "has a space"})
	resp := call(t, socketPath, request{ID: "1", Method: "revoke_device", Params: params})
	if resp.Error == "" {
		t.Fatal("expected validation error for malformed device_id")
	}
}

func TestCreatePairing(t *testing.T) {
	socketPath, stop := startTestServer(t)
	defer stop()

	resp := call(t, socketPath, request{ID: "1", Method: "create_pairing"})
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
}
