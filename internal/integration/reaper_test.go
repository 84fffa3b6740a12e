package integration

import (
	"context"
	"testing"
	"time"

	"github.com/artpar/phantomd/internal/session"
)

// TestReaperRemovesExitedSession spawns a session whose shell exits almost
// immediately and verifies the reaper sweeps it out of the manager.
func TestReaperRemovesExitedSession(t *testing.T) {
	m := session.NewManager(4096)

	s, err := m.Create("dev-1", "/bin/sh", 24, 80)
	if err != nil {
		t.Skipf("pty unavailable in test environment: %v", err)
	}
	if _, err := s.PTY.Write([]byte("exit\n")); err != nil {
		t.Fatalf("write exit command: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.RunReaper(ctx, 20*time.Millisecond, nil)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := m.Get(s.ID); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("reaper did not remove exited session in time")
}
