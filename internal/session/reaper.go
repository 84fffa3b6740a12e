package session

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// RunReaper periodically sweeps for sessions whose shell has exited or
// whose reader was lost and marked damaged, removing them, until ctx is
// cancelled. Mirrors the original daemon's 5s run_reaper sweep.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration, log *logrus.Entry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(log)
		}
	}
}

func (m *Manager) sweep(log *logrus.Entry) {
	m.mu.Lock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.Unlock()

	for _, s := range candidates {
		if s.PTY.Alive() && !s.Damaged() {
			continue
		}
		if log != nil {
			log.WithField("session_id", s.ID).Info("reaping exited or damaged session")
		}
		_ = m.Destroy(s.ID)
	}
}
