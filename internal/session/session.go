// Package session implements the Session type and the Manager registry
// that owns every live PTY session, grounded on the original daemon's
// PtySession/SessionManager and the teacher's ManagedSession/SessionManager.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/artpar/phantomd/internal/ptyproc"
	"github.com/artpar/phantomd/internal/scrollback"
)

// Info is the read-only snapshot returned by List.
type Info struct {
	ID                string
	Alive             bool
	CreatedAt         time.Time
	Shell             string
	Attached          bool
	CreatedByDeviceID string
	LastAttachedAt    *time.Time
	LastAttachedBy    string
	LastActivityAt    time.Time
}

// Session is one PTY-backed terminal, possibly currently attached to a
// bridge.
type Session struct {
	ID                string
	Shell             string
	CreatedAt         time.Time
	CreatedByDeviceID string

	PTY        *ptyproc.PTY
	Scrollback *scrollback.Buffer

	mu             sync.Mutex
	reader         io.Reader
	writer         io.Writer
	attached       bool
	damaged        bool
	lastAttachedAt *time.Time
	lastAttachedBy string
	lastActivityAt time.Time
	cancelBridge   context.CancelFunc
}

// newID generates an 8-byte random hex identifier, matching the original
// daemon's uuid_short helper.
func newID() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// Attached reports whether a bridge currently owns this session's reader.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// Damaged reports whether the session lost its reader irrecoverably.
func (s *Session) Damaged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.damaged
}

// TakeReader hands the session's PTY reader to a new bridge attachment. It
// fails if the session is already attached (the at-most-one-bridge
// invariant) or has no reader to give (damaged).
func (s *Session) TakeReader() (io.Reader, io.Writer, context.Context, context.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attached {
		return nil, nil, nil, nil, fmt.Errorf("session: %s already attached", s.ID)
	}
	if s.reader == nil {
		return nil, nil, nil, nil, fmt.Errorf("session: %s has no available reader (damaged)", s.ID)
	}

	reader := s.reader
	s.reader = nil
	s.attached = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelBridge = cancel
	return reader, s.writer, ctx, cancel, nil
}

// ReleaseReader is called when a bridge attachment ends, for any reason. It
// clears the attached flag and attempts to restore a fresh reader via
// CloneReader; if that fails the session is marked damaged.
func (s *Session) ReleaseReader() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attached = false
	s.cancelBridge = nil

	if s.reader != nil {
		return
	}
	newReader, err := s.PTY.CloneReader()
	if err != nil {
		s.damaged = true
		return
	}
	s.reader = newReader
}

// MarkAttach records that deviceID has (re)attached to this session,
// refreshing its last-attached and last-activity bookkeeping.
func (s *Session) MarkAttach(deviceID string) {
	s.markAttach(deviceID)
}

func (s *Session) markAttach(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.lastAttachedAt = &now
	s.lastAttachedBy = deviceID
	s.lastActivityAt = now
}

// TouchActivity records that data flowed through the bridge just now. It
// uses a non-blocking attempt so a busy bridge never stalls on bookkeeping.
func (s *Session) TouchActivity() {
	if s.mu.TryLock() {
		s.lastActivityAt = time.Now()
		s.mu.Unlock()
	}
}

func (s *Session) snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:                s.ID,
		Alive:             s.PTY.Alive() && !s.damaged,
		CreatedAt:         s.CreatedAt,
		Shell:             s.Shell,
		Attached:          s.attached,
		CreatedByDeviceID: s.CreatedByDeviceID,
		LastAttachedAt:    s.lastAttachedAt,
		LastAttachedBy:    s.lastAttachedBy,
		LastActivityAt:    s.lastActivityAt,
	}
}

// Manager owns every live session and the set of device connections
// currently registered against this daemon.
type Manager struct {
	mu                 sync.Mutex
	sessions           map[string]*Session
	connections        map[string]Connection
	scrollbackCapacity int
}

// Connection is the minimal surface Manager needs to evict a device's
// prior connection when a new one authenticates.
type Connection interface {
	CloseWithError(code uint64, reason string) error
}

func NewManager(scrollbackCapacity int) *Manager {
	return &Manager{
		sessions:           make(map[string]*Session),
		connections:        make(map[string]Connection),
		scrollbackCapacity: scrollbackCapacity,
	}
}

// Create spawns a new PTY-backed session.
func (m *Manager) Create(deviceID, shell string, rows, cols uint16) (*Session, error) {
	id, err := newID()
	if err != nil {
		return nil, fmt.Errorf("session: generate id: %w", err)
	}

	p, err := ptyproc.Spawn(shell, rows, cols)
	if err != nil {
		return nil, fmt.Errorf("session: spawn pty: %w", err)
	}

	now := time.Now()
	s := &Session{
		ID:                id,
		Shell:             shell,
		CreatedAt:         now,
		CreatedByDeviceID: deviceID,
		PTY:               p,
		Scrollback:        scrollback.New(m.scrollbackCapacity),
		reader:            p,
		writer:            p,
		lastActivityAt:    now,
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	return s, nil
}

// Get looks up a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session: %s not found", id)
	}
	return s, nil
}

// List returns a snapshot of every session.
func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// Destroy removes a session, cancels its bridge if attached, and tears
// down its PTY.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("session: %s not found", id)
	}

	s.mu.Lock()
	if s.cancelBridge != nil {
		s.cancelBridge()
	}
	s.mu.Unlock()

	return s.PTY.Close()
}

// RegisterConnection associates deviceID with its current connection,
// evicting (closing) any prior connection for the same device.
func (m *Manager) RegisterConnection(deviceID string, conn Connection) {
	m.mu.Lock()
	old, hadOld := m.connections[deviceID]
	m.connections[deviceID] = conn
	m.mu.Unlock()

	if hadOld {
		_ = old.CloseWithError(0, "replaced")
	}
}

// UnregisterConnection removes deviceID's connection if it still matches
// conn (avoids racing with a connection that already replaced it).
func (m *Manager) UnregisterConnection(deviceID string, conn Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.connections[deviceID]; ok && cur == conn {
		delete(m.connections, deviceID)
	}
}

// ConnectedDeviceIDs returns every device ID with a live connection.
func (m *Manager) ConnectedDeviceIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.connections))
	for id := range m.connections {
		out = append(out, id)
	}
	return out
}
