package session

import (
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(4096)
}

func TestCreateGetList(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create("dev-1", "/bin/sh", 24, 80)
	if err != nil {
		t.Skipf("pty unavailable in test environment: %v", err)
	}
	defer m.Destroy(s.ID)

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != s.ID {
		t.Fatal("id mismatch")
	}

	list := m.List()
	if len(list) != 1 || list[0].ID != s.ID {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestSecondAttachRejected(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create("dev-1", "/bin/sh", 24, 80)
	if err != nil {
		t.Skipf("pty unavailable in test environment: %v", err)
	}
	defer m.Destroy(s.ID)

	_, _, _, cancel1, err := s.TakeReader()
	if err != nil {
		t.Fatal(err)
	}
	defer cancel1()

	_, _, _, _, err = s.TakeReader()
	if err == nil {
		t.Fatal("expected second TakeReader to be rejected")
	}
}

func TestReleaseReaderRestoresAttachability(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create("dev-1", "/bin/sh", 24, 80)
	if err != nil {
		t.Skipf("pty unavailable in test environment: %v", err)
	}
	defer m.Destroy(s.ID)

	_, _, _, cancel, err := s.TakeReader()
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	s.ReleaseReader()

	if s.Attached() {
		t.Fatal("expected session to be detached after release")
	}
	if s.Damaged() {
		t.Fatal("expected clone-reader recovery to succeed, not mark damaged")
	}

	_, _, _, cancel2, err := s.TakeReader()
	if err != nil {
		t.Fatalf("expected re-attach to succeed: %v", err)
	}
	cancel2()
}

func TestDestroyRemovesFromManager(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create("dev-1", "/bin/sh", 24, 80)
	if err != nil {
		t.Skipf("pty unavailable in test environment: %v", err)
	}

	if err := m.Destroy(s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(s.ID); err == nil {
		t.Fatal("expected session to be gone after destroy")
	}
}

type fakeConn struct {
	closed bool
}

func (f *fakeConn) CloseWithError(code uint64, reason string) error {
	f.closed = true
	return nil
}

func TestRegisterConnectionEvictsPrior(t *testing.T) {
	m := newTestManager(t)
	first := &fakeConn{}
	second := &fakeConn{}

	m.RegisterConnection("dev-1", first)
	m.RegisterConnection("dev-1", second)

	if !first.closed {
		t.Fatal("expected prior connection to be closed on replacement")
	}
	if second.closed {
		t.Fatal("did not expect the new connection to be closed")
	}

	ids := m.ConnectedDeviceIDs()
	if len(ids) != 1 || ids[0] != "dev-1" {
		t.Fatalf("unexpected connected ids: %v", ids)
	}
}

func TestReaperRemovesDeadSessions(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create("dev-1", "/bin/sh", 24, 80)
	if err != nil {
		t.Skipf("pty unavailable in test environment: %v", err)
	}

	_ = s.PTY.Close()
	// Give the shell a moment to actually exit after SIGHUP.
	time.Sleep(100 * time.Millisecond)

	m.sweep(nil)

	if _, err := m.Get(s.ID); err == nil {
		t.Fatal("expected reaper to have removed the dead session")
	}
}
