// Package ptyproc wraps a spawned shell behind a pseudo-terminal, adapted
// from the teacher's internal/server PTY wrapper: creack/pty, SIGHUP
// teardown with a delayed SIGKILL fallback, and a best-effort reader-clone
// recovery path the bridge uses when a session gets its reader stolen.
package ptyproc

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// KillGracePeriod is how long after Close's SIGHUP a SIGKILL follows.
const KillGracePeriod = 2 * time.Second

// PTY manages a spawned shell behind a pseudo-terminal.
type PTY struct {
	ptmx *os.File
	cmd  *exec.Cmd

	mu     sync.Mutex
	closed bool

	exited   atomic.Bool
	waitDone chan struct{}
}

// Spawn starts shell (or $SHELL, or /bin/sh) behind a new PTY sized
// rows x cols.
func Spawn(shell string, rows, cols uint16) (*PTY, error) {
	if shell == "" {
		shell = os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
	}

	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("ptyproc: start %s: %w", shell, err)
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		_ = ptmx.Close()
		return nil, fmt.Errorf("ptyproc: set initial size: %w", err)
	}

	p := &PTY{ptmx: ptmx, cmd: cmd, waitDone: make(chan struct{})}

	// cmd.Wait() must be called exactly once to reap the child; without it
	// an exited shell stays a zombie and kill(pid, 0) keeps succeeding, so
	// Alive() would never observe the exit. This goroutine is the sole
	// caller of cmd.Wait(); Wait() below blocks on its completion instead
	// of calling it again.
	go func() {
		_ = cmd.Wait()
		p.exited.Store(true)
		close(p.waitDone)
	}()

	return p, nil
}

// Read reads shell output.
func (p *PTY) Read(buf []byte) (int, error) {
	return p.ptmx.Read(buf)
}

// Write sends input to the shell.
func (p *PTY) Write(data []byte) (int, error) {
	return p.ptmx.Write(data)
}

// CloneReader duplicates the underlying PTY file descriptor so a new
// reader goroutine can take over after a session becomes detached. Used
// when the session's stored reader was taken by a prior bridge attachment
// and that bridge has since exited.
func (p *PTY) CloneReader() (*os.File, error) {
	fd := syscallDup(int(p.ptmx.Fd()))
	if fd < 0 {
		return nil, fmt.Errorf("ptyproc: dup pty fd: failed")
	}
	return os.NewFile(uintptr(fd), p.ptmx.Name()), nil
}

// Resize changes the PTY's window size.
func (p *PTY) Resize(rows, cols uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("ptyproc: resize on closed pty")
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// PID returns the shell process's PID.
func (p *PTY) PID() int {
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

// Alive reports whether the shell process is still running. It consults the
// result of the background cmd.Wait() call rather than signal 0, because an
// exited-but-unreaped child still answers kill(pid, 0) successfully until
// something calls Wait on it.
func (p *PTY) Alive() bool {
	if p.PID() <= 0 {
		return false
	}
	return !p.exited.Load()
}

// Close sends SIGHUP to the shell's process group, starts a goroutine that
// SIGKILLs the group after KillGracePeriod if the shell is still alive, and
// closes the PTY file descriptor without waiting for that goroutine.
func (p *PTY) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if pid := p.PID(); pid > 0 {
		_ = syscall.Kill(-pid, syscall.SIGHUP)
		go func(pid int) {
			time.Sleep(KillGracePeriod)
			if p.Alive() {
				_ = syscall.Kill(-pid, syscall.SIGKILL)
			}
		}(pid)
	}

	return p.ptmx.Close()
}

// Wait blocks until the shell process exits. It never calls cmd.Wait()
// itself (that happens exactly once, in the goroutine started by Spawn);
// it only waits for that call to complete.
func (p *PTY) Wait() error {
	if p.waitDone == nil {
		return nil
	}
	<-p.waitDone
	return nil
}
