// Package ptyadapter wraps a single pseudo-terminal-backed child
// process: spawning it with the right environment and working
// directory, shuttling bytes in and out, resizing the window, and
// tearing the whole process tree down deterministically. It knows
// nothing about sessions, subscribers, or the wire protocol that sits
// above it; a Session Worker owns exactly one Adapter.
package ptyadapter

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Params describes how to spawn the child shell.
type Params struct {
	Shell     string
	Worktree  string
	Env       map[string]string
	Cols      uint16
	Rows      uint16
	SetLocale bool
}

// Adapter owns a ptmx file descriptor and the *exec.Cmd started behind
// it. It is safe for concurrent Write/Resize/Kill calls; Read is meant
// to be driven by a single owning goroutine per spec.
type Adapter struct {
	ptmx *os.File
	cmd  *exec.Cmd

	mu      sync.Mutex
	closed  bool
	usePgrp bool

	done chan struct{}
}

// Start spawns the shell described by p behind a new PTY sized to
// p.Cols x p.Rows and returns an Adapter wrapping it.
func Start(p Params) (*Adapter, error) {
	shell := p.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	args := []string{shell}
	if isLoginShell(shell) {
		args = append(args, "-l")
	}

	cmd := exec.Command(args[0], args[1:]...)
	if p.Worktree != "" {
		cmd.Dir = p.Worktree
	}
	cmd.Env = buildEnv(p.Env, p.SetLocale)

	// pty.StartWithSize starts the child with Setsid, which also makes it
	// the leader of a new process group (pgid == pid), so Kill can signal
	// the whole group through -pid. Setpgid is not added on top: setpgid
	// fails with EPERM for a session leader and the spawn would fail.
	usePgrp := runtime.GOOS != "windows"

	cols, rows := p.Cols, p.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("ptyadapter: start %s: %w", shell, err)
	}

	return &Adapter{
		ptmx:    ptmx,
		cmd:     cmd,
		usePgrp: usePgrp,
		done:    make(chan struct{}),
	}, nil
}

// Read reads raw PTY output into p. It is intended to be called in a
// tight loop by the sole reader goroutine until it returns an error.
func (a *Adapter) Read(p []byte) (int, error) {
	return a.ptmx.Read(p)
}

// Write sends keystrokes/input to the child's stdin.
func (a *Adapter) Write(p []byte) (int, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	a.mu.Unlock()
	return a.ptmx.Write(p)
}

// Resize changes the PTY window size.
func (a *Adapter) Resize(cols, rows uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return io.ErrClosedPipe
	}
	return pty.Setsize(a.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Pid returns the child process's PID, or 0 if it never started.
func (a *Adapter) Pid() int {
	if a.cmd == nil || a.cmd.Process == nil {
		return 0
	}
	return a.cmd.Process.Pid
}

// Kill terminates the child and its process tree. It closes the PTY
// first so any blocked reader observes EOF, then signals the process
// group (falling back to the bare PID where groups aren't available),
// and finally reaps the process. Kill is idempotent: a second call is
// a no-op that returns nil.
func (a *Adapter) Kill() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if a.ptmx != nil {
		_ = a.ptmx.Close()
	}

	if a.cmd != nil && a.cmd.Process != nil {
		pid := a.cmd.Process.Pid
		if a.usePgrp {
			if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
				_ = a.cmd.Process.Kill()
			}
		} else {
			_ = a.cmd.Process.Kill()
		}
		_ = a.cmd.Wait()
	}

	close(a.done)
	return nil
}

// Done returns a channel closed once Kill has fully torn the process
// down. It is also closed by Wait when the shell exits on its own.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the underlying command exits on its own (the user
// typed "exit", the shell crashed, etc.) and returns its exit code. It
// does not attempt to reap a process already reaped by Kill; callers
// should treat a concurrent Kill as racing Wait and handle whichever
// returns first.
func (a *Adapter) Wait() (int, error) {
	err := a.cmd.Wait()

	a.mu.Lock()
	alreadyClosed := a.closed
	a.closed = true
	a.mu.Unlock()

	if !alreadyClosed {
		_ = a.ptmx.Close()
		close(a.done)
	}

	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}
