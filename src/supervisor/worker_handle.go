package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/worktree-dev/ptysuperd/src/workerproto"
)

// WorkerExecEnv is the environment variable a re-exec'd binary checks
// to decide whether to run as the hidden worker-exec subcommand. Kept
// here (rather than only in src/cli) because the supervisor is the
// side that sets it when spawning.
const WorkerExecEnv = "PTYSUPERD_WORKER_EXEC"

// spawnWorkerFunc spawns one Session Worker as a child process, wiring
// its stdin/stdout pipes into fd 3/4 via ExtraFiles, and returns a
// handle for talking to it. It is a package var so tests can replace
// it with an in-process fake without a real self-exec.
var spawnWorkerFunc = spawnWorkerProcess

type workerHandle struct {
	cmd *exec.Cmd
	enc *workerproto.Encoder
	dec *workerproto.Decoder

	closeOnce sync.Once
	closePipes func()
}

func spawnWorkerProcess() (*workerHandle, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("supervisor: resolve own executable: %w", err)
	}

	downR, downW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: create down pipe: %w", err)
	}
	upR, upW, err := os.Pipe()
	if err != nil {
		_ = downR.Close()
		_ = downW.Close()
		return nil, fmt.Errorf("supervisor: create up pipe: %w", err)
	}

	cmd := exec.Command(self, "worker-exec")
	cmd.Env = append(os.Environ(), WorkerExecEnv+"=1")
	cmd.ExtraFiles = []*os.File{downR, upW}
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = downR.Close()
		_ = downW.Close()
		_ = upR.Close()
		_ = upW.Close()
		return nil, fmt.Errorf("supervisor: start worker process: %w", err)
	}

	// The parent's copies of the child's ends are no longer needed once
	// the child has inherited them.
	_ = downR.Close()
	_ = upW.Close()

	wh := &workerHandle{
		cmd: cmd,
		enc: workerproto.NewEncoder(downW),
		dec: workerproto.NewDecoder(upR),
		closePipes: func() {
			_ = downW.Close()
			_ = upR.Close()
		},
	}
	return wh, nil
}

func (wh *workerHandle) send(f workerproto.Frame) error {
	return wh.enc.Encode(f)
}

func (wh *workerHandle) recv() (workerproto.Frame, error) {
	return wh.dec.Decode()
}

// waitReady blocks for the worker's initial Ready frame, failing on
// timeout or any other frame type.
func (wh *workerHandle) waitReady(ctx context.Context) error {
	type result struct {
		f   workerproto.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := wh.recv()
		ch <- result{f, err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if r.f.Type != workerproto.TypeReady {
			return fmt.Errorf("supervisor: expected ready frame, got %q", r.f.Type)
		}
		return nil
	}
}

// killProcessGroup signals the worker's process group (and, falling
// back, the bare PID) with SIGKILL. It does not wait for the process
// to be reaped; callers await that separately.
func (wh *workerHandle) killProcessGroup() {
	if wh.cmd.Process == nil {
		return
	}
	pid := wh.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = wh.cmd.Process.Kill()
	}
}

// reap waits for the OS process to exit and closes the supervisor's
// ends of its pipes. Safe to call at most meaningfully once; repeat
// calls return the cached nil error via sync.Once semantics around
// pipe-closing only, Wait itself tolerates being called once.
func (wh *workerHandle) reap() {
	wh.closeOnce.Do(func() {
		_ = wh.cmd.Wait()
		wh.closePipes()
	})
}
