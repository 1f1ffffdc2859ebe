// Package worker implements the Session Worker: a child process,
// re-exec'd from the supervisor binary, that owns exactly one PTY
// adapter and speaks workerproto over a pair of pipes handed to it on
// fd 3 (inbound, Supervisor -> Worker) and fd 4 (outbound, Worker ->
// Supervisor). Running the shell in its own OS process rather than a
// goroutine means a single SIGKILL to its process group deterministically
// frees the PTY: the master fd dies with the worker, which hangs up the
// shell's terminal, with no goroutine leak or lingering fd possible on
// the supervisor side. The shell itself runs in its own session and
// process group, so that SIGKILL does not reach it directly.
package worker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/worktree-dev/ptysuperd/src/ptyadapter"
	"github.com/worktree-dev/ptysuperd/src/workerproto"
)

// InFD and OutFD are the fixed file descriptor numbers the supervisor
// wires via exec.Cmd.ExtraFiles when it spawns a worker: index 0 of
// ExtraFiles becomes fd 3, index 1 becomes fd 4.
const (
	InFD  = 3
	OutFD = 4
)

// Run is the entry point invoked by the hidden worker-exec CLI
// subcommand. It sends a Ready frame as soon as its codec is set up,
// then waits for the Start frame and spawns the PTY. It blocks until
// the PTY session ends or the supervisor tells it to terminate, then
// exits 0 having already reported the outcome over the outbound pipe.
func Run(in io.Reader, out io.Writer, log *logrus.Logger) error {
	dec := workerproto.NewDecoder(in)
	enc := workerproto.NewEncoder(out)

	if err := enc.Encode(workerproto.Frame{Type: workerproto.TypeReady}); err != nil {
		return fmt.Errorf("worker: send ready frame: %w", err)
	}

	first, err := dec.Decode()
	if err != nil {
		return fmt.Errorf("worker: read start frame: %w", err)
	}
	if first.Type != workerproto.TypeStart || first.Start == nil {
		return fmt.Errorf("worker: expected start frame, got %q", first.Type)
	}
	params := first.Start

	adapter, err := ptyadapter.Start(ptyadapter.Params{
		Shell:     params.Shell,
		Worktree:  params.Worktree,
		Env:       params.Env,
		Cols:      params.Cols,
		Rows:      params.Rows,
		SetLocale: params.SetLocale,
	})
	if err != nil {
		_ = enc.Encode(workerproto.Frame{Type: workerproto.TypeError, ErrorText: err.Error()})
		return err
	}

	w := &worker{adapter: adapter, enc: enc, log: log}

	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		w.pumpOutput()
	}()

	commandsDone := make(chan struct{})
	go func() {
		defer close(commandsDone)
		w.pumpCommands(dec)
	}()

	// Either side ending ends the session: a terminate frame or closed
	// command pipe, or the shell exiting on its own.
	select {
	case <-commandsDone:
	case <-outputDone:
	}

	_ = adapter.Kill()
	<-outputDone
	return nil
}

type worker struct {
	adapter *ptyadapter.Adapter
	enc     *workerproto.Encoder
	log     *logrus.Logger

	mu         sync.Mutex
	exitSent   bool
}

// pumpOutput copies PTY output to the outbound pipe as TypeOutput
// frames until the adapter's Read loop errors (the shell exited or
// the PTY was closed by Kill), then reports the terminal exit code.
func (w *worker) pumpOutput() {
	buf := make([]byte, 32*1024)
	for {
		n, err := w.adapter.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if encErr := w.enc.Encode(workerproto.Frame{Type: workerproto.TypeOutput, Output: chunk}); encErr != nil {
				w.logf("encode output frame: %v", encErr)
				return
			}
		}
		if err != nil {
			w.reportExit()
			return
		}
	}
}

// reportExit waits for the child to be reaped (if it hasn't already
// been by Kill) and sends a single TypeExit frame. Guarded so a racing
// Kill-triggered close and a natural shell exit report exactly once.
func (w *worker) reportExit() {
	w.mu.Lock()
	if w.exitSent {
		w.mu.Unlock()
		return
	}
	w.exitSent = true
	w.mu.Unlock()

	code, _ := w.adapter.Wait()
	_ = w.enc.Encode(workerproto.Frame{Type: workerproto.TypeExit, ExitCode: &code})
}

// pumpCommands reads Down frames from the supervisor until the pipe
// closes (supervisor died or closed it deliberately) or a terminate
// frame arrives.
func (w *worker) pumpCommands(dec *workerproto.Decoder) {
	for {
		f, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				w.logf("decode command frame: %v", err)
			}
			return
		}

		switch f.Type {
		case workerproto.TypeWrite:
			if _, err := w.adapter.Write(f.Write); err != nil {
				w.logf("write to pty: %v", err)
			}
		case workerproto.TypeResize:
			if f.Resize != nil {
				if err := w.adapter.Resize(f.Resize.Cols, f.Resize.Rows); err != nil {
					w.logf("resize pty: %v", err)
				}
			}
		case workerproto.TypeTerminate:
			return
		case workerproto.TypeDiagnosticsRequest:
			w.sendDiagnostics()
		case workerproto.TypeForegroundRequest:
			w.sendForeground()
		default:
			w.logf("unexpected frame type from supervisor: %q", f.Type)
		}
	}
}

func (w *worker) sendDiagnostics() {
	diag := probeFDs(w.adapter.Pid())
	_ = w.enc.Encode(workerproto.Frame{Type: workerproto.TypeDiagnostics, Diagnostics: &diag})
}

func (w *worker) sendForeground() {
	fg := probeForeground(w.adapter.Pid())
	_ = w.enc.Encode(workerproto.Frame{Type: workerproto.TypeForegroundReply, Foreground: &fg})
}

func (w *worker) logf(format string, args ...interface{}) {
	if w.log != nil {
		w.log.Warnf("worker: "+format, args...)
	}
}

// OpenPipes recovers the inbound and outbound pipe files this process
// was started with from fd InFD/OutFD. It is used only by the
// worker-exec subcommand, never by the supervisor itself.
func OpenPipes() (in, out *os.File, err error) {
	if runtime.GOOS == "windows" {
		return nil, nil, errors.New("worker: process-based workers are not supported on windows")
	}
	in = os.NewFile(InFD, "worker-in")
	out = os.NewFile(OutFD, "worker-out")
	if in == nil || out == nil {
		return nil, nil, errors.New("worker: missing inherited pipe file descriptors")
	}
	return in, out, nil
}
