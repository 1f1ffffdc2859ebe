// Package workerproto defines the small, closed message set exchanged
// between the Session Supervisor and a Session Worker over a pair of
// pipes, and the framed codec used to move it. It deliberately avoids
// a general-purpose RPC framework: the message set is tiny and bounded,
// so a hand-rolled tagged envelope plus a length-prefixed codec is all
// this needs.
package workerproto

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

// ProtocolVersion is bumped whenever the Frame shape changes in a way
// that isn't backward compatible. The Supervisor and Worker are always
// the same binary, so mismatches should never happen in practice; the
// field exists so a stale worker process from a previous build fails
// loudly instead of silently.
const ProtocolVersion = 1

// Type tags the closed set of messages that can flow in either
// direction. Down messages (Supervisor -> Worker) and Up messages
// (Worker -> Supervisor) share one envelope type for codec simplicity.
type Type string

const (
	// Down: Supervisor -> Worker
	TypeStart               Type = "start"
	TypeWrite               Type = "write"
	TypeResize               Type = "resize"
	TypeTerminate            Type = "terminate"
	TypeDiagnosticsRequest   Type = "diagnostics_req"
	TypeForegroundRequest    Type = "foreground_req"

	// Up: Worker -> Supervisor
	TypeReady           Type = "ready"
	TypeOutput          Type = "output"
	TypeExit            Type = "exit"
	TypeError           Type = "error"
	TypeDiagnostics     Type = "diagnostics"
	TypeForegroundReply Type = "foreground"
)

// StartParams carries the arguments for a Down TypeStart frame.
type StartParams struct {
	Worktree  string            `json:"worktree"`
	Shell     string            `json:"shell,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Cols      uint16            `json:"cols"`
	Rows      uint16            `json:"rows"`
	SetLocale bool              `json:"setLocale"`
}

// ResizeParams carries the arguments for a Down TypeResize frame.
type ResizeParams struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// WorkerDiagnostics is the payload of an Up TypeDiagnostics frame.
type WorkerDiagnostics struct {
	MasterFDs int `json:"masterFds"`
	SlaveFDs  int `json:"slaveFds"`
	TotalFDs  int `json:"totalFds"`
}

// ForegroundProcess is the payload of an Up TypeForegroundReply frame.
// Pid == 0 means "no foreground process" (the shell is idle).
type ForegroundProcess struct {
	Pid     int    `json:"pid"`
	Command string `json:"command"`
}

// Frame is the single envelope type every message is encoded as. Only
// the fields relevant to Type are populated; the rest are zero values.
type Frame struct {
	Version int  `json:"v"`
	Type    Type `json:"type"`

	Start  *StartParams  `json:"start,omitempty"`
	Write  []byte        `json:"write,omitempty"`
	Resize *ResizeParams `json:"resize,omitempty"`

	Output      []byte              `json:"output,omitempty"`
	ExitCode    *int                `json:"exitCode,omitempty"`
	ErrorText   string              `json:"errorText,omitempty"`
	Diagnostics *WorkerDiagnostics  `json:"diagnostics,omitempty"`
	Foreground  *ForegroundProcess  `json:"foreground,omitempty"`
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encoder writes length-prefixed Frames to an underlying writer. It is
// safe for concurrent use; writes from multiple goroutines are
// serialized so a Frame is never interleaved with another.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder wraps w. Writes are not buffered internally; pass a
// *bufio.Writer if small writes need coalescing.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals f and writes it as a 4-byte big-endian length prefix
// followed by the JSON payload.
func (e *Encoder) Encode(f Frame) error {
	f.Version = ProtocolVersion
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("workerproto: marshal frame %q: %w", f.Type, err)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(header[:]); err != nil {
		return fmt.Errorf("workerproto: write frame header: %w", err)
	}
	if _, err := e.w.Write(payload); err != nil {
		return fmt.Errorf("workerproto: write frame body: %w", err)
	}
	return nil
}

// maxFrameBytes bounds a single frame's payload size as a sanity check
// against a corrupted length prefix; PTY chunks are at most 32 KB (the
// worker's read buffer).
const maxFrameBytes = 16 * 1024 * 1024

// Decoder reads length-prefixed Frames from an underlying reader.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r in buffered reads.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads the next Frame, blocking until one is available. It
// returns io.EOF (unwrapped, check with errors.Is) when the underlying
// stream closes cleanly between frames.
func (d *Decoder) Decode() (Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameBytes {
		return Frame{}, fmt.Errorf("workerproto: frame of %d bytes exceeds sanity cap", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return Frame{}, fmt.Errorf("workerproto: read frame body: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return Frame{}, fmt.Errorf("workerproto: unmarshal frame: %w", err)
	}
	if f.Version != ProtocolVersion {
		return Frame{}, fmt.Errorf("workerproto: frame version %d, supervisor speaks %d", f.Version, ProtocolVersion)
	}
	return f, nil
}
