// Package supervisor implements the Session Supervisor: the
// long-lived authoritative registry and router described by the
// specification's core. It spawns Session Workers, routes client
// input to them, fans their output out to subscribers, and enforces
// one-shot, race-safe termination.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/worktree-dev/ptysuperd/src/lib"
	"github.com/worktree-dev/ptysuperd/src/workerproto"
)

// StartParams is the input to StartSession.
type StartParams struct {
	WorktreePath string
	Cols, Rows   uint16
	SetLocale    bool
	TerminalID   string
	ForceNew     bool
	Shell        string
	Env          map[string]string
}

// StartResult is the output of a successful StartSession.
type StartResult struct {
	SessionID string
	Reused    bool
}

// SessionInfo is the per-session shape returned by GetStats.
type SessionInfo struct {
	ID           string
	WorktreePath string
	CreatedAt    time.Time
	Subscribers  int
}

// Stats is the output of GetStats.
type Stats struct {
	ActiveCount int
	Sessions    []SessionInfo
}

// SpawnError records one failed spawn attempt, retained for
// diagnostics.
type SpawnError struct {
	Timestamp    time.Time
	WorktreePath string
	Message      string
	OSCode       string
}

// Options configures a Supervisor.
type Options struct {
	RingCapBytes      int
	ReplayDelay       time.Duration
	SpawnReadyTimeout time.Duration
	KillSafetyTimeout time.Duration
	MaxSpawnErrors    int

	// FDWarnPercent/FDCriticalPercent/FDSoftLimitFloor tune the
	// Diagnostics Collector's warning thresholds; see classifyWarnings.
	FDWarnPercent     int
	FDCriticalPercent int
	FDSoftLimitFloor  int

	Log *logrus.Logger
}

// Supervisor is the process-wide authoritative router described by
// §4.3. Construct exactly one per host process; it is safe for
// concurrent use from any number of goroutines.
type Supervisor struct {
	optsMu sync.RWMutex
	opts   Options
	log    *logrus.Logger

	registry *Registry

	ptyInstancesCreated counterInt64

	spawnErrMu  sync.Mutex
	spawnErrors []SpawnError

	onSessionsChanged func(worktreePath string, count int)
}

// New constructs a Supervisor. A zero Options uses sensible defaults
// matching the default configuration file.
func New(opts Options) *Supervisor {
	if opts.RingCapBytes <= 0 {
		opts.RingCapBytes = 100 * 1024
	}
	if opts.ReplayDelay <= 0 {
		opts.ReplayDelay = 50 * time.Millisecond
	}
	if opts.SpawnReadyTimeout <= 0 {
		opts.SpawnReadyTimeout = 5 * time.Second
	}
	if opts.KillSafetyTimeout <= 0 {
		opts.KillSafetyTimeout = 500 * time.Millisecond
	}
	if opts.MaxSpawnErrors <= 0 {
		opts.MaxSpawnErrors = 50
	}
	if opts.FDWarnPercent <= 0 {
		opts.FDWarnPercent = 75
	}
	if opts.FDCriticalPercent <= 0 {
		opts.FDCriticalPercent = 90
	}
	if opts.FDSoftLimitFloor <= 0 {
		opts.FDSoftLimitFloor = 256
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Supervisor{
		opts:     opts,
		log:      opts.Log,
		registry: newRegistry(),
	}
}

// currentOpts returns a copy of the live, possibly hot-reloaded
// options. Always go through this rather than reading sup.opts
// directly, since UpdateOptions may be mutating it concurrently.
func (sup *Supervisor) currentOpts() Options {
	sup.optsMu.RLock()
	defer sup.optsMu.RUnlock()
	return sup.opts
}

// UpdateOptions applies newly reloaded, hot-tunable settings: the ring
// capacity used for sessions spawned from this point on, the replay
// delay for new subscribers, the spawn/kill timeouts, and the
// Diagnostics Collector's FD-pressure thresholds. A zero value for any
// field leaves that setting unchanged, so callers can pass through a
// freshly decoded config without special-casing fields the file
// didn't set.
func (sup *Supervisor) UpdateOptions(ringCapBytes int, replayDelay, spawnReadyTimeout, killSafetyTimeout time.Duration, fdWarnPercent, fdCriticalPercent, fdSoftLimitFloor int) {
	sup.optsMu.Lock()
	defer sup.optsMu.Unlock()
	if ringCapBytes > 0 {
		sup.opts.RingCapBytes = ringCapBytes
	}
	if replayDelay > 0 {
		sup.opts.ReplayDelay = replayDelay
	}
	if spawnReadyTimeout > 0 {
		sup.opts.SpawnReadyTimeout = spawnReadyTimeout
	}
	if killSafetyTimeout > 0 {
		sup.opts.KillSafetyTimeout = killSafetyTimeout
	}
	if fdWarnPercent > 0 {
		sup.opts.FDWarnPercent = fdWarnPercent
	}
	if fdCriticalPercent > 0 {
		sup.opts.FDCriticalPercent = fdCriticalPercent
	}
	if fdSoftLimitFloor > 0 {
		sup.opts.FDSoftLimitFloor = fdSoftLimitFloor
	}
}

// OnSessionsChanged registers a callback fired whenever the registry
// mutates, with the worktree path affected and its new live session
// count, matching the `sessions-changed` event in §6.
func (sup *Supervisor) OnSessionsChanged(fn func(worktreePath string, count int)) {
	sup.onSessionsChanged = fn
}

func (sup *Supervisor) fireSessionsChanged(worktreePath string) {
	if sup.onSessionsChanged == nil {
		return
	}
	count := len(sup.registry.matchingWorktree(worktreePath))
	sup.onSessionsChanged(worktreePath, count)
}

// StartSession implements §4.3 operation 1.
func (sup *Supervisor) StartSession(ctx context.Context, p StartParams) (StartResult, error) {
	if formatted, err := lib.FormatPath(p.WorktreePath); err == nil {
		p.WorktreePath = formatted
	}

	if p.TerminalID != "" && !p.ForceNew {
		if existing := sup.registry.lookupByTerminal(p.TerminalID); existing != nil && existing.State() != Gone {
			return StartResult{SessionID: existing.ID, Reused: true}, nil
		}
	}

	var id string
	if p.ForceNew || p.TerminalID == "" {
		id = newRandomSessionID()
	} else {
		id = deterministicSessionID(p.WorktreePath, p.TerminalID)
	}

	wh, err := spawnWorkerFunc()
	if err != nil {
		sup.recordSpawnError(p.WorktreePath, err.Error(), "")
		return StartResult{}, &SpawnFailedError{WorktreePath: p.WorktreePath, Message: err.Error()}
	}

	opts := sup.currentOpts()

	readyCtx, cancel := context.WithTimeout(ctx, opts.SpawnReadyTimeout)
	defer cancel()
	if err := wh.waitReady(readyCtx); err != nil {
		wh.killProcessGroup()
		wh.reap()
		sup.recordSpawnError(p.WorktreePath, err.Error(), "")
		return StartResult{}, &SpawnFailedError{WorktreePath: p.WorktreePath, Message: err.Error()}
	}

	cols, rows := p.Cols, p.Rows
	if cols == 0 {
		cols = 1
	}
	if rows == 0 {
		rows = 1
	}

	startFrame := workerproto.Frame{
		Type: workerproto.TypeStart,
		Start: &workerproto.StartParams{
			Worktree:  p.WorktreePath,
			Shell:     p.Shell,
			Env:       p.Env,
			Cols:      cols,
			Rows:      rows,
			SetLocale: p.SetLocale,
		},
	}
	if err := wh.send(startFrame); err != nil {
		wh.killProcessGroup()
		wh.reap()
		sup.recordSpawnError(p.WorktreePath, err.Error(), "")
		return StartResult{}, &SpawnFailedError{WorktreePath: p.WorktreePath, Message: err.Error()}
	}

	session := newSession(id, p.WorktreePath, p.TerminalID, cols, rows, opts.RingCapBytes)
	session.worker = wh
	session.setState(Running)
	sup.registry.insert(session)
	sup.ptyInstancesCreated.incr()

	go sup.pumpWorker(session)

	sup.fireSessionsChanged(p.WorktreePath)
	return StartResult{SessionID: id, Reused: false}, nil
}

// pumpWorker is the sole reader of a session's worker pipe. It runs
// for the session's entire lifetime and demultiplexes Output, Exit,
// Diagnostics, and ForegroundReply frames.
func (sup *Supervisor) pumpWorker(s *Session) {
	for {
		f, err := s.worker.recv()
		if err != nil {
			sup.onWorkerGone(s, -1)
			return
		}
		switch f.Type {
		case workerproto.TypeOutput:
			s.broadcastOutput(f.Output)
		case workerproto.TypeExit:
			code := 0
			if f.ExitCode != nil {
				code = *f.ExitCode
			}
			sup.onWorkerGone(s, code)
			return
		case workerproto.TypeError:
			sup.log.Warnf("worker reported error for session %s: %s", s.ID, f.ErrorText)
			sup.recordSpawnError(s.WorktreePath, f.ErrorText, "")
			sup.onWorkerGone(s, -1)
			return
		case workerproto.TypeDiagnostics:
			deliverDiagnostics(s, f.Diagnostics)
		case workerproto.TypeForegroundReply:
			deliverForeground(s, f.Foreground)
		}
	}
}

// onWorkerGone handles an unsolicited or confirmed worker exit: it
// removes the session from the registry before firing exit callbacks,
// per the invariant that a callback re-querying the registry must
// never observe a session already reported gone.
func (sup *Supervisor) onWorkerGone(s *Session, code int) {
	s.setState(Gone)
	sup.registry.remove(s.ID)
	s.worker.reap()
	s.broadcastExit(code)
	sup.fireSessionsChanged(s.WorktreePath)
	s.goneOnce.Do(func() { close(s.terminateDone) })
}

// Write implements §4.3 operation 2.
func (sup *Supervisor) Write(sessionID string, data []byte) error {
	s := sup.registry.lookup(sessionID)
	if s == nil {
		return &SessionNotFoundError{SessionID: sessionID}
	}
	if s.State() == Terminating || s.State() == Gone {
		return &SessionNotFoundError{SessionID: sessionID}
	}
	if len(data) == 0 {
		return nil
	}
	if err := s.worker.send(workerproto.Frame{Type: workerproto.TypeWrite, Write: data}); err != nil {
		return &IpcError{SessionID: sessionID, Cause: err}
	}
	s.touch()
	return nil
}

// Resize implements §4.3 operation 3.
func (sup *Supervisor) Resize(sessionID string, cols, rows uint16) error {
	s := sup.registry.lookup(sessionID)
	if s == nil {
		return &SessionNotFoundError{SessionID: sessionID}
	}
	if err := s.worker.send(workerproto.Frame{Type: workerproto.TypeResize, Resize: &workerproto.ResizeParams{Cols: cols, Rows: rows}}); err != nil {
		return &IpcError{SessionID: sessionID, Cause: err}
	}
	return nil
}

// Subscribe implements §4.3 operation 4.
func (sup *Supervisor) Subscribe(sessionID, subscriberID string, onOutput func([]byte), onExit func(int), skipReplay bool) error {
	s := sup.registry.lookup(sessionID)
	if s == nil || s.State() == Gone {
		return &SessionNotFoundError{SessionID: sessionID}
	}

	s.removeSubscriber(subscriberID)
	sub := &Subscriber{ID: subscriberID, OutputFunc: onOutput, ExitFunc: onExit, SkipReplay: skipReplay}
	s.addSubscriber(sub)

	if !skipReplay {
		delay := sup.currentOpts().ReplayDelay
		go func() {
			time.Sleep(delay)
			snap := s.ring.Snapshot()
			if len(snap) > 0 {
				onOutput(snap)
			}
		}()
	}
	return nil
}

// Unsubscribe implements §4.3 operation 5.
func (sup *Supervisor) Unsubscribe(sessionID, subscriberID string) {
	s := sup.registry.lookup(sessionID)
	if s == nil {
		return
	}
	s.removeSubscriber(subscriberID)
}

// Terminate implements §4.3 operation 6. It is idempotent and
// race-safe: concurrent callers for the same session_id coalesce onto
// a single kill via sync.Once, and every caller observes success.
func (sup *Supervisor) Terminate(sessionID string) bool {
	s := sup.registry.lookup(sessionID)
	if s == nil {
		return true
	}

	s.terminateOnce.Do(func() {
		s.setState(Terminating)

		// Ask the worker to kill its shell's process group and exit on
		// its own; pumpWorker observes the Exit frame (or the broken
		// pipe once the process dies) and calls onWorkerGone, which
		// removes the session, fires exit callbacks, and closes
		// terminateDone. If the pipe is already gone, skip straight to
		// the fallback below.
		if err := s.worker.send(workerproto.Frame{Type: workerproto.TypeTerminate}); err != nil {
			s.worker.killProcessGroup()
		}

		select {
		case <-s.terminateDone:
			return
		case <-time.After(sup.currentOpts().KillSafetyTimeout):
		}

		// The worker didn't die on its own in time; force the issue by
		// killing its own process group directly, then wait out the
		// reap unconditionally so Terminate never returns early.
		sup.log.Warnf("%v", &KillTimeoutError{SessionID: sessionID})
		s.worker.killProcessGroup()
		<-s.terminateDone
	})

	return true
}

// TerminateForWorktree implements §4.3 operation 7.
func (sup *Supervisor) TerminateForWorktree(worktreePath string) int {
	sessions := sup.registry.matchingWorktree(worktreePath)
	var wg sync.WaitGroup
	var count counterInt64
	for _, s := range sessions {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if sup.Terminate(id) {
				count.incr()
			}
		}(s.ID)
	}
	wg.Wait()
	return int(count.get())
}

// TerminateAll implements §4.3 operation 8, used on host shutdown.
func (sup *Supervisor) TerminateAll() {
	sessions := sup.registry.snapshot()
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sup.Terminate(id)
		}(s.ID)
	}
	wg.Wait()
}

// GetStats implements §4.3 operation 9.
func (sup *Supervisor) GetStats() Stats {
	sessions := sup.registry.snapshot()
	out := Stats{ActiveCount: len(sessions), Sessions: make([]SessionInfo, 0, len(sessions))}
	for _, s := range sessions {
		out.Sessions = append(out.Sessions, SessionInfo{
			ID:           s.ID,
			WorktreePath: s.WorktreePath,
			CreatedAt:    s.CreatedAt,
			Subscribers:  s.SubscriberCount(),
		})
	}
	return out
}

// GetBuffer returns the current Output Ring snapshot for a session,
// used to implement `shell:get-buffer`.
func (sup *Supervisor) GetBuffer(sessionID string) ([]byte, error) {
	s := sup.registry.lookup(sessionID)
	if s == nil {
		return nil, &SessionNotFoundError{SessionID: sessionID}
	}
	return s.ring.Snapshot(), nil
}

// GetForegroundProcess queries the session's Worker for its current
// foreground child, bounded by the configured probe timeout.
func (sup *Supervisor) GetForegroundProcess(sessionID string, timeout time.Duration) (workerproto.ForegroundProcess, error) {
	s := sup.registry.lookup(sessionID)
	if s == nil {
		return workerproto.ForegroundProcess{}, &SessionNotFoundError{SessionID: sessionID}
	}
	ch := registerForegroundWait(s)
	defer unregisterForegroundWait(s)
	if err := s.worker.send(workerproto.Frame{Type: workerproto.TypeForegroundRequest}); err != nil {
		return workerproto.ForegroundProcess{}, &IpcError{SessionID: sessionID, Cause: err}
	}
	select {
	case fg := <-ch:
		return fg, nil
	case <-time.After(timeout):
		return workerproto.ForegroundProcess{}, nil
	}
}

// SpawnErrors returns the last N recorded spawn failures, oldest
// first, for `shell:get-spawn-errors`.
func (sup *Supervisor) SpawnErrors() []SpawnError {
	sup.spawnErrMu.Lock()
	defer sup.spawnErrMu.Unlock()
	out := make([]SpawnError, len(sup.spawnErrors))
	copy(out, sup.spawnErrors)
	return out
}

func (sup *Supervisor) recordSpawnError(worktreePath, message, osCode string) {
	sup.spawnErrMu.Lock()
	defer sup.spawnErrMu.Unlock()
	sup.spawnErrors = append(sup.spawnErrors, SpawnError{
		Timestamp:    time.Now(),
		WorktreePath: worktreePath,
		Message:      message,
		OSCode:       osCode,
	})
	if max := sup.currentOpts().MaxSpawnErrors; len(sup.spawnErrors) > max {
		sup.spawnErrors = sup.spawnErrors[len(sup.spawnErrors)-max:]
	}
}

// PtyInstancesCreated returns the monotonically increasing count of
// successful PTY creations, for diagnostics.
func (sup *Supervisor) PtyInstancesCreated() int64 {
	return sup.ptyInstancesCreated.get()
}

// ActiveSessionCount returns the number of sessions currently in the
// registry.
func (sup *Supervisor) ActiveSessionCount() int {
	return sup.registry.count()
}

// counterInt64 is a tiny mutex-guarded monotonic counter; sync/atomic
// would work too, but this keeps the increment-and-read pairing
// obviously race-free without worrying about alignment on 32-bit.
type counterInt64 struct {
	mu sync.Mutex
	v  int64
}

func (c *counterInt64) incr() {
	c.mu.Lock()
	c.v++
	c.mu.Unlock()
}

func (c *counterInt64) get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}
