package supervisor

import (
	"sync"
	"time"

	"github.com/worktree-dev/ptysuperd/src/outputring"
	"github.com/worktree-dev/ptysuperd/src/workerproto"
)

// State is a Session's position in its monotonic lifecycle. There is
// no transition back to an earlier state.
type State int

const (
	Starting State = iota
	Running
	Terminating
	Gone
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Terminating:
		return "terminating"
	case Gone:
		return "gone"
	default:
		return "unknown"
	}
}

// Subscriber is a registered consumer of one session's output and
// exit streams.
type Subscriber struct {
	ID          string
	OutputFunc  func([]byte)
	ExitFunc    func(code int)
	SkipReplay  bool
	replayDone  bool
}

// Session is one live (or dying) PTY-backed shell, owned by exactly
// one Worker.
type Session struct {
	ID           string
	WorktreePath string
	TerminalID   string
	Cols, Rows   uint16
	CreatedAt    time.Time

	worker *workerHandle
	ring   *outputring.Ring

	mu           sync.Mutex
	state        State
	lastActivity time.Time

	subMu       sync.RWMutex
	subscribers map[string]*Subscriber

	terminateOnce sync.Once
	terminateErr  error
	terminateDone chan struct{}
	goneOnce      sync.Once

	waitMu sync.Mutex
	diagCh chan workerproto.WorkerDiagnostics
	fgCh   chan workerproto.ForegroundProcess
}

func newSession(id, worktreePath, terminalID string, cols, rows uint16, ringCap int) *Session {
	now := time.Now()
	return &Session{
		ID:            id,
		WorktreePath:  worktreePath,
		TerminalID:    terminalID,
		Cols:          cols,
		Rows:          rows,
		CreatedAt:     now,
		ring:          outputring.New(ringCap),
		state:         Starting,
		lastActivity:  now,
		subscribers:   make(map[string]*Subscriber),
		terminateDone: make(chan struct{}),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last time a Write succeeded against this
// session.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SubscriberCount returns the number of currently attached
// subscribers.
func (s *Session) SubscriberCount() int {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return len(s.subscribers)
}

func (s *Session) addSubscriber(sub *Subscriber) {
	s.subMu.Lock()
	s.subscribers[sub.ID] = sub
	s.subMu.Unlock()
}

func (s *Session) removeSubscriber(id string) {
	s.subMu.Lock()
	delete(s.subscribers, id)
	s.subMu.Unlock()
}

func (s *Session) snapshotSubscribers() []*Subscriber {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	out := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		out = append(out, sub)
	}
	return out
}

// broadcastOutput appends data to the ring and fans it out live to
// every current subscriber. Delivery order across subscribers is not
// specified (the subscriber set is a map); only per-subscriber
// ordering is, which the single calling goroutine already guarantees.
func (s *Session) broadcastOutput(data []byte) {
	s.ring.Append(data)
	for _, sub := range s.snapshotSubscribers() {
		sub.OutputFunc(data)
	}
}

func (s *Session) broadcastExit(code int) {
	for _, sub := range s.snapshotSubscribers() {
		sub.ExitFunc(code)
	}
}

// Registry is the process-wide authoritative map of live sessions,
// with a secondary index from terminal_id to session_id for reuse
// lookups. All lookup-and-mutate sequences that matter for the
// invariants in the specification happen under mu.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	byTerminal map[string]string
}

func newRegistry() *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		byTerminal: make(map[string]string),
	}
}

// lookup returns the live session for id, or nil.
func (r *Registry) lookup(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// lookupByTerminal returns the live session registered under
// terminalID, or nil.
func (r *Registry) lookupByTerminal(terminalID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byTerminal[terminalID]
	if !ok {
		return nil
	}
	return r.sessions[id]
}

// insert adds a new session to both indices.
func (r *Registry) insert(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	if s.TerminalID != "" {
		r.byTerminal[s.TerminalID] = s.ID
	}
}

// remove deletes a session from both indices. It is the caller's
// responsibility to have already transitioned the session to Gone.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	if s.TerminalID != "" && r.byTerminal[s.TerminalID] == id {
		delete(r.byTerminal, s.TerminalID)
	}
}

// snapshot returns every currently registered session. The slice is a
// point-in-time copy; sessions may transition concurrently.
func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// matchingWorktree returns every registered session whose
// WorktreePath equals path exactly (no prefix matching).
func (r *Registry) matchingWorktree(path string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.WorktreePath == path {
			out = append(out, s)
		}
	}
	return out
}

// count returns the number of registered sessions.
func (r *Registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
