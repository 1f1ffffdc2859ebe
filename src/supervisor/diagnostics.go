package supervisor

import (
	"fmt"
	"time"

	"github.com/worktree-dev/ptysuperd/src/diagnostics"
	"github.com/worktree-dev/ptysuperd/src/workerproto"
)

// registerForegroundWait installs a one-shot channel that
// deliverForeground will deliver the next ForegroundReply frame to.
// Only one outstanding request per session is supported, matching the
// supervisor's synchronous request/response usage.
func registerForegroundWait(s *Session) chan workerproto.ForegroundProcess {
	ch := make(chan workerproto.ForegroundProcess, 1)
	s.waitMu.Lock()
	s.fgCh = ch
	s.waitMu.Unlock()
	return ch
}

func unregisterForegroundWait(s *Session) {
	s.waitMu.Lock()
	s.fgCh = nil
	s.waitMu.Unlock()
}

func deliverForeground(s *Session, fg *workerproto.ForegroundProcess) {
	if fg == nil {
		return
	}
	s.waitMu.Lock()
	ch := s.fgCh
	s.waitMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- *fg:
	default:
	}
}

func registerDiagnosticsWait(s *Session) chan workerproto.WorkerDiagnostics {
	ch := make(chan workerproto.WorkerDiagnostics, 1)
	s.waitMu.Lock()
	s.diagCh = ch
	s.waitMu.Unlock()
	return ch
}

func unregisterDiagnosticsWait(s *Session) {
	s.waitMu.Lock()
	s.diagCh = nil
	s.waitMu.Unlock()
}

func deliverDiagnostics(s *Session, diag *workerproto.WorkerDiagnostics) {
	if diag == nil {
		return
	}
	s.waitMu.Lock()
	ch := s.diagCh
	s.waitMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- *diag:
	default:
	}
}

// WorkerDiagnosticsFor queries one session's Worker for its FD counts,
// bounded by timeout. A timeout or IPC failure yields zero counts
// rather than propagating an error, per §4.5: a slow Worker must never
// block the aggregate.
func (sup *Supervisor) WorkerDiagnosticsFor(sessionID string, timeout time.Duration) workerproto.WorkerDiagnostics {
	s := sup.registry.lookup(sessionID)
	if s == nil {
		return workerproto.WorkerDiagnostics{}
	}
	ch := registerDiagnosticsWait(s)
	defer unregisterDiagnosticsWait(s)
	if err := s.worker.send(workerproto.Frame{Type: workerproto.TypeDiagnosticsRequest}); err != nil {
		return workerproto.WorkerDiagnostics{}
	}
	select {
	case d := <-ch:
		return d
	case <-time.After(timeout):
		return workerproto.WorkerDiagnostics{}
	}
}

// AggregateDiagnostics is the merged view returned by GetDiagnostics,
// combining host-level /proc and rlimit probes with per-worker FD
// counts queried with individual timeouts.
type AggregateDiagnostics struct {
	Host           diagnostics.Host
	Workers        map[string]workerproto.WorkerDiagnostics
	ActiveSessions int
	PtyInstances   int64
	SpawnErrors    []SpawnError
	Warnings       []string
}

// GetDiagnostics implements §4.3 operation 10 / §4.5: it merges host
// process-tree and FD-limit probes with one bounded query per live
// Worker, then classifies warnings.
func (sup *Supervisor) GetDiagnostics(probeTimeout time.Duration) AggregateDiagnostics {
	sessions := sup.registry.snapshot()

	host := diagnostics.ProbeHost()

	workers := make(map[string]workerproto.WorkerDiagnostics, len(sessions))
	type result struct {
		id   string
		diag workerproto.WorkerDiagnostics
	}
	resultsCh := make(chan result, len(sessions))
	for _, s := range sessions {
		go func(id string) {
			resultsCh <- result{id: id, diag: sup.WorkerDiagnosticsFor(id, probeTimeout)}
		}(s.ID)
	}
	for range sessions {
		r := <-resultsCh
		workers[r.id] = r.diag
	}

	var totalMasterFDs int
	for _, d := range workers {
		totalMasterFDs += d.MasterFDs
	}

	agg := AggregateDiagnostics{
		Host:           host,
		Workers:        workers,
		ActiveSessions: len(sessions),
		PtyInstances:   sup.PtyInstancesCreated(),
		SpawnErrors:    sup.SpawnErrors(),
	}
	opts := sup.currentOpts()
	agg.Warnings = classifyWarnings(host, len(sessions), totalMasterFDs, opts.FDWarnPercent, opts.FDCriticalPercent, opts.FDSoftLimitFloor)
	return agg
}

func classifyWarnings(h diagnostics.Host, activeSessions, totalMasterFDs, fdWarnPercent, fdCriticalPercent, fdSoftLimitFloor int) []string {
	var warnings []string
	if h.FDSoftLimit > 0 {
		pct := float64(h.OpenFDCount) / float64(h.FDSoftLimit) * 100
		if pct > float64(fdCriticalPercent) {
			warnings = append(warnings, fmt.Sprintf("file descriptor usage above %d%% of soft limit", fdCriticalPercent))
		} else if pct > float64(fdWarnPercent) {
			warnings = append(warnings, fmt.Sprintf("file descriptor usage above %d%% of soft limit", fdWarnPercent))
		}
	}
	if h.FDSoftLimit > 0 && h.FDSoftLimit < fdSoftLimitFloor {
		warnings = append(warnings, fmt.Sprintf("file descriptor soft limit below %d", fdSoftLimitFloor))
	}
	if h.ZombieCount > 0 {
		warnings = append(warnings, "zombie child processes present")
	}
	if totalMasterFDs > activeSessions*3 {
		warnings = append(warnings, "potential PTY leak: master FD count exceeds active sessions by more than 3x")
	}
	return warnings
}
