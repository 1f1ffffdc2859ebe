package supervisor

import (
	"testing"

	"github.com/worktree-dev/ptysuperd/src/diagnostics"
)

func TestClassifyWarningsFDPressure(t *testing.T) {
	h := diagnostics.Host{FDSoftLimit: 1000, OpenFDCount: 950}
	warnings := classifyWarnings(h, 10, 10, 75, 90, 256)

	found := false
	for _, w := range warnings {
		if w == "file descriptor usage above 90% of soft limit" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a 90%% FD pressure warning, got %v", warnings)
	}
}

func TestClassifyWarningsLowSoftLimit(t *testing.T) {
	h := diagnostics.Host{FDSoftLimit: 64}
	warnings := classifyWarnings(h, 0, 0, 75, 90, 256)

	found := false
	for _, w := range warnings {
		if w == "file descriptor soft limit below 256" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a low soft limit warning, got %v", warnings)
	}
}

func TestClassifyWarningsZombies(t *testing.T) {
	h := diagnostics.Host{ZombieCount: 2}
	warnings := classifyWarnings(h, 1, 1, 75, 90, 256)

	found := false
	for _, w := range warnings {
		if w == "zombie child processes present" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a zombie warning, got %v", warnings)
	}
}

func TestClassifyWarningsPtyLeak(t *testing.T) {
	h := diagnostics.Host{}
	warnings := classifyWarnings(h, 2, 10, 75, 90, 256) // 10 master fds for 2 sessions

	found := false
	for _, w := range warnings {
		if w == "potential PTY leak: master FD count exceeds active sessions by more than 3x" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a PTY leak warning, got %v", warnings)
	}
}

func TestClassifyWarningsClean(t *testing.T) {
	h := diagnostics.Host{FDSoftLimit: 4096, OpenFDCount: 10}
	warnings := classifyWarnings(h, 5, 5, 75, 90, 256)
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings for a healthy host, got %v", warnings)
	}
}

func TestClassifyWarningsCustomThresholds(t *testing.T) {
	h := diagnostics.Host{FDSoftLimit: 1000, OpenFDCount: 600}
	warnings := classifyWarnings(h, 10, 10, 50, 80, 256)

	found := false
	for _, w := range warnings {
		if w == "file descriptor usage above 50% of soft limit" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a configurable 50%% FD pressure warning, got %v", warnings)
	}
}

func TestWorkerDiagnosticsForMissingSessionReturnsZero(t *testing.T) {
	sup := New(Options{})
	d := sup.WorkerDiagnosticsFor("does-not-exist", 0)
	if d.MasterFDs != 0 || d.SlaveFDs != 0 || d.TotalFDs != 0 {
		t.Fatalf("expected zero-value diagnostics for a missing session, got %+v", d)
	}
}
