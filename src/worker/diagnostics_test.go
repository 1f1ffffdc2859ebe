//go:build linux

package worker

import (
	"os"
	"testing"
)

func TestProbeFDsCountsOwnDescriptors(t *testing.T) {
	diag := probeFDs(0)
	if diag.TotalFDs <= 0 {
		t.Fatalf("expected at least this process's own fds to be counted, got %d", diag.TotalFDs)
	}
}

func TestProbeForegroundZeroPidForInvalidChild(t *testing.T) {
	fg := probeForeground(0)
	if fg.Pid != 0 {
		t.Fatalf("expected a zero pid for an invalid child, got %+v", fg)
	}
}

func TestForegroundPGIDOfSelf(t *testing.T) {
	pgid, err := foregroundPGID(os.Getpid())
	if err != nil {
		t.Skip("own /proc/stat not readable in this sandbox")
	}
	if pgid <= 0 {
		t.Fatalf("expected a positive pgid, got %d", pgid)
	}
}

func TestProbeForegroundZeroWhenShellIsOwnGroupLeader(t *testing.T) {
	pgid, err := foregroundPGID(1)
	if err != nil {
		t.Skip("pid 1 /proc/stat not readable in this sandbox")
	}
	if pgid != 1 {
		t.Skip("pid 1 is not its own process group leader in this sandbox")
	}
	fg := probeForeground(1)
	if fg.Pid != 0 {
		t.Fatalf("expected idle (zero Pid) when the shell is its own group leader, got %+v", fg)
	}
}
