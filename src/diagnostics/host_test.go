//go:build linux

package diagnostics

import (
	"os"
	"testing"
)

func TestProbeHostPopulatesRlimitAndFDCount(t *testing.T) {
	h := ProbeHost()

	if h.FDSoftLimit <= 0 {
		t.Fatalf("expected a positive FD soft limit, got %d", h.FDSoftLimit)
	}
	if h.FDHardLimit < h.FDSoftLimit {
		t.Fatalf("hard limit %d must be >= soft limit %d", h.FDHardLimit, h.FDSoftLimit)
	}
	if h.OpenFDCount <= 0 {
		t.Fatalf("expected at least this process's own fds to be counted, got %d", h.OpenFDCount)
	}
	if h.ProcessStates == nil {
		t.Fatal("expected ProcessStates to be initialized even with no children")
	}
}

func TestParseMeminfoKB(t *testing.T) {
	cases := map[string]uint64{
		"MemTotal:       16384000 kB": 16384000,
		"MemAvailable:    1024 kB":    1024,
		"Malformed":                   0,
	}
	for line, want := range cases {
		if got := parseMeminfoKB(line); got != want {
			t.Errorf("parseMeminfoKB(%q) = %d, want %d", line, got, want)
		}
	}
}

func TestReadProcStatSelf(t *testing.T) {
	self := os.Getpid()
	st, ok := readProcStat(self)
	if !ok {
		t.Skip("own /proc stat not readable in this sandbox")
	}
	if st.pid != self {
		t.Fatalf("expected pid %d, got %d", self, st.pid)
	}
}
