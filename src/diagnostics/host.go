// Package diagnostics implements the host-level half of the
// Diagnostics Collector: file-descriptor limits and counts, the
// process tree, system-wide PTY device accounting, and load/memory
// figures for the supervisor's own process. Per-Worker FD counts are
// queried separately over workerproto by the supervisor package,
// which has the connection to ask each Worker directly.
package diagnostics

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Host is a point-in-time snapshot of the supervisor process's own
// resource usage, plus system-wide figures where cheaply available.
type Host struct {
	OpenFDCount int
	FDSoftLimit int
	FDHardLimit int

	MasterFDs int
	SlaveFDs  int

	ChildCount    int
	ZombieCount   int
	ProcessStates map[string]int

	LoadAverage1     float64
	MemTotalKB       uint64
	MemFreeKB        uint64
	GoHeapAllocBytes uint64

	// PtmxMaxDevices is the kernel's configured PTY device ceiling,
	// read via sysctl kern.tty.ptmx_max on darwin. Zero on platforms
	// with no equivalent single ceiling (Linux bounds PTYs through the
	// FD limits already captured above).
	PtmxMaxDevices int
}

// ProbeHost gathers everything described above. Every sub-probe is
// best-effort: a failure to read one /proc file degrades that field
// to its zero value rather than failing the whole probe, matching the
// "never block the aggregate" policy in §4.5.
func ProbeHost() Host {
	h := Host{ProcessStates: make(map[string]int)}

	probeRlimit(&h)
	probeOwnFDs(&h)
	probeChildren(&h)
	probeLoadAndMem(&h)
	probeGoRuntime(&h)
	probePtmxDevices(&h)

	return h
}

// probePtmxDevices fills in PtmxMaxDevices where the platform exposes a
// single kernel ceiling for PTY devices. PtmxMax is a no-op returning
// an error on platforms without one, which leaves the field at its
// zero value.
func probePtmxDevices(h *Host) {
	if v, err := PtmxMax(); err == nil {
		h.PtmxMaxDevices = v
	}
}

func probeRlimit(h *Host) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err == nil {
		h.FDSoftLimit = int(rl.Cur)
		h.FDHardLimit = int(rl.Max)
	}
}

func probeOwnFDs(h *Host) {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return
	}
	h.OpenFDCount = len(entries)
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join("/proc/self/fd", e.Name()))
		if err != nil {
			continue
		}
		switch {
		case strings.Contains(target, "/ptmx"):
			h.MasterFDs++
		case strings.HasPrefix(target, "/dev/pts/"):
			h.SlaveFDs++
		}
	}
}

// procStat mirrors the handful of /proc/[pid]/stat fields this
// package reads: pid (re-derived from the directory name), state, and
// ppid.
type procStat struct {
	pid   int
	state string
	ppid  int
}

func readProcStat(pid int) (procStat, bool) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return procStat{}, false
	}
	closeParen := strings.LastIndexByte(string(data), ')')
	if closeParen < 0 {
		return procStat{}, false
	}
	fields := strings.Fields(string(data)[closeParen+1:])
	if len(fields) < 2 {
		return procStat{}, false
	}
	ppid, _ := strconv.Atoi(fields[1])
	return procStat{pid: pid, state: fields[0], ppid: ppid}, true
}

// probeChildren walks /proc once, classifying every process whose
// ppid is our own pid as a direct child, and counting zombies among
// them. It does not walk further generations; the Session Workers are
// the supervisor's only direct children in normal operation.
func probeChildren(h *Host) {
	self := os.Getpid()
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return
	}
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		st, ok := readProcStat(pid)
		if !ok || st.ppid != self {
			continue
		}
		h.ChildCount++
		h.ProcessStates[st.state]++
		if st.state == "Z" {
			h.ZombieCount++
		}
	}
}

func probeLoadAndMem(h *Host) {
	if f, err := os.Open("/proc/loadavg"); err == nil {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		if scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) > 0 {
				if v, err := strconv.ParseFloat(fields[0], 64); err == nil {
					h.LoadAverage1 = v
				}
			}
		}
	}

	if f, err := os.Open("/proc/meminfo"); err == nil {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "MemTotal:"):
				h.MemTotalKB = parseMeminfoKB(line)
			case strings.HasPrefix(line, "MemAvailable:"):
				h.MemFreeKB = parseMeminfoKB(line)
			}
		}
	}
}

func parseMeminfoKB(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseUint(fields[1], 10, 64)
	return v
}

func probeGoRuntime(h *Host) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	h.GoHeapAllocBytes = m.HeapAlloc
}
