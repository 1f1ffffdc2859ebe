package worker

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/worktree-dev/ptysuperd/src/workerproto"
)

// probeFDs counts the worker's own open file descriptors that are PTY
// master or slave devices, by reading the symlink targets under
// /proc/self/fd. It is best-effort: on any read failure it returns
// zero counts rather than propagating an error, since diagnostics must
// never block a caller on a flaky /proc.
func probeFDs(childPid int) workerproto.WorkerDiagnostics {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return workerproto.WorkerDiagnostics{}
	}

	var diag workerproto.WorkerDiagnostics
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join("/proc/self/fd", e.Name()))
		if err != nil {
			continue
		}
		diag.TotalFDs++
		switch {
		case strings.Contains(target, "/ptmx"):
			diag.MasterFDs++
		case strings.HasPrefix(target, "/dev/pts/"):
			diag.SlaveFDs++
		}
	}
	_ = childPid
	return diag
}

// probeForeground reads /proc/<childPid>/stat to find the process
// group's current foreground process and that process's own command
// name. A zero Pid is returned when the shell itself has no live
// foreground job (it is sitting at its own prompt) or /proc cannot be
// read, which is normal on non-Linux hosts.
func probeForeground(childPid int) workerproto.ForegroundProcess {
	if childPid <= 0 {
		return workerproto.ForegroundProcess{}
	}

	pgid, err := foregroundPGID(childPid)
	if err != nil || pgid <= 0 {
		return workerproto.ForegroundProcess{}
	}
	if pgid == childPid {
		// The shell is its own process group leader and no distinct job
		// has taken the foreground; report idle rather than the shell
		// itself.
		return workerproto.ForegroundProcess{}
	}

	// The process group leader is usually the foreground job's
	// representative process; read its comm for a human label.
	comm, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pgid), "comm"))
	if err != nil {
		return workerproto.ForegroundProcess{Pid: pgid}
	}
	return workerproto.ForegroundProcess{Pid: pgid, Command: strings.TrimSpace(string(comm))}
}

// foregroundPGID returns the process group id of the process at
// childPid, read from the pgrp field of /proc/<pid>/stat. It does not
// read the terminal's foreground process group (tpgid) or look at the
// process's children.
func foregroundPGID(childPid int) (int, error) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(childPid), "stat"))
	if err != nil {
		return 0, err
	}
	// Field 5 (1-indexed) in /proc/[pid]/stat is pgrp, but fields can
	// contain spaces inside the "(comm)" field, so split from the
	// closing paren rather than naively splitting on whitespace.
	closeParen := strings.LastIndexByte(string(data), ')')
	if closeParen < 0 {
		return 0, os.ErrInvalid
	}
	fields := strings.Fields(string(data)[closeParen+1:])
	// After stripping "pid (comm)", field index 2 (0-indexed) is pgrp.
	const pgrpIndex = 2
	if len(fields) <= pgrpIndex {
		return 0, os.ErrInvalid
	}
	return strconv.Atoi(fields[pgrpIndex])
}
