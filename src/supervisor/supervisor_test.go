package supervisor

import (
	"context"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/worktree-dev/ptysuperd/src/workerproto"
)

// fakeSpawnWorker replaces spawnWorkerFunc for tests. It spawns a real,
// throwaway "sleep" process so killProcessGroup has something genuine
// to SIGKILL, and drives the worker side of the protocol from a
// goroutine in the test process: a Ready frame on connect, an echoed
// Output frame for every Write, and an Exit frame once the sleep
// process is reaped (standing in for the real worker exiting when its
// shell dies).
func fakeSpawnWorker() (*workerHandle, error) {
	cmd := exec.Command("sleep", "300")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	downR, downW := io.Pipe()
	upR, upW := io.Pipe()

	wh := &workerHandle{
		cmd: cmd,
		enc: workerproto.NewEncoder(downW),
		dec: workerproto.NewDecoder(upR),
		closePipes: func() {
			_ = downW.Close()
			_ = upR.Close()
		},
	}

	go runFakeWorker(downR, upW, cmd)
	return wh, nil
}

func runFakeWorker(downR *io.PipeReader, upW *io.PipeWriter, cmd *exec.Cmd) {
	enc := workerproto.NewEncoder(upW)
	dec := workerproto.NewDecoder(downR)
	_ = enc.Encode(workerproto.Frame{Type: workerproto.TypeReady})

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	type decoded struct {
		f   workerproto.Frame
		err error
	}
	for {
		ch := make(chan decoded, 1)
		go func() {
			f, err := dec.Decode()
			ch <- decoded{f, err}
		}()

		select {
		case <-exited:
			zero := 0
			_ = enc.Encode(workerproto.Frame{Type: workerproto.TypeExit, ExitCode: &zero})
			return
		case d := <-ch:
			if d.err != nil {
				return
			}
			switch d.f.Type {
			case workerproto.TypeWrite:
				_ = enc.Encode(workerproto.Frame{Type: workerproto.TypeOutput, Output: d.f.Write})
			case workerproto.TypeForegroundRequest:
				_ = enc.Encode(workerproto.Frame{Type: workerproto.TypeForegroundReply, Foreground: &workerproto.ForegroundProcess{}})
			case workerproto.TypeTerminate:
				// Mirrors the real worker's pumpCommands returning on
				// TypeTerminate and Run() killing the adapter: kill the
				// stand-in shell process group so the <-exited branch
				// above observes it and sends the Exit frame.
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
		}
	}
}

func withFakeWorker(t *testing.T) *Supervisor {
	t.Helper()
	orig := spawnWorkerFunc
	spawnWorkerFunc = fakeSpawnWorker
	t.Cleanup(func() { spawnWorkerFunc = orig })
	return New(Options{SpawnReadyTimeout: 2 * time.Second, KillSafetyTimeout: 5 * time.Second})
}

func TestStartSessionAssignsAndRuns(t *testing.T) {
	sup := withFakeWorker(t)
	defer sup.TerminateAll()

	res, err := sup.StartSession(context.Background(), StartParams{WorktreePath: "/tmp/a"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if res.SessionID == "" || res.Reused {
		t.Fatalf("expected a fresh session, got %+v", res)
	}
	if sup.ActiveSessionCount() != 1 {
		t.Fatalf("expected 1 active session, got %d", sup.ActiveSessionCount())
	}
}

func TestStartSessionReusesByTerminalID(t *testing.T) {
	sup := withFakeWorker(t)
	defer sup.TerminateAll()

	first, err := sup.StartSession(context.Background(), StartParams{WorktreePath: "/tmp/a", TerminalID: "term-1"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	second, err := sup.StartSession(context.Background(), StartParams{WorktreePath: "/tmp/a", TerminalID: "term-1"})
	if err != nil {
		t.Fatalf("StartSession (reuse): %v", err)
	}
	if !second.Reused || second.SessionID != first.SessionID {
		t.Fatalf("expected reuse of %q, got %+v", first.SessionID, second)
	}
}

func TestStartSessionForceNewBypassesReuse(t *testing.T) {
	sup := withFakeWorker(t)
	defer sup.TerminateAll()

	first, err := sup.StartSession(context.Background(), StartParams{WorktreePath: "/tmp/a", TerminalID: "term-1"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	second, err := sup.StartSession(context.Background(), StartParams{WorktreePath: "/tmp/a", TerminalID: "term-1", ForceNew: true})
	if err != nil {
		t.Fatalf("StartSession (force new): %v", err)
	}
	if second.Reused || second.SessionID == first.SessionID {
		t.Fatalf("force_new must bypass reuse, got %+v vs %+v", first, second)
	}
}

func TestWriteEchoesThroughSubscriber(t *testing.T) {
	sup := withFakeWorker(t)
	defer sup.TerminateAll()

	res, err := sup.StartSession(context.Background(), StartParams{WorktreePath: "/tmp/a"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	outCh := make(chan []byte, 1)
	if err := sup.Subscribe(res.SessionID, "sub-1", func(b []byte) { outCh <- b }, func(int) {}, true); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := sup.Write(res.SessionID, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case got := <-outCh:
		if string(got) != "hello" {
			t.Fatalf("expected echoed output %q, got %q", "hello", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed output")
	}
}

func TestWriteAgainstMissingSessionFails(t *testing.T) {
	sup := withFakeWorker(t)
	if err := sup.Write("does-not-exist", []byte("x")); err == nil {
		t.Fatal("expected an error writing to a missing session")
	}
}

func TestSubscribeReplaysRingOnConnect(t *testing.T) {
	sup := withFakeWorker(t)
	defer sup.TerminateAll()

	res, err := sup.StartSession(context.Background(), StartParams{WorktreePath: "/tmp/a"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	live := make(chan []byte, 1)
	if err := sup.Subscribe(res.SessionID, "sub-live", func(b []byte) { live <- b }, func(int) {}, true); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sup.Write(res.SessionID, []byte("buffered")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	<-live // ensure the ring has been appended to before the replaying subscriber attaches

	replay := make(chan []byte, 1)
	if err := sup.Subscribe(res.SessionID, "sub-replay", func(b []byte) { replay <- b }, func(int) {}, false); err != nil {
		t.Fatalf("Subscribe (replay): %v", err)
	}

	select {
	case got := <-replay:
		if string(got) != "buffered" {
			t.Fatalf("expected replay of %q, got %q", "buffered", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for replay")
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	sup := withFakeWorker(t)

	res, err := sup.StartSession(context.Background(), StartParams{WorktreePath: "/tmp/a"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if !sup.Terminate(res.SessionID) {
		t.Fatal("expected first Terminate to succeed")
	}
	if !sup.Terminate(res.SessionID) {
		t.Fatal("expected second Terminate on a gone session to still report success")
	}
	if sup.ActiveSessionCount() != 0 {
		t.Fatalf("expected 0 active sessions after Terminate, got %d", sup.ActiveSessionCount())
	}
}

func TestConcurrentTerminateCoalesces(t *testing.T) {
	sup := withFakeWorker(t)

	res, err := sup.StartSession(context.Background(), StartParams{WorktreePath: "/tmp/a"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]bool, 10)
	for i := range results {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = sup.Terminate(res.SessionID)
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		if !ok {
			t.Fatalf("goroutine %d: expected Terminate to report success", i)
		}
	}
	if sup.ActiveSessionCount() != 0 {
		t.Fatalf("expected 0 active sessions, got %d", sup.ActiveSessionCount())
	}
}

func TestTerminateForWorktreeScope(t *testing.T) {
	sup := withFakeWorker(t)

	a1, err := sup.StartSession(context.Background(), StartParams{WorktreePath: "/tmp/a"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	a2, err := sup.StartSession(context.Background(), StartParams{WorktreePath: "/tmp/a"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	b1, err := sup.StartSession(context.Background(), StartParams{WorktreePath: "/tmp/b"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	defer sup.Terminate(b1.SessionID)

	count := sup.TerminateForWorktree("/tmp/a")
	if count != 2 {
		t.Fatalf("expected 2 sessions terminated, got %d", count)
	}

	stats := sup.GetStats()
	for _, s := range stats.Sessions {
		if s.ID == a1.SessionID || s.ID == a2.SessionID {
			t.Fatalf("session %s should have been terminated by worktree scope", s.ID)
		}
	}
	if stats.ActiveCount != 1 {
		t.Fatalf("expected the /tmp/b session to survive, got %d active", stats.ActiveCount)
	}
}

func TestGetBufferReturnsRingSnapshot(t *testing.T) {
	sup := withFakeWorker(t)
	defer sup.TerminateAll()

	res, err := sup.StartSession(context.Background(), StartParams{WorktreePath: "/tmp/a"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	out := make(chan []byte, 1)
	if err := sup.Subscribe(res.SessionID, "sub-1", func(b []byte) { out <- b }, func(int) {}, true); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sup.Write(res.SessionID, []byte("into-the-ring")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	<-out

	buf, err := sup.GetBuffer(res.SessionID)
	if err != nil {
		t.Fatalf("GetBuffer: %v", err)
	}
	if string(buf) != "into-the-ring" {
		t.Fatalf("expected buffered output %q, got %q", "into-the-ring", buf)
	}
}

func TestGetBufferAgainstMissingSessionFails(t *testing.T) {
	sup := withFakeWorker(t)
	if _, err := sup.GetBuffer("does-not-exist"); err == nil {
		t.Fatal("expected an error for a missing session")
	}
}

func TestDeterministicSessionIDIsStable(t *testing.T) {
	a := deterministicSessionID("/tmp/work", "term-1")
	b := deterministicSessionID("/tmp/work", "term-1")
	if a != b {
		t.Fatalf("expected deterministic id to be stable, got %q != %q", a, b)
	}
	c := deterministicSessionID("/tmp/work", "term-2")
	if a == c {
		t.Fatal("expected different terminal ids to produce different session ids")
	}
}

func TestUpdateOptionsAppliesHotReloadedSettings(t *testing.T) {
	sup := New(Options{})

	sup.UpdateOptions(8192, 10*time.Millisecond, time.Second, time.Second, 50, 80, 128)

	got := sup.currentOpts()
	if got.RingCapBytes != 8192 {
		t.Errorf("RingCapBytes = %d, want 8192", got.RingCapBytes)
	}
	if got.ReplayDelay != 10*time.Millisecond {
		t.Errorf("ReplayDelay = %v, want 10ms", got.ReplayDelay)
	}
	if got.FDWarnPercent != 50 || got.FDCriticalPercent != 80 || got.FDSoftLimitFloor != 128 {
		t.Errorf("FD thresholds not updated, got %+v", got)
	}
}

func TestUpdateOptionsIgnoresZeroFields(t *testing.T) {
	sup := New(Options{RingCapBytes: 4096})

	sup.UpdateOptions(0, 0, 0, 0, 0, 0, 0)

	got := sup.currentOpts()
	if got.RingCapBytes != 4096 {
		t.Errorf("expected RingCapBytes to be left unchanged at 4096, got %d", got.RingCapBytes)
	}
}
