package ptyadapter

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func readUntil(t *testing.T, a *Adapter, want string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var buf bytes.Buffer
	tmp := make([]byte, 4096)
	for time.Now().Before(deadline) {
		a.ptmx.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := a.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
			if strings.Contains(buf.String(), want) {
				return buf.String()
			}
		}
		if err != nil && !strings.Contains(err.Error(), "timeout") {
			break
		}
	}
	return buf.String()
}

func TestStartAndEcho(t *testing.T) {
	a, err := Start(Params{Shell: "/bin/sh", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Kill()

	if a.Pid() == 0 {
		t.Fatal("expected a non-zero pid after Start")
	}

	if _, err := a.Write([]byte("echo hello-adapter\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out := readUntil(t, a, "hello-adapter", 3*time.Second)
	if !strings.Contains(out, "hello-adapter") {
		t.Fatalf("expected echoed output, got %q", out)
	}
}

func TestResize(t *testing.T) {
	a, err := Start(Params{Shell: "/bin/sh", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Kill()

	if err := a.Resize(120, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
}

func TestKillIsIdempotent(t *testing.T) {
	a, err := Start(Params{Shell: "/bin/sh"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := a.Kill(); err != nil {
		t.Fatalf("first Kill: %v", err)
	}
	if err := a.Kill(); err != nil {
		t.Fatalf("second Kill must be a no-op, got: %v", err)
	}

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done() channel was never closed by Kill")
	}
}

func TestWriteAfterKillFails(t *testing.T) {
	a, err := Start(Params{Shell: "/bin/sh"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	if _, err := a.Write([]byte("echo after-kill\n")); err == nil {
		t.Fatal("expected Write after Kill to fail")
	}
}

func TestWaitReportsExitCode(t *testing.T) {
	a, err := Start(Params{Shell: "/bin/sh"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := a.Write([]byte("exit 7\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	code, err := a.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 7 {
		t.Fatalf("expected exit code 7, got %d", code)
	}

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done() channel was never closed by Wait")
	}
}

func TestIsLoginShell(t *testing.T) {
	cases := map[string]bool{
		"/bin/bash":  true,
		"/bin/zsh":   true,
		"/bin/sh":    true,
		"/usr/bin/fish": true,
		"/bin/tcsh":  false,
		"nonsense":   false,
	}
	for shell, want := range cases {
		if got := isLoginShell(shell); got != want {
			t.Errorf("isLoginShell(%q) = %v, want %v", shell, got, want)
		}
	}
}

func TestBuildEnvStripsSensitiveKeys(t *testing.T) {
	t.Setenv("PTYSUPERD_SECRET", "shh")
	t.Setenv("GIT_ASKPASS", "/bin/false")

	env := buildEnv(nil, false)
	for _, kv := range env {
		if strings.HasPrefix(kv, "PTYSUPERD_") {
			t.Fatalf("expected PTYSUPERD_ vars to be stripped, found %q", kv)
		}
		if strings.HasPrefix(kv, "GIT_ASKPASS=") {
			t.Fatalf("expected GIT_ASKPASS to be stripped, found %q", kv)
		}
	}
}

func TestBuildEnvOverrideBypassesDenylist(t *testing.T) {
	env := buildEnv(map[string]string{"PTYSUPERD_OVERRIDE": "explicit"}, false)
	found := false
	for _, kv := range env {
		if kv == "PTYSUPERD_OVERRIDE=explicit" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an explicit override to bypass the sensitive-key denylist")
	}
}

func TestBuildEnvDefaultsTerm(t *testing.T) {
	env := buildEnv(nil, false)
	found := false
	for _, kv := range env {
		if kv == "TERM=xterm-256color" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a default TERM to be set")
	}
}
