package integration_tests

import (
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worktree-dev/ptysuperd/integration_tests/common"
)

// TestMain assumes a ptysuperd server is already listening at
// API_BASE_URL (default http://localhost:8080); common's init() blocks
// until /health responds.
func TestMain(m *testing.M) {
	os.Exit(m.Run())
}

type startResponse struct {
	Success   bool   `json:"success"`
	ProcessID string `json:"process_id"`
	IsNew     bool   `json:"is_new"`
	Error     string `json:"error"`
}

type simpleResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type statsResponse struct {
	ActiveProcessCount int `json:"active_process_count"`
	Sessions           []struct {
		ID           string `json:"id"`
		WorktreePath string `json:"worktree_path"`
	} `json:"sessions"`
}

func startSession(t *testing.T, worktreePath string) string {
	t.Helper()
	resp, err := common.MakeRequest(http.MethodPost, "/shell/start", map[string]interface{}{
		"worktree_path": worktreePath,
		"cols":          80,
		"rows":          24,
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	var out startResponse
	require.NoError(t, common.ParseJSONResponse(resp, &out))
	require.True(t, out.Success, "start failed: %s", out.Error)
	require.NotEmpty(t, out.ProcessID)
	return out.ProcessID
}

func writeToSession(t *testing.T, processID, data string) {
	t.Helper()
	resp, err := common.MakeRequest(http.MethodPost, "/shell/write", map[string]interface{}{
		"process_id": processID,
		"data":       data,
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	var out simpleResult
	require.NoError(t, common.ParseJSONResponse(resp, &out))
	require.True(t, out.Success, "write failed: %s", out.Error)
}

func terminateSession(t *testing.T, processID string) bool {
	t.Helper()
	resp, err := common.MakeRequest(http.MethodPost, "/shell/terminate", map[string]interface{}{
		"process_id": processID,
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	var out simpleResult
	require.NoError(t, common.ParseJSONResponse(resp, &out))
	return out.Success
}

func getStats(t *testing.T) statsResponse {
	t.Helper()
	resp, err := common.MakeRequest(http.MethodGet, "/shell/stats", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out statsResponse
	require.NoError(t, common.ParseJSONResponse(resp, &out))
	return out
}

// collectOutput drains WS "output" frames into buf until pred matches
// or the deadline elapses.
func collectOutput(t *testing.T, processID string, deadline time.Duration, pred func(string) bool) string {
	t.Helper()
	conn, err := common.DialShellStream(processID)
	require.NoError(t, err)
	defer conn.Close()

	var mu sync.Mutex
	var buf strings.Builder
	done := make(chan struct{})

	go func() {
		for {
			var msg struct {
				Type string `json:"type"`
				Data string `json:"data"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				close(done)
				return
			}
			if msg.Type == "output" {
				mu.Lock()
				buf.WriteString(msg.Data)
				matched := pred(buf.String())
				mu.Unlock()
				if matched {
					close(done)
					return
				}
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(deadline):
	}
	mu.Lock()
	defer mu.Unlock()
	return buf.String()
}

// TestHealthEndpoint tests the health endpoint
func TestHealthEndpoint(t *testing.T) {
	resp, err := common.MakeRequest(http.MethodGet, "/health", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var response map[string]interface{}
	require.NoError(t, common.ParseJSONResponse(resp, &response))
	assert.Equal(t, "ok", response["status"])
}

// TestArithmeticEcho covers scenario 1: a round-tripped arithmetic
// expression appears in the session's output stream.
func TestArithmeticEcho(t *testing.T) {
	processID := startSession(t, "/tmp")
	defer terminateSession(t, processID)

	writeToSession(t, processID, "echo $[101+202]\r")

	out := collectOutput(t, processID, 2*time.Second, func(s string) bool {
		return strings.Contains(s, "303")
	})
	assert.Contains(t, out, "303")
}

// TestIndependentSessions covers scenario 2: two sessions with
// identically-named shell variables never observe each other's value.
func TestIndependentSessions(t *testing.T) {
	s1 := startSession(t, "/tmp")
	defer terminateSession(t, s1)
	s2 := startSession(t, "/tmp")
	defer terminateSession(t, s2)

	writeToSession(t, s1, "export X=A\r")
	writeToSession(t, s2, "export X=B\r")
	writeToSession(t, s1, "echo $X\r")
	writeToSession(t, s2, "echo $X\r")

	out1 := collectOutput(t, s1, 2*time.Second, func(s string) bool { return strings.Contains(s, "A") })
	out2 := collectOutput(t, s2, 2*time.Second, func(s string) bool { return strings.Contains(s, "B") })

	assert.Contains(t, out1, "A")
	assert.NotContains(t, out1, "B")
	assert.Contains(t, out2, "B")
	assert.NotContains(t, out2, "A")
}

// TestTerminateForWorktreeScope covers scenario 4: terminating by
// worktree path only affects sessions rooted there.
func TestTerminateForWorktreeScope(t *testing.T) {
	s1 := startSession(t, "/tmp/worktree-a")
	s2 := startSession(t, "/tmp/worktree-a")
	s3 := startSession(t, "/tmp/worktree-b")
	defer terminateSession(t, s3)

	resp, err := common.MakeRequest(http.MethodPost, "/shell/terminate-for-worktree", map[string]interface{}{
		"worktree_path": "/tmp/worktree-a",
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	var out struct {
		Success bool `json:"success"`
		Count   int  `json:"count"`
	}
	require.NoError(t, common.ParseJSONResponse(resp, &out))
	assert.True(t, out.Success)
	assert.Equal(t, 2, out.Count)

	stats := getStats(t)
	for _, s := range stats.Sessions {
		assert.NotEqual(t, s1, s.ID)
		assert.NotEqual(t, s2, s.ID)
	}
}

// TestConcurrentTerminateIsSafe covers scenario 5: racing Terminate
// calls against the same session all report success and the session
// disappears exactly once.
func TestConcurrentTerminateIsSafe(t *testing.T) {
	processID := startSession(t, "/tmp")

	var wg sync.WaitGroup
	results := make([]bool, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = terminateSession(t, processID)
		}(i)
	}
	wg.Wait()

	for _, ok := range results {
		assert.True(t, ok)
	}

	stats := getStats(t)
	for _, s := range stats.Sessions {
		assert.NotEqual(t, processID, s.ID)
	}

	// A second, sequential Terminate on the now-gone session must still
	// report success.
	assert.True(t, terminateSession(t, processID))
}

// TestReplayAfterReconnect covers scenario 6: a subscriber that
// reconnects after missing output receives it through the replay. It
// checks that output from before and after the disconnect both arrive;
// it does not check the order of replayed and live bytes.
func TestReplayAfterReconnect(t *testing.T) {
	processID := startSession(t, "/tmp")
	defer terminateSession(t, processID)

	conn, err := common.DialShellStream(processID)
	require.NoError(t, err)

	writeToSession(t, processID, "echo first\r")
	time.Sleep(300 * time.Millisecond)
	conn.Close()

	writeToSession(t, processID, "echo second\r")
	time.Sleep(300 * time.Millisecond)

	out := collectOutput(t, processID, 2*time.Second, func(s string) bool {
		return strings.Contains(s, "first") && strings.Contains(s, "second")
	})
	assert.Contains(t, out, "first")
	assert.Contains(t, out, "second")
}
