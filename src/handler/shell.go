package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/worktree-dev/ptysuperd/src/config"
	"github.com/worktree-dev/ptysuperd/src/supervisor"
)

// ShellHandler exposes the Session Supervisor over the `shell:*`
// method table from the external interface table: plain HTTP for
// request/response operations, and a WebSocket per session for the
// live output/input/resize stream.
type ShellHandler struct {
	*BaseHandler
	sup      *supervisor.Supervisor
	cfg      *config.Manager
	upgrader websocket.Upgrader
}

// NewShellHandler wires a ShellHandler to an already-constructed
// Supervisor and config Manager.
func NewShellHandler(sup *supervisor.Supervisor, cfg *config.Manager) *ShellHandler {
	return &ShellHandler{
		BaseHandler: NewBaseHandler(),
		sup:         sup,
		cfg:         cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// startRequest is the body of `shell:start`.
type startRequest struct {
	WorktreePath string `json:"worktree_path" binding:"required"`
	Cols         uint16 `json:"cols"`
	Rows         uint16 `json:"rows"`
	ForceNew     bool   `json:"force_new"`
	TerminalID   string `json:"terminal_id"`
	SetLocale    bool   `json:"set_locale"`
	Shell        string `json:"shell"`
}

type startResponse struct {
	Success   bool   `json:"success"`
	ProcessID string `json:"process_id,omitempty"`
	IsNew     bool   `json:"is_new,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HandleStart implements `shell:start`.
func (h *ShellHandler) HandleStart(c *gin.Context) {
	var req startRequest
	if err := h.BindJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, startResponse{Success: false, Error: err.Error()})
		return
	}

	cfg := h.cfg.Current()
	shell := req.Shell
	if shell == "" {
		shell = cfg.Session.DefaultShell
	}
	result, err := h.sup.StartSession(c.Request.Context(), supervisor.StartParams{
		WorktreePath: req.WorktreePath,
		Cols:         req.Cols,
		Rows:         req.Rows,
		ForceNew:     req.ForceNew,
		TerminalID:   req.TerminalID,
		SetLocale:    req.SetLocale || cfg.Locale.SetLocaleDefault,
		Shell:        shell,
	})
	if err != nil {
		c.JSON(http.StatusOK, startResponse{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, startResponse{Success: true, ProcessID: result.SessionID, IsNew: !result.Reused})
}

type writeRequest struct {
	ProcessID string `json:"process_id" binding:"required"`
	Data      string `json:"data"`
}

type simpleResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// HandleWrite implements `shell:write`.
func (h *ShellHandler) HandleWrite(c *gin.Context) {
	var req writeRequest
	if err := h.BindJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, simpleResult{Success: false, Error: err.Error()})
		return
	}
	if err := h.sup.Write(req.ProcessID, []byte(req.Data)); err != nil {
		c.JSON(http.StatusOK, simpleResult{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, simpleResult{Success: true})
}

type resizeRequest struct {
	ProcessID string `json:"process_id" binding:"required"`
	Cols      uint16 `json:"cols" binding:"required"`
	Rows      uint16 `json:"rows" binding:"required"`
}

// HandleResize implements `shell:resize`.
func (h *ShellHandler) HandleResize(c *gin.Context) {
	var req resizeRequest
	if err := h.BindJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, simpleResult{Success: false, Error: err.Error()})
		return
	}
	if err := h.sup.Resize(req.ProcessID, req.Cols, req.Rows); err != nil {
		c.JSON(http.StatusOK, simpleResult{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, simpleResult{Success: true})
}

type terminateRequest struct {
	ProcessID string `json:"process_id" binding:"required"`
}

// HandleTerminate implements `shell:terminate`.
func (h *ShellHandler) HandleTerminate(c *gin.Context) {
	var req terminateRequest
	if err := h.BindJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, simpleResult{Success: false, Error: err.Error()})
		return
	}
	success := h.sup.Terminate(req.ProcessID)
	c.JSON(http.StatusOK, simpleResult{Success: success})
}

type terminateForWorktreeRequest struct {
	WorktreePath string `json:"worktree_path" binding:"required"`
}

type terminateForWorktreeResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

// HandleTerminateForWorktree implements `shell:terminate-for-worktree`.
func (h *ShellHandler) HandleTerminateForWorktree(c *gin.Context) {
	var req terminateForWorktreeRequest
	if err := h.BindJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, terminateForWorktreeResponse{Success: false})
		return
	}
	count := h.sup.TerminateForWorktree(req.WorktreePath)
	c.JSON(http.StatusOK, terminateForWorktreeResponse{Success: true, Count: count})
}

type statsSessionResponse struct {
	ID           string    `json:"id"`
	WorktreePath string    `json:"worktree_path"`
	CreatedAt    time.Time `json:"created_at"`
	Subscribers  int       `json:"subscribers"`
}

type statsResponse struct {
	ActiveProcessCount int                    `json:"active_process_count"`
	Sessions           []statsSessionResponse `json:"sessions"`
}

// HandleGetStats implements `shell:get-stats`.
func (h *ShellHandler) HandleGetStats(c *gin.Context) {
	stats := h.sup.GetStats()
	out := statsResponse{ActiveProcessCount: stats.ActiveCount, Sessions: make([]statsSessionResponse, 0, len(stats.Sessions))}
	for _, s := range stats.Sessions {
		out.Sessions = append(out.Sessions, statsSessionResponse{
			ID:           s.ID,
			WorktreePath: s.WorktreePath,
			CreatedAt:    s.CreatedAt,
			Subscribers:  s.Subscribers,
		})
	}
	c.JSON(http.StatusOK, out)
}

type foregroundResponse struct {
	Pid     int    `json:"pid"`
	Command string `json:"command"`
}

// HandleGetForegroundProcess implements `shell:get-foreground-process`.
func (h *ShellHandler) HandleGetForegroundProcess(c *gin.Context) {
	processID := c.Query("process_id")
	if processID == "" {
		c.JSON(http.StatusBadRequest, foregroundResponse{})
		return
	}
	cfg := h.cfg.Current()
	fg, err := h.sup.GetForegroundProcess(processID, cfg.WorkerProbeTimeoutDuration())
	if err != nil {
		c.JSON(http.StatusOK, foregroundResponse{})
		return
	}
	c.JSON(http.StatusOK, foregroundResponse{Pid: fg.Pid, Command: fg.Command})
}

type bufferResponse struct {
	Success bool   `json:"success"`
	Buffer  string `json:"buffer,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HandleGetBuffer implements `shell:get-buffer`.
func (h *ShellHandler) HandleGetBuffer(c *gin.Context) {
	processID := c.Query("process_id")
	buf, err := h.sup.GetBuffer(processID)
	if err != nil {
		c.JSON(http.StatusOK, bufferResponse{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, bufferResponse{Success: true, Buffer: string(buf)})
}

type spawnErrorResponse struct {
	Timestamp    time.Time `json:"timestamp"`
	WorktreePath string    `json:"worktree_path"`
	Message      string    `json:"message"`
	OSCode       string    `json:"os_code,omitempty"`
}

// HandleGetSpawnErrors implements `shell:get-spawn-errors`.
func (h *ShellHandler) HandleGetSpawnErrors(c *gin.Context) {
	errs := h.sup.SpawnErrors()
	out := make([]spawnErrorResponse, len(errs))
	for i, e := range errs {
		out[i] = spawnErrorResponse{Timestamp: e.Timestamp, WorktreePath: e.WorktreePath, Message: e.Message, OSCode: e.OSCode}
	}
	c.JSON(http.StatusOK, out)
}

// wsEnvelope is the WebSocket wire shape: the browser-facing cousin of
// workerproto.Frame, scoped to exactly the fields a client needs.
type wsEnvelope struct {
	Type string `json:"type"` // "input", "output", "resize", "exit", "error"
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
	Code int    `json:"code,omitempty"`
}

// HandleStream upgrades to a WebSocket for one session's live output
// and input, subscribing on connect and unsubscribing on close.
func (h *ShellHandler) HandleStream(c *gin.Context) {
	processID := c.Query("process_id")
	if processID == "" {
		c.String(http.StatusBadRequest, "process_id is required")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Errorf("shell: failed to upgrade websocket: %v", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	writeJSON := func(env wsEnvelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(env)
	}

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() { closeOnce.Do(func() { close(done) }) }

	subID := "ws-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	err = h.sup.Subscribe(processID, subID,
		func(data []byte) {
			if err := writeJSON(wsEnvelope{Type: "output", Data: string(data)}); err != nil {
				closeDone()
			}
		},
		func(code int) {
			_ = writeJSON(wsEnvelope{Type: "exit", Code: code})
			closeDone()
		},
		false,
	)
	if err != nil {
		_ = writeJSON(wsEnvelope{Type: "error", Data: err.Error()})
		return
	}
	defer h.sup.Unsubscribe(processID, subID)

	for {
		select {
		case <-done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			closeDone()
			return
		}

		var msg wsEnvelope
		if err := json.Unmarshal(message, &msg); err != nil {
			logrus.Warnf("shell: invalid websocket message: %v", err)
			continue
		}

		switch msg.Type {
		case "input":
			if err := h.sup.Write(processID, []byte(msg.Data)); err != nil {
				logrus.Warnf("shell: write to session %s failed: %v", processID, err)
			}
		case "resize":
			if msg.Cols > 0 && msg.Rows > 0 {
				if err := h.sup.Resize(processID, msg.Cols, msg.Rows); err != nil {
					logrus.Warnf("shell: resize session %s failed: %v", processID, err)
				}
			}
		}
	}
}
