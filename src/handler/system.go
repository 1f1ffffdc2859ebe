package handler

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/worktree-dev/ptysuperd/src/config"
	"github.com/worktree-dev/ptysuperd/src/supervisor"
)

// Build information - set via ldflags at build time
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// SystemHandler handles process-wide operational endpoints: liveness
// and the Diagnostics Collector.
type SystemHandler struct {
	*BaseHandler
	sup *supervisor.Supervisor
	cfg *config.Manager
}

// NewSystemHandler wires a SystemHandler to the Supervisor it reports
// on.
func NewSystemHandler(sup *supervisor.Supervisor, cfg *config.Manager) *SystemHandler {
	return &SystemHandler{
		BaseHandler: NewBaseHandler(),
		sup:         sup,
		cfg:         cfg,
	}
}

// HealthResponse is the response body for the health endpoint
type HealthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	GitCommit     string  `json:"gitCommit"`
	BuildTime     string  `json:"buildTime"`
	GoVersion     string  `json:"goVersion"`
	OS            string  `json:"os"`
	Arch          string  `json:"arch"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	ActiveShells  int     `json:"activeShells"`
	StartedAt     string  `json:"startedAt"`
} // @name HealthResponse

// HandleHealth handles GET requests to /health
func (h *SystemHandler) HandleHealth(c *gin.Context) {
	uptime := time.Since(startTime)

	h.SendJSON(c, http.StatusOK, HealthResponse{
		Status:        "ok",
		Version:       Version,
		GitCommit:     GitCommit,
		BuildTime:     BuildTime,
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		ActiveShells:  h.sup.ActiveSessionCount(),
		StartedAt:     startTime.Format(time.RFC3339),
	})
}

// diagnosticsResponse is the wire shape of the Diagnostics Collector's
// aggregate report.
type diagnosticsResponse struct {
	OpenFDCount      int                          `json:"open_fd_count"`
	FDSoftLimit      int                          `json:"fd_soft_limit"`
	FDHardLimit      int                          `json:"fd_hard_limit"`
	MasterFDs        int                          `json:"master_fds"`
	SlaveFDs         int                          `json:"slave_fds"`
	ChildCount       int                          `json:"child_count"`
	ZombieCount      int                          `json:"zombie_count"`
	ProcessStates    map[string]int               `json:"process_states"`
	LoadAverage1     float64                      `json:"load_average_1"`
	MemTotalKB       uint64                       `json:"mem_total_kb"`
	MemFreeKB        uint64                       `json:"mem_free_kb"`
	GoHeapAllocBytes uint64                       `json:"go_heap_alloc_bytes"`
	PtmxMaxDevices   int                          `json:"ptmx_max_devices,omitempty"`
	ActiveSessions   int                          `json:"active_sessions"`
	PtyInstances     int64                        `json:"pty_instances_created"`
	Workers          map[string]workerFDsResponse `json:"workers"`
	SpawnErrors      []spawnErrorResponse         `json:"spawn_errors"`
	Warnings         []string                     `json:"warnings"`
}

type workerFDsResponse struct {
	MasterFDs int `json:"master_fds"`
	SlaveFDs  int `json:"slave_fds"`
	TotalFDs  int `json:"total_fds"`
}

// HandleDiagnostics handles GET requests to /diagnostics, implementing
// the Diagnostics Collector's aggregate report.
func (h *SystemHandler) HandleDiagnostics(c *gin.Context) {
	cfg := h.cfg.Current()
	agg := h.sup.GetDiagnostics(cfg.WorkerProbeTimeoutDuration())

	workers := make(map[string]workerFDsResponse, len(agg.Workers))
	for id, d := range agg.Workers {
		workers[id] = workerFDsResponse{MasterFDs: d.MasterFDs, SlaveFDs: d.SlaveFDs, TotalFDs: d.TotalFDs}
	}
	errs := make([]spawnErrorResponse, len(agg.SpawnErrors))
	for i, e := range agg.SpawnErrors {
		errs[i] = spawnErrorResponse{Timestamp: e.Timestamp, WorktreePath: e.WorktreePath, Message: e.Message, OSCode: e.OSCode}
	}

	h.SendJSON(c, http.StatusOK, diagnosticsResponse{
		OpenFDCount:      agg.Host.OpenFDCount,
		FDSoftLimit:      agg.Host.FDSoftLimit,
		FDHardLimit:      agg.Host.FDHardLimit,
		MasterFDs:        agg.Host.MasterFDs,
		SlaveFDs:         agg.Host.SlaveFDs,
		ChildCount:       agg.Host.ChildCount,
		ZombieCount:      agg.Host.ZombieCount,
		ProcessStates:    agg.Host.ProcessStates,
		LoadAverage1:     agg.Host.LoadAverage1,
		MemTotalKB:       agg.Host.MemTotalKB,
		MemFreeKB:        agg.Host.MemFreeKB,
		GoHeapAllocBytes: agg.Host.GoHeapAllocBytes,
		PtmxMaxDevices:   agg.Host.PtmxMaxDevices,
		ActiveSessions:   agg.ActiveSessions,
		PtyInstances:     agg.PtyInstances,
		Workers:          workers,
		SpawnErrors:      errs,
		Warnings:         agg.Warnings,
	})
}
