package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/worktree-dev/ptysuperd/src/supervisor"
)

// ShellStartInput is the input for the shellStart tool.
type ShellStartInput struct {
	WorktreePath string `json:"worktreePath" jsonschema:"Absolute path of the worktree to spawn a shell in"`
	Cols         uint16 `json:"cols,omitempty" jsonschema:"Terminal width in columns (0 or omitted is treated as 1)"`
	Rows         uint16 `json:"rows,omitempty" jsonschema:"Terminal height in rows (0 or omitted is treated as 1)"`
	ForceNew     bool   `json:"forceNew,omitempty" jsonschema:"Always spawn a fresh session even if one matches terminalId"`
	TerminalID   string `json:"terminalId,omitempty" jsonschema:"Stable id used to reuse a session across reconnects"`
	Shell        string `json:"shell,omitempty" jsonschema:"Shell binary to launch (default: operator's login shell)"`
}

// ShellStartOutput is the output for the shellStart tool.
type ShellStartOutput struct {
	ProcessID string `json:"processId"`
	IsNew     bool   `json:"isNew"`
}

// ShellWriteInput is the input for the shellWrite tool.
type ShellWriteInput struct {
	ProcessID string `json:"processId" jsonschema:"Session id returned by shellStart"`
	Data      string `json:"data" jsonschema:"Raw bytes to write to the shell's stdin"`
}

// ShellResizeInput is the input for the shellResize tool.
type ShellResizeInput struct {
	ProcessID string `json:"processId" jsonschema:"Session id returned by shellStart"`
	Cols      uint16 `json:"cols" jsonschema:"New terminal width in columns"`
	Rows      uint16 `json:"rows" jsonschema:"New terminal height in rows"`
}

// ShellTerminateInput is the input for the shellTerminate tool.
type ShellTerminateInput struct {
	ProcessID string `json:"processId" jsonschema:"Session id to terminate"`
}

// ShellTerminateOutput is the output for the shellTerminate tool.
type ShellTerminateOutput struct {
	Success bool `json:"success"`
}

// ShellGetBufferInput is the input for the shellGetBuffer tool.
type ShellGetBufferInput struct {
	ProcessID string `json:"processId" jsonschema:"Session id to read buffered output from"`
}

// ShellGetBufferOutput is the output for the shellGetBuffer tool.
type ShellGetBufferOutput struct {
	Buffer string `json:"buffer"`
}

// ShellOkOutput is a bare success/error acknowledgement.
type ShellOkOutput struct {
	Success bool `json:"success"`
}

// ShellTerminateForWorktreeInput is the input for the
// shellTerminateForWorktree tool.
type ShellTerminateForWorktreeInput struct {
	WorktreePath string `json:"worktreePath" jsonschema:"Worktree path whose sessions should all be terminated"`
}

// ShellTerminateForWorktreeOutput is the output for the
// shellTerminateForWorktree tool.
type ShellTerminateForWorktreeOutput struct {
	Count int `json:"count"`
}

// ShellSessionInfo is one session's entry in ShellGetStatsOutput.
type ShellSessionInfo struct {
	ID           string `json:"id"`
	WorktreePath string `json:"worktreePath"`
	Subscribers  int    `json:"subscribers"`
}

// ShellGetStatsOutput is the output for the shellGetStats tool.
type ShellGetStatsOutput struct {
	ActiveProcessCount int                `json:"activeProcessCount"`
	Sessions           []ShellSessionInfo `json:"sessions"`
}

// ShellGetStatsInput is the input for the shellGetStats tool (empty).
type ShellGetStatsInput struct{}

// ShellGetSpawnErrorsInput is the input for the shellGetSpawnErrors
// tool (empty).
type ShellGetSpawnErrorsInput struct{}

// ShellGetDiagnosticsInput is the input for the shellGetDiagnostics
// tool (empty).
type ShellGetDiagnosticsInput struct{}

// ShellGetForegroundProcessInput is the input for the
// shellGetForegroundProcess tool.
type ShellGetForegroundProcessInput struct {
	ProcessID string `json:"processId" jsonschema:"Session id to query"`
}

// ShellGetForegroundProcessOutput is the output for the
// shellGetForegroundProcess tool.
type ShellGetForegroundProcessOutput struct {
	Pid     int    `json:"pid"`
	Command string `json:"command"`
}

// ShellSpawnError is one entry in ShellGetSpawnErrorsOutput.
type ShellSpawnError struct {
	WorktreePath string `json:"worktreePath"`
	Message      string `json:"message"`
	OSCode       string `json:"osCode,omitempty"`
}

// ShellGetSpawnErrorsOutput is the output for the shellGetSpawnErrors
// tool.
type ShellGetSpawnErrorsOutput struct {
	Errors []ShellSpawnError `json:"errors"`
}

// ShellGetDiagnosticsOutput is the output for the shellGetDiagnostics
// tool, mirroring the HTTP /diagnostics payload's headline fields.
type ShellGetDiagnosticsOutput struct {
	OpenFDCount    int      `json:"openFdCount"`
	FDSoftLimit    int      `json:"fdSoftLimit"`
	FDHardLimit    int      `json:"fdHardLimit"`
	MasterFDs      int      `json:"masterFds"`
	SlaveFDs       int      `json:"slaveFds"`
	ActiveSessions int      `json:"activeSessions"`
	PtyInstances   int64    `json:"ptyInstancesCreated"`
	Warnings       []string `json:"warnings"`
}

// registerShellTools registers the shell:* operations as MCP tools,
// mirroring the HTTP surface in src/handler/shell.go.
func (s *Server) registerShellTools() error {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "shellStart",
		Description: "Start or reuse a PTY-backed shell session in a worktree",
	}, LogToolCall("shellStart", func(ctx context.Context, req *mcp.CallToolRequest, input ShellStartInput) (*mcp.CallToolResult, ShellStartOutput, error) {
		result, err := s.sup.StartSession(ctx, supervisor.StartParams{
			WorktreePath: input.WorktreePath,
			Cols:         input.Cols,
			Rows:         input.Rows,
			ForceNew:     input.ForceNew,
			TerminalID:   input.TerminalID,
			Shell:        input.Shell,
		})
		if err != nil {
			return nil, ShellStartOutput{}, err
		}
		return nil, ShellStartOutput{ProcessID: result.SessionID, IsNew: !result.Reused}, nil
	}))

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "shellWrite",
		Description: "Write raw bytes to a shell session's stdin",
	}, LogToolCall("shellWrite", func(ctx context.Context, req *mcp.CallToolRequest, input ShellWriteInput) (*mcp.CallToolResult, ShellOkOutput, error) {
		if err := s.sup.Write(input.ProcessID, []byte(input.Data)); err != nil {
			return nil, ShellOkOutput{}, err
		}
		return nil, ShellOkOutput{Success: true}, nil
	}))

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "shellResize",
		Description: "Resize a shell session's PTY",
	}, LogToolCall("shellResize", func(ctx context.Context, req *mcp.CallToolRequest, input ShellResizeInput) (*mcp.CallToolResult, ShellOkOutput, error) {
		if err := s.sup.Resize(input.ProcessID, input.Cols, input.Rows); err != nil {
			return nil, ShellOkOutput{}, err
		}
		return nil, ShellOkOutput{Success: true}, nil
	}))

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "shellTerminate",
		Description: "Terminate a shell session and free its PTY",
	}, LogToolCall("shellTerminate", func(ctx context.Context, req *mcp.CallToolRequest, input ShellTerminateInput) (*mcp.CallToolResult, ShellTerminateOutput, error) {
		return nil, ShellTerminateOutput{Success: s.sup.Terminate(input.ProcessID)}, nil
	}))

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "shellGetBuffer",
		Description: "Read a shell session's buffered recent output",
	}, LogToolCall("shellGetBuffer", func(ctx context.Context, req *mcp.CallToolRequest, input ShellGetBufferInput) (*mcp.CallToolResult, ShellGetBufferOutput, error) {
		buf, err := s.sup.GetBuffer(input.ProcessID)
		if err != nil {
			return nil, ShellGetBufferOutput{}, err
		}
		return nil, ShellGetBufferOutput{Buffer: string(buf)}, nil
	}))

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "shellTerminateForWorktree",
		Description: "Terminate every shell session rooted at a worktree path",
	}, LogToolCall("shellTerminateForWorktree", func(ctx context.Context, req *mcp.CallToolRequest, input ShellTerminateForWorktreeInput) (*mcp.CallToolResult, ShellTerminateForWorktreeOutput, error) {
		count := s.sup.TerminateForWorktree(input.WorktreePath)
		return nil, ShellTerminateForWorktreeOutput{Count: count}, nil
	}))

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "shellGetStats",
		Description: "List every active shell session and its subscriber count",
	}, LogToolCall("shellGetStats", func(ctx context.Context, req *mcp.CallToolRequest, input ShellGetStatsInput) (*mcp.CallToolResult, ShellGetStatsOutput, error) {
		stats := s.sup.GetStats()
		out := ShellGetStatsOutput{ActiveProcessCount: stats.ActiveCount, Sessions: make([]ShellSessionInfo, 0, len(stats.Sessions))}
		for _, info := range stats.Sessions {
			out.Sessions = append(out.Sessions, ShellSessionInfo{ID: info.ID, WorktreePath: info.WorktreePath, Subscribers: info.Subscribers})
		}
		return nil, out, nil
	}))

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "shellGetForegroundProcess",
		Description: "Query a shell session's currently foregrounded process",
	}, LogToolCall("shellGetForegroundProcess", func(ctx context.Context, req *mcp.CallToolRequest, input ShellGetForegroundProcessInput) (*mcp.CallToolResult, ShellGetForegroundProcessOutput, error) {
		cfg := s.cfg.Current()
		fg, err := s.sup.GetForegroundProcess(input.ProcessID, cfg.WorkerProbeTimeoutDuration())
		if err != nil {
			return nil, ShellGetForegroundProcessOutput{}, err
		}
		return nil, ShellGetForegroundProcessOutput{Pid: fg.Pid, Command: fg.Command}, nil
	}))

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "shellGetSpawnErrors",
		Description: "List the most recent shell spawn failures",
	}, LogToolCall("shellGetSpawnErrors", func(ctx context.Context, req *mcp.CallToolRequest, input ShellGetSpawnErrorsInput) (*mcp.CallToolResult, ShellGetSpawnErrorsOutput, error) {
		errs := s.sup.SpawnErrors()
		out := ShellGetSpawnErrorsOutput{Errors: make([]ShellSpawnError, len(errs))}
		for i, e := range errs {
			out.Errors[i] = ShellSpawnError{WorktreePath: e.WorktreePath, Message: e.Message, OSCode: e.OSCode}
		}
		return nil, out, nil
	}))

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "shellGetDiagnostics",
		Description: "Read the aggregate FD/process/PTY diagnostics report",
	}, LogToolCall("shellGetDiagnostics", func(ctx context.Context, req *mcp.CallToolRequest, input ShellGetDiagnosticsInput) (*mcp.CallToolResult, ShellGetDiagnosticsOutput, error) {
		cfg := s.cfg.Current()
		agg := s.sup.GetDiagnostics(cfg.WorkerProbeTimeoutDuration())
		return nil, ShellGetDiagnosticsOutput{
			OpenFDCount:    agg.Host.OpenFDCount,
			FDSoftLimit:    agg.Host.FDSoftLimit,
			FDHardLimit:    agg.Host.FDHardLimit,
			MasterFDs:      agg.Host.MasterFDs,
			SlaveFDs:       agg.Host.SlaveFDs,
			ActiveSessions: agg.ActiveSessions,
			PtyInstances:   agg.PtyInstances,
			Warnings:       agg.Warnings,
		}, nil
	}))

	return nil
}
