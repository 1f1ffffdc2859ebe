package supervisor

import "fmt"

// SpawnFailedError reports that StartSession could not bring up a
// Session Worker: the worker process did not start, did not report
// ready in time, or could not be sent its Start frame. Message
// preserves the underlying error string verbatim. A PTY that the
// Worker fails to open after Start is not returned here: the Worker's
// Error frame ends that session and the text is recorded in the
// spawn-error list.
type SpawnFailedError struct {
	WorktreePath string
	Message      string
	OSCode       string
}

func (e *SpawnFailedError) Error() string {
	if e.OSCode != "" {
		return fmt.Sprintf("spawn failed for %s: %s (%s)", e.WorktreePath, e.Message, e.OSCode)
	}
	return fmt.Sprintf("spawn failed for %s: %s", e.WorktreePath, e.Message)
}

// SessionNotFoundError reports that a session_id has no live entry in
// the registry. Terminate treats this as success; Write/Resize/
// Subscribe surface it as a recoverable error.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.SessionID)
}

// IpcError reports that the link to a session's Worker broke
// unexpectedly (pipe closed, decode failure) outside of a requested
// Terminate. It is terminal for that session.
type IpcError struct {
	SessionID string
	Cause     error
}

func (e *IpcError) Error() string {
	return fmt.Sprintf("ipc error for session %s: %v", e.SessionID, e.Cause)
}

func (e *IpcError) Unwrap() error { return e.Cause }

// KillTimeoutError reports that a Worker did not acknowledge exit
// within the safety window. The session is still marked gone.
type KillTimeoutError struct {
	SessionID string
}

func (e *KillTimeoutError) Error() string {
	return fmt.Sprintf("kill timeout waiting for worker exit: %s", e.SessionID)
}
