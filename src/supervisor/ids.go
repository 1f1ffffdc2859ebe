package supervisor

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// newRandomSessionID returns a fresh, collision-free identifier for a
// force_new or otherwise non-reusable session.
func newRandomSessionID() string {
	return uuid.NewString()
}

// deterministicSessionID derives a stable identifier for the
// worktree_path/terminal_id pair so that a reuse/attach request is
// idempotent: the same pair always maps to the same session_id,
// without a round trip through the registry, as long as no session
// for that pair has ever existed under a different id.
func deterministicSessionID(worktreePath, terminalID string) string {
	h := sha256.Sum256([]byte(worktreePath + "\x00" + terminalID))
	return hex.EncodeToString(h[:])
}
