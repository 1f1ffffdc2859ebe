// Package outputring implements the bounded, chunk-preserving replay
// buffer used to catch up late-joining terminal subscribers.
package outputring

import (
	"container/list"
	"sync"
)

// DefaultCap is the default byte budget for a ring, matching the
// teacher's terminal session buffer size.
const DefaultCap = 100 * 1024

// ansiReset is optionally prepended to a snapshot to clear any text
// attributes that were carried by a chunk this ring has since evicted.
// It is cosmetic only: it never affects chunk accounting or ordering.
const ansiReset = "\x1b[0m"

// Ring is an append-only sequence of byte chunks bounded by a total
// byte cap. On overflow, whole leading chunks are evicted until the
// total is at or below cap; a chunk is never split, so a replay can
// never begin mid-escape-sequence.
type Ring struct {
	mu    sync.Mutex
	cap   int
	total int
	chunks *list.List
}

// New creates a Ring with the given byte cap. A cap <= 0 uses DefaultCap.
func New(capBytes int) *Ring {
	if capBytes <= 0 {
		capBytes = DefaultCap
	}
	return &Ring{
		cap:    capBytes,
		chunks: list.New(),
	}
}

// Append adds a chunk to the ring, evicting whole leading chunks if the
// new total exceeds the cap. A nil or empty chunk is a no-op.
func (r *Ring) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	owned := make([]byte, len(chunk))
	copy(owned, chunk)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.chunks.PushBack(owned)
	r.total += len(owned)

	for r.total > r.cap && r.chunks.Len() > 0 {
		front := r.chunks.Front()
		evicted := front.Value.([]byte)
		r.total -= len(evicted)
		r.chunks.Remove(front)
	}
}

// Len returns the current total size in bytes.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Snapshot returns the current concatenation of surviving chunks, in
// order, as a single byte sequence suitable for replay to a new
// subscriber. The returned slice is a copy; mutating it is safe.
func (r *Ring) Snapshot() []byte {
	return r.snapshot(false)
}

// SnapshotWithReset is identical to Snapshot but prepends an ANSI reset
// sequence ahead of the buffered bytes, undoing any stray text
// attribute left dangling by a chunk this ring has evicted. Purely
// cosmetic; callers that care about exact byte-for-byte ordering
// (tests asserting prefix/suffix relationships) should use Snapshot.
func (r *Ring) SnapshotWithReset() []byte {
	return r.snapshot(true)
}

func (r *Ring) snapshot(reset bool) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.total == 0 {
		return nil
	}

	prefix := 0
	if reset {
		prefix = len(ansiReset)
	}
	out := make([]byte, 0, prefix+r.total)
	if reset {
		out = append(out, ansiReset...)
	}
	for e := r.chunks.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.([]byte)...)
	}
	return out
}
