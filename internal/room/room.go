package room

import (
	"sync"
	"time"

	"diagramsync/api/internal/snapshot"
)

// Room is the live state of one project's diagram. All fields are guarded by mu;
// saveMu serializes store writes so at most one save per room is in flight.
type Room struct {
	ProjectID string

	saveMu sync.Mutex

	mu         sync.Mutex
	doc        *snapshot.Document
	pending    []snapshot.Patch
	dirty      bool
	retries    int
	timer      *time.Timer
	conns      int
	lastAccess time.Time
	closed     bool
}

func newRoom(projectID string, snap snapshot.Snapshot) *Room {
	return &Room{
		ProjectID:  projectID,
		doc:        snapshot.NewDocument(snap),
		pending:    make([]snapshot.Patch, 0),
		lastAccess: time.Now(),
	}
}

// Snapshot returns the current document in wire form.
func (r *Room) Snapshot() snapshot.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Snapshot()
}

// PendingPatches lists patches not yet covered by a successful save.
func (r *Room) PendingPatches() []snapshot.Patch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]snapshot.Patch, len(r.pending))
	copy(out, r.pending)
	return out
}

func (r *Room) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns
}

func (r *Room) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}
