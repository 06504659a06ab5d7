// Package room owns the in-memory state of every document being edited and the
// debounced pipeline that checkpoints it to the store.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"diagramsync/api/internal/metrics"
	"diagramsync/api/internal/snapshot"
	"diagramsync/api/internal/store"
)

var ErrClosed = errors.New("room registry closed")

type snapshotStore interface {
	GetDiagram(ctx context.Context, projectID string) (store.DiagramRecord, error)
	CreateDiagram(ctx context.Context, projectID string, snapshot json.RawMessage) (store.DiagramRecord, error)
	SaveDiagram(ctx context.Context, projectID string, snapshot json.RawMessage) (store.DiagramRecord, error)
}

type Options struct {
	SaveDebounce  time.Duration
	MaxRetries    int
	IdleTTL       time.Duration
	SweepInterval time.Duration
	StoreTimeout  time.Duration
}

func DefaultOptions() Options {
	return Options{
		SaveDebounce:  800 * time.Millisecond,
		MaxRetries:    5,
		IdleTTL:       10 * time.Minute,
		SweepInterval: time.Minute,
		StoreTimeout:  5 * time.Second,
	}
}

// Registry is created once at process start; Close flushes every pending save.
// Lock order is Registry.mu before Room.mu.
type Registry struct {
	store   snapshotStore
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	loads singleflight.Group

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

func NewRegistry(snapshots snapshotStore, opts Options, logger *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		store:   snapshots,
		opts:    opts,
		logger:  logger.Named("rooms"),
		metrics: m,
		rooms:   make(map[string]*Room),
	}
}

// LoadInitial reads the persisted snapshot, creating an empty record when none exists.
func (g *Registry) LoadInitial(ctx context.Context, projectID string) (snapshot.Snapshot, error) {
	record, err := g.store.GetDiagram(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		empty, marshalErr := json.Marshal(snapshot.Empty(time.Now()))
		if marshalErr != nil {
			return snapshot.Snapshot{}, fmt.Errorf("encode empty snapshot: %w", marshalErr)
		}
		record, err = g.store.CreateDiagram(ctx, projectID, empty)
		if err != nil {
			return snapshot.Snapshot{}, fmt.Errorf("create snapshot: %w", err)
		}
		return snapshot.Normalize(record.Snapshot), nil
	}
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	return snapshot.Normalize(record.Snapshot), nil
}

func (g *Registry) GetRoom(projectID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[projectID]
	return room, ok
}

// liveRoom is GetRoom that reports nothing once Close has started.
func (g *Registry) liveRoom(projectID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, false
	}
	room, ok := g.rooms[projectID]
	return room, ok
}

// EnsureRoom returns the live room, loading it on first use. Concurrent first
// callers for the same project share a single load.
func (g *Registry) EnsureRoom(ctx context.Context, projectID string) (*Room, error) {
	if room, ok := g.GetRoom(projectID); ok {
		return room, nil
	}
	v, err, _ := g.loads.Do(projectID, func() (any, error) {
		if room, ok := g.GetRoom(projectID); ok {
			return room, nil
		}
		// Other callers wait on this load, so it must not die with the first caller's ctx.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.StoreTimeout)
		defer cancel()
		snap, err := g.LoadInitial(loadCtx, projectID)
		if err != nil {
			return nil, err
		}
		room := newRoom(projectID, snap)

		g.mu.Lock()
		defer g.mu.Unlock()
		if g.closed {
			return nil, ErrClosed
		}
		g.rooms[projectID] = room
		g.metrics.RoomOpened()
		g.logger.Debug("room opened", zap.String("projectID", projectID))
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

// Acquire ensures the room and counts a connection against it so the sweeper
// leaves it alone until the matching Release.
func (g *Registry) Acquire(ctx context.Context, projectID string) (*Room, error) {
	for {
		room, err := g.EnsureRoom(ctx, projectID)
		if err != nil {
			return nil, err
		}
		if g.retain(room) {
			return room, nil
		}
	}
}

func (g *Registry) retain(room *Room) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rooms[room.ProjectID] != room {
		return false
	}
	room.mu.Lock()
	room.conns++
	room.lastAccess = time.Now()
	room.mu.Unlock()
	return true
}

func (g *Registry) Release(projectID string) {
	room, ok := g.GetRoom(projectID)
	if !ok {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.conns > 0 {
		room.conns--
	}
	room.lastAccess = time.Now()
}

// QueuePatch folds patch into the room and restarts the save debounce. It is a
// no-op when the project has no room and reports whether the patch changed the document.
func (g *Registry) QueuePatch(projectID string, patch snapshot.Patch) bool {
	room, ok := g.liveRoom(projectID)
	if !ok {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed {
		return false
	}
	applied := room.doc.Apply(patch)
	room.pending = append(room.pending, patch)
	room.dirty = true
	room.retries = 0
	room.lastAccess = time.Now()
	g.scheduleLocked(room)
	return applied
}

// Snapshot returns the hot snapshot for projectID, if there is a room.
func (g *Registry) Snapshot(projectID string) (snapshot.Snapshot, bool) {
	room, ok := g.GetRoom(projectID)
	if !ok {
		return snapshot.Snapshot{}, false
	}
	return room.Snapshot(), true
}

// Put persists snap as the project's document outside the patch pipeline. With
// a live room the write runs under the room's save lock and the room adopts snap,
// so a checkpoint already in flight cannot land after it.
func (g *Registry) Put(ctx context.Context, projectID string, snap snapshot.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	room, hot := g.liveRoom(projectID)
	if hot {
		room.saveMu.Lock()
		defer room.saveMu.Unlock()
	}
	if _, err := g.store.SaveDiagram(ctx, projectID, payload); err != nil {
		return fmt.Errorf("save snapshot %s: %w", projectID, err)
	}
	if hot {
		room.mu.Lock()
		adoptLocked(room, snap)
		room.mu.Unlock()
		return nil
	}

	// A room may have opened while the write was running; it could hold either
	// version, so it adopts snap and checkpoints it again.
	room, ok := g.liveRoom(projectID)
	if !ok {
		return nil
	}
	room.saveMu.Lock()
	defer room.saveMu.Unlock()
	room.mu.Lock()
	defer room.mu.Unlock()
	adoptLocked(room, snap)
	room.dirty = true
	g.scheduleLocked(room)
	return nil
}

// adoptLocked replaces the room document and drops patches it supersedes.
func adoptLocked(room *Room, snap snapshot.Snapshot) {
	room.doc.Replace(snap)
	room.pending = room.pending[:0]
	room.dirty = false
	room.retries = 0
	room.lastAccess = time.Now()
}

// scheduleLocked arms or resets the trailing debounce. Caller holds room.mu.
func (g *Registry) scheduleLocked(room *Room) {
	if room.timer == nil {
		projectID := room.ProjectID
		room.timer = time.AfterFunc(g.opts.SaveDebounce, func() { g.fire(projectID) })
		return
	}
	room.timer.Reset(g.opts.SaveDebounce)
}

func (g *Registry) fire(projectID string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.opts.StoreTimeout)
	defer cancel()
	_ = g.Flush(ctx, projectID)
}

// Flush persists the room's current snapshot if it has unsaved changes. The room
// is looked up by id each time, never through a reference captured at schedule time.
func (g *Registry) Flush(ctx context.Context, projectID string) error {
	room, ok := g.GetRoom(projectID)
	if !ok {
		return nil
	}
	room.saveMu.Lock()
	defer room.saveMu.Unlock()

	room.mu.Lock()
	if !room.dirty {
		room.mu.Unlock()
		return nil
	}
	room.doc.SetUpdatedAt(snapshot.Timestamp(time.Now()))
	snap := room.doc.Snapshot()
	covered := len(room.pending)
	room.dirty = false
	room.mu.Unlock()

	payload, err := json.Marshal(snap)
	if err == nil {
		_, err = g.store.SaveDiagram(ctx, projectID, payload)
	}
	g.metrics.SnapshotSaved(err)

	room.mu.Lock()
	defer room.mu.Unlock()
	if err != nil {
		room.dirty = true
		room.retries++
		logger := g.logger.With(zap.String("projectID", projectID), zap.Int("attempt", room.retries), zap.Error(err))
		if room.retries <= g.opts.MaxRetries {
			logger.Warn("snapshot save failed, retrying")
			g.scheduleLocked(room)
		} else {
			logger.Error("snapshot save failed, giving up until next change")
		}
		return fmt.Errorf("save snapshot %s: %w", projectID, err)
	}
	room.retries = 0
	if covered > len(room.pending) {
		covered = len(room.pending)
	}
	room.pending = append(room.pending[:0], room.pending[covered:]...)
	g.logger.Debug("snapshot saved", zap.String("projectID", projectID), zap.Int("patches", covered))
	return nil
}

// Run sweeps idle rooms until ctx is done.
func (g *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(g.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// Sweep evicts rooms with no connections that have been idle for IdleTTL, after
// a final flush. A room whose flush fails is kept for the next sweep.
func (g *Registry) Sweep(ctx context.Context) int {
	g.mu.Lock()
	candidates := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		candidates = append(candidates, room)
	}
	g.mu.Unlock()

	now := time.Now()
	evicted := 0
	for _, room := range candidates {
		room.mu.Lock()
		idle := room.conns == 0 && now.Sub(room.lastAccess) >= g.opts.IdleTTL
		room.mu.Unlock()
		if !idle {
			continue
		}

		flushCtx, cancel := context.WithTimeout(ctx, g.opts.StoreTimeout)
		err := g.Flush(flushCtx, room.ProjectID)
		cancel()
		if err != nil {
			continue
		}
		if g.evict(room) {
			evicted++
		}
	}
	return evicted
}

func (g *Registry) evict(room *Room) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rooms[room.ProjectID] != room {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.conns > 0 || room.dirty {
		return false
	}
	if room.timer != nil {
		room.timer.Stop()
	}
	delete(g.rooms, room.ProjectID)
	g.metrics.RoomClosed()
	g.logger.Debug("room evicted", zap.String("projectID", room.ProjectID))
	return true
}

func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Close stops new rooms from opening and flushes every room with unsaved changes.
func (g *Registry) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	g.mu.Unlock()

	var eg errgroup.Group
	for _, room := range rooms {
		room.mu.Lock()
		room.closed = true
		if room.timer != nil {
			room.timer.Stop()
		}
		// no retries after shutdown
		room.retries = g.opts.MaxRetries + 1
		room.mu.Unlock()

		projectID := room.ProjectID
		eg.Go(func() error {
			return g.Flush(ctx, projectID)
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("flush rooms: %w", err)
	}
	g.logger.Info("room registry closed", zap.Int("rooms", len(rooms)))
	return nil
}
