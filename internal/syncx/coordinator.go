// Package syncx provides the Coordinator: the single entry point application
// code talks to for offline-first CRUD, sync control and aggregate state.
package syncx

import (
	"context"
	"encoding/json"

	apperrors "github.com/halcyonlabs/sphere/backend/internal/errors"
	"github.com/halcyonlabs/sphere/backend/internal/logging"
	"github.com/halcyonlabs/sphere/backend/internal/models"
	"github.com/halcyonlabs/sphere/backend/internal/store"
	"github.com/halcyonlabs/sphere/backend/internal/syncx/conflict"
	"github.com/halcyonlabs/sphere/backend/internal/syncx/event"
	"github.com/halcyonlabs/sphere/backend/internal/syncx/queue"
)

// State is the coordinator's connectivity/sync state machine.
type State string

const (
	StateOffline       State = "offline"
	StateOnlineIdle    State = "online_idle"
	StateOnlineSyncing State = "online_syncing"
)

// Notification is a coordinator event fanned out to UI observers (the
// desktop WebSocket hub republishes these verbatim).
type Notification struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Notification types.
const (
	EventSyncProgress    = "sync.progress"
	EventSyncCompleted   = "sync.completed"
	EventSyncFailed      = "sync.failed"
	EventConflictFound   = "conflict.detected"
	EventConflictCleared = "conflict.resolved"
	EventConnectivity    = "connectivity.changed"
)

// Snapshot is the aggregate engine state observers render from.
type Snapshot struct {
	IsOnline               bool                     `json:"is_online"`
	State                  State                    `json:"state"`
	SyncInProgress         bool                     `json:"sync_in_progress"`
	PendingCount           int                      `json:"pending_count"`
	FailedCount            int                      `json:"failed_count"`
	Conflicts              []*models.ConflictRecord `json:"conflicts"`
	HasUnresolvedConflicts bool                     `json:"has_unresolved_conflicts"`
	Storage                *store.Usage             `json:"storage,omitempty"`
}

// ThreadPatch is a partial thread update; nil fields are left unchanged.
type ThreadPatch struct {
	SphereID *string `json:"sphere_id,omitempty"`
	Title    *string `json:"title,omitempty"`
}

// MessagePatch is a partial message update.
type MessagePatch struct {
	Content *string `json:"content,omitempty"`
}

// QuickCapturePatch is a partial quick capture update.
type QuickCapturePatch struct {
	SphereID *string `json:"sphere_id,omitempty"`
	Content  *string `json:"content,omitempty"`
}

// Coordinator composes the local store, the sync queue, the conflict
// resolver and the connectivity signal behind one optimistic-write API.
// All collaborators are injected; the coordinator owns no global state.
type Coordinator struct {
	store        *store.Store
	queue        *queue.Queue
	resolver     *conflict.Resolver
	connectivity *Connectivity
	cfg          *SyncConfig

	events *event.Bus[Notification]
	unsubs []func()
}

// NewCoordinator wires the engine together and subscribes to its
// collaborators' events so observers see one consistent stream.
func NewCoordinator(st *store.Store, q *queue.Queue, r *conflict.Resolver, conn *Connectivity, cfg *SyncConfig) *Coordinator {
	if cfg == nil {
		cfg = DefaultSyncConfig()
	}
	c := &Coordinator{
		store:        st,
		queue:        q,
		resolver:     r,
		connectivity: conn,
		cfg:          cfg,
		events:       event.NewBus[Notification](),
	}

	c.unsubs = append(c.unsubs,
		conn.OnChange(c.handleConnectivityChange),
		q.OnProgress(func(p queue.Progress) {
			c.events.Publish(Notification{Type: EventSyncProgress, Data: p})
		}),
		r.OnConflict(func(e conflict.Event) {
			switch e.Kind {
			case conflict.EventDetected:
				c.events.Publish(Notification{Type: EventConflictFound, Data: e.Conflict})
			case conflict.EventResolved:
				c.events.Publish(Notification{Type: EventConflictCleared, Data: e.Conflict})
			}
		}),
	)

	return c
}

// Start begins periodic background draining.
func (c *Coordinator) Start() {
	if c.cfg.AutoSyncInterval > 0 {
		c.queue.StartAutoSync(c.cfg.AutoSyncInterval)
	}
}

// Close detaches event subscriptions and stops background draining. The
// store handle is owned and closed by whoever opened it.
func (c *Coordinator) Close() {
	c.queue.StopAutoSync()
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	c.queue.Wait()
}

// OnEvent subscribes to coordinator notifications; returns an unsubscribe
// function.
func (c *Coordinator) OnEvent(handler func(Notification)) func() {
	return c.events.Subscribe(handler)
}

// handleConnectivityChange drives the state machine: a transition to online
// triggers an immediate drain, a transition to offline just stops scheduling
// new ones (an in-flight drain finishes its current item and then hits the
// offline guard).
func (c *Coordinator) handleConnectivityChange(online bool) {
	c.events.Publish(Notification{Type: EventConnectivity, Data: online})

	if !online {
		return
	}

	go func() {
		if _, err := c.SyncNow(context.Background()); err != nil {
			logging.Error("Drain after reconnect failed", err)
		}
	}()
}

// State reports the current coordinator state.
func (c *Coordinator) State() State {
	if !c.connectivity.IsOnline() {
		return StateOffline
	}
	if c.queue.Draining() {
		return StateOnlineSyncing
	}
	return StateOnlineIdle
}

// IsOnline reports current connectivity.
func (c *Coordinator) IsOnline() bool {
	return c.connectivity.IsOnline()
}

// SetOnline feeds a connectivity transition from the platform signal.
func (c *Coordinator) SetOnline(online bool) {
	c.connectivity.SetOnline(online)
}

// =====================================================
// Thread operations
// =====================================================

// CreateThread writes the thread locally and enqueues its creation. The
// caller sees the stored record before any network round trip.
func (c *Coordinator) CreateThread(t *models.Thread) (*models.Thread, error) {
	saved, err := c.store.SaveThread(t)
	if err != nil {
		return nil, err
	}
	if err := c.enqueueRecord(models.ActionCreate, models.StoreThreads, saved.LocalID, saved); err != nil {
		return nil, err
	}
	return saved, nil
}

// UpdateThread applies a partial update locally and enqueues the patch.
func (c *Coordinator) UpdateThread(localID string, patch ThreadPatch) (*models.Thread, error) {
	t, err := c.store.GetThread(localID)
	if err != nil {
		return nil, err
	}
	if patch.SphereID != nil {
		t.SphereID = *patch.SphereID
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	t.SyncStatus = models.SyncStatusPending

	saved, err := c.store.SaveThread(t)
	if err != nil {
		return nil, err
	}
	if err := c.enqueueRecord(models.ActionUpdate, models.StoreThreads, saved.LocalID, patch); err != nil {
		return nil, err
	}
	return saved, nil
}

// DeleteThread removes the thread and its messages locally. If the thread
// ever reached the server its deletion is enqueued under the server id; a
// never-synced thread just has its queue backlog purged.
func (c *Coordinator) DeleteThread(localID string) error {
	t, err := c.store.GetThread(localID)
	if err != nil {
		return err
	}
	if err := c.store.DeleteThread(localID); err != nil {
		return err
	}
	return c.enqueueDelete(models.StoreThreads, localID, t.ServerID)
}

// Threads returns threads, optionally scoped to one sphere.
func (c *Coordinator) Threads(sphereID string) ([]*models.Thread, error) {
	if sphereID == "" {
		return c.store.GetThreads()
	}
	return c.store.GetThreadsBySphere(sphereID)
}

// =====================================================
// Message operations
// =====================================================

// CreateMessage writes the message locally and enqueues its creation.
func (c *Coordinator) CreateMessage(msg *models.Message) (*models.Message, error) {
	saved, err := c.store.SaveMessage(msg)
	if err != nil {
		return nil, err
	}
	if err := c.enqueueRecord(models.ActionCreate, models.StoreMessages, saved.LocalID, saved); err != nil {
		return nil, err
	}
	return saved, nil
}

// UpdateMessage applies a partial update locally and enqueues the patch.
func (c *Coordinator) UpdateMessage(localID string, patch MessagePatch) (*models.Message, error) {
	msg, err := c.store.GetMessage(localID)
	if err != nil {
		return nil, err
	}
	if patch.Content != nil {
		msg.Content = *patch.Content
	}
	msg.SyncStatus = models.SyncStatusPending

	saved, err := c.store.SaveMessage(msg)
	if err != nil {
		return nil, err
	}
	if err := c.enqueueRecord(models.ActionUpdate, models.StoreMessages, saved.LocalID, patch); err != nil {
		return nil, err
	}
	return saved, nil
}

// DeleteMessage removes the message locally and enqueues its deletion when
// it was ever synced.
func (c *Coordinator) DeleteMessage(localID string) error {
	msg, err := c.store.GetMessage(localID)
	if err != nil {
		return err
	}
	if err := c.store.DeleteMessage(localID); err != nil {
		return err
	}
	return c.enqueueDelete(models.StoreMessages, localID, msg.ServerID)
}

// Messages returns a thread's messages in creation order.
func (c *Coordinator) Messages(threadID string) ([]*models.Message, error) {
	return c.store.GetMessagesByThread(threadID)
}

// =====================================================
// Quick capture operations
// =====================================================

// CreateQuickCapture writes the capture locally and enqueues its creation.
func (c *Coordinator) CreateQuickCapture(qc *models.QuickCapture) (*models.QuickCapture, error) {
	saved, err := c.store.SaveQuickCapture(qc)
	if err != nil {
		return nil, err
	}
	if err := c.enqueueRecord(models.ActionCreate, models.StoreQuickCaptures, saved.LocalID, saved); err != nil {
		return nil, err
	}
	return saved, nil
}

// UpdateQuickCapture applies a partial update locally and enqueues the patch.
func (c *Coordinator) UpdateQuickCapture(localID string, patch QuickCapturePatch) (*models.QuickCapture, error) {
	qc, err := c.store.GetQuickCapture(localID)
	if err != nil {
		return nil, err
	}
	if patch.SphereID != nil {
		qc.SphereID = *patch.SphereID
	}
	if patch.Content != nil {
		qc.Content = *patch.Content
	}
	qc.SyncStatus = models.SyncStatusPending

	saved, err := c.store.SaveQuickCapture(qc)
	if err != nil {
		return nil, err
	}
	if err := c.enqueueRecord(models.ActionUpdate, models.StoreQuickCaptures, saved.LocalID, patch); err != nil {
		return nil, err
	}
	return saved, nil
}

// DeleteQuickCapture removes the capture locally and enqueues its deletion
// when it was ever synced.
func (c *Coordinator) DeleteQuickCapture(localID string) error {
	qc, err := c.store.GetQuickCapture(localID)
	if err != nil {
		return err
	}
	if err := c.store.DeleteQuickCapture(localID); err != nil {
		return err
	}
	return c.enqueueDelete(models.StoreQuickCaptures, localID, qc.ServerID)
}

// QuickCaptures returns a sphere's quick captures, newest first.
func (c *Coordinator) QuickCaptures(sphereID string) ([]*models.QuickCapture, error) {
	return c.store.GetQuickCapturesBySphere(sphereID)
}

// =====================================================
// Sync control
// =====================================================

// SyncNow runs an explicit drain pass, the user-triggered equivalent of the
// auto-sync timer. Returns the same result shape the queue reports.
func (c *Coordinator) SyncNow(ctx context.Context) (*queue.Result, error) {
	result, err := c.queue.SyncAll(ctx)
	if err != nil {
		c.events.Publish(Notification{Type: EventSyncFailed, Data: err.Error()})
		return nil, err
	}
	c.events.Publish(Notification{Type: EventSyncCompleted, Data: result})
	return result, nil
}

// RetryFailed resets terminally failed items and drains again.
func (c *Coordinator) RetryFailed(ctx context.Context) (*queue.Result, error) {
	result, err := c.queue.RetryFailed(ctx)
	if err != nil {
		c.events.Publish(Notification{Type: EventSyncFailed, Data: err.Error()})
		return nil, err
	}
	c.events.Publish(Notification{Type: EventSyncCompleted, Data: result})
	return result, nil
}

// =====================================================
// Conflict pass-throughs
// =====================================================

// DetectConflict compares the local copy of a record against a freshly
// fetched server record and files a durable conflict when they diverged.
// This is how pulled server state enters the resolver: the UI shell fetches,
// the coordinator detects.
func (c *Coordinator) DetectConflict(kind models.StoreName, localID string, serverRecord json.RawMessage) (*models.ConflictRecord, error) {
	localDoc, err := c.store.Get(string(kind), localID)
	if err != nil {
		return nil, err
	}
	return c.resolver.DetectConflict(kind, localDoc, serverRecord)
}

// ResolveConflict applies one resolution strategy. When resolution leaves
// the record pending (local wins, merge) the re-push is enqueued here so the
// resolved state actually reaches the server.
func (c *Coordinator) ResolveConflict(conflictID string, strategy conflict.Strategy, merged json.RawMessage) (json.RawMessage, error) {
	rec, err := c.resolver.Conflict(conflictID)
	if err != nil {
		return nil, err
	}

	doc, err := c.resolver.Resolve(conflictID, strategy, merged)
	if err != nil {
		return nil, err
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrResolutionFailed, "corrupt resolved record", err)
	}
	if status, _ := fields["sync_status"].(string); status == string(models.SyncStatusPending) {
		if _, err := c.queue.Enqueue(models.ActionUpdate, rec.EntityType, rec.EntityID, doc); err != nil {
			return nil, err
		}
	}

	return doc, nil
}

// ResolveAllConflicts applies one strategy to every pending conflict and
// returns the count resolved.
func (c *Coordinator) ResolveAllConflicts(strategy conflict.Strategy) (int, error) {
	pending, err := c.resolver.PendingConflicts()
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, rec := range pending {
		if _, err := c.ResolveConflict(rec.ID, strategy, nil); err != nil {
			logging.Error("Failed to resolve conflict", err, map[string]interface{}{"id": rec.ID})
			continue
		}
		resolved++
	}
	return resolved, nil
}

// PendingConflicts returns unresolved conflicts, oldest first.
func (c *Coordinator) PendingConflicts() ([]*models.ConflictRecord, error) {
	return c.resolver.PendingConflicts()
}

// ConflictDiff returns the field/local/server triples for one conflict.
func (c *Coordinator) ConflictDiff(conflictID string) ([]conflict.FieldDiff, error) {
	return c.resolver.DiffPreview(conflictID)
}

// QueueStats returns queue item counts by status.
func (c *Coordinator) QueueStats() (map[string]int, error) {
	return c.queue.Stats()
}

// ConflictStats returns aggregate conflict statistics.
func (c *Coordinator) ConflictStats() (*conflict.Stats, error) {
	return c.resolver.GetStats()
}

// =====================================================
// Aggregate state
// =====================================================

// GetSnapshot assembles the aggregate engine state for observers. A storage
// usage failure degrades to a nil Storage field rather than failing the
// whole snapshot.
func (c *Coordinator) GetSnapshot() (*Snapshot, error) {
	pending, err := c.queue.PendingCount()
	if err != nil {
		return nil, err
	}
	failed, err := c.queue.FailedCount()
	if err != nil {
		return nil, err
	}
	conflicts, err := c.resolver.PendingConflicts()
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		IsOnline:               c.connectivity.IsOnline(),
		State:                  c.State(),
		SyncInProgress:         c.queue.Draining(),
		PendingCount:           pending,
		FailedCount:            failed,
		Conflicts:              conflicts,
		HasUnresolvedConflicts: len(conflicts) > 0,
	}

	if usage, err := c.store.DB().Usage(); err == nil {
		snapshot.Storage = usage
	} else if !apperrors.Is(err, apperrors.ErrUsageUnavailable) {
		logging.Warn("Storage usage query failed", map[string]interface{}{"error": err.Error()})
	}

	return snapshot, nil
}

// ClearAllOfflineData wipes every collection: records, queue backlog,
// conflicts and user data. Escape hatch for a corrupted or abandoned local
// state.
func (c *Coordinator) ClearAllOfflineData() error {
	for _, collection := range []string{
		store.CollectionThreads,
		store.CollectionMessages,
		store.CollectionQuickCaptures,
		store.CollectionSyncQueue,
		store.CollectionConflicts,
		store.CollectionUserData,
	} {
		if err := c.store.Clear(collection); err != nil {
			return err
		}
	}
	logging.Info("Cleared all offline data")
	return nil
}

// enqueueRecord marshals a record or patch and appends the mutation to the
// queue.
func (c *Coordinator) enqueueRecord(action models.SyncAction, kind models.StoreName, entityID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "payload is not serializable", err)
	}
	_, err = c.queue.Enqueue(action, kind, entityID, data)
	return err
}

// enqueueDelete queues a server-side delete under the server id. A record
// that never reached the server has nothing to delete remotely; its queued
// backlog is purged instead so the create is never replayed.
func (c *Coordinator) enqueueDelete(kind models.StoreName, localID, serverID string) error {
	if serverID == "" {
		if _, err := c.queue.RemoveForEntity(localID); err != nil {
			return err
		}
		return nil
	}
	if _, err := c.queue.RemoveForEntity(localID); err != nil {
		return err
	}
	_, err := c.queue.Enqueue(models.ActionDelete, kind, serverID, nil)
	return err
}
