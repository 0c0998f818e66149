// Package queue provides the durable sync queue: an ordered backlog of
// pending mutations drained against the remote service one item at a time,
// with bounded retry and progress reporting.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/halcyonlabs/sphere/backend/internal/errors"
	"github.com/halcyonlabs/sphere/backend/internal/logging"
	"github.com/halcyonlabs/sphere/backend/internal/models"
	"github.com/halcyonlabs/sphere/backend/internal/store"
	"github.com/halcyonlabs/sphere/backend/internal/syncx/event"
)

// Config holds queue tuning knobs.
type Config struct {
	MaxRetries int           // attempts before an item is terminally failed
	ItemPause  time.Duration // pause between drained items to spare the remote
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries: 3,
		ItemPause:  50 * time.Millisecond,
	}
}

// Progress is reported after every drained item.
type Progress struct {
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Current   string `json:"current"`
}

// Result summarizes one full drain pass.
type Result struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// OnlineChecker reports current connectivity. Offline drains return an empty
// result without error.
type OnlineChecker interface {
	IsOnline() bool
}

// Queue is the durable sync queue. Items are persisted through the local
// store, appended in creation order and drained oldest-first, globally;
// ordering is only guaranteed within one entity's own items.
type Queue struct {
	store   *store.Store
	remotes *Remotes
	online  OnlineChecker
	cfg     *Config

	progress *event.Bus[Progress]
	draining atomic.Bool

	mu       sync.Mutex
	autoStop chan struct{}
	wg       sync.WaitGroup
}

// New creates a queue over the given store and remote handlers.
func New(st *store.Store, remotes *Remotes, online OnlineChecker, cfg *Config) *Queue {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Queue{
		store:    st,
		remotes:  remotes,
		online:   online,
		cfg:      cfg,
		progress: event.NewBus[Progress](),
	}
}

// OnProgress subscribes to drain progress; returns an unsubscribe function.
func (q *Queue) OnProgress(handler func(Progress)) func() {
	return q.progress.Subscribe(handler)
}

// Enqueue appends a pending mutation. If currently online and no drain is in
// progress, a drain is kicked off asynchronously; callers never block on
// network completion.
func (q *Queue) Enqueue(action models.SyncAction, storeName models.StoreName, entityID string, payload json.RawMessage) (*models.SyncItem, error) {
	item := &models.SyncItem{
		ID:         uuid.New().String(),
		Action:     action,
		Store:      storeName,
		EntityID:   entityID,
		Payload:    payload,
		Timestamp:  time.Now().UnixNano(),
		RetryCount: 0,
		MaxRetries: q.cfg.MaxRetries,
		Status:     models.ItemStatusPending,
	}

	if _, err := q.store.Put(store.CollectionSyncQueue, item); err != nil {
		return nil, err
	}

	logging.Debug("Enqueued sync item", map[string]interface{}{
		"id":     item.ID,
		"action": string(action),
		"store":  string(storeName),
		"entity": entityID,
	})

	if q.online.IsOnline() && !q.draining.Load() {
		go func() {
			if _, err := q.SyncAll(context.Background()); err != nil {
				logging.Error("Background drain failed", err)
			}
		}()
	}

	return item, nil
}

// SyncAll drains all pending items in timestamp order. A single in-flight
// guard serializes drains: a second concurrent call observes Total = 0 and
// returns immediately, as does any call while offline.
func (q *Queue) SyncAll(ctx context.Context) (*Result, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return &Result{}, nil
	}
	defer q.draining.Store(false)

	if !q.online.IsOnline() {
		return &Result{}, nil
	}

	if err := q.requeueStranded(); err != nil {
		return nil, err
	}

	items, err := q.pendingItems()
	if err != nil {
		return nil, err
	}

	result := &Result{Total: len(items)}
	if len(items) == 0 {
		return result, nil
	}

	logging.Info("Draining sync queue", map[string]interface{}{"pending": len(items)})

	for i, item := range items {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		desc := fmt.Sprintf("%s %s %s", item.Action, item.Store, item.EntityID)

		item.Status = models.ItemStatusProcessing
		if _, err := q.store.Put(store.CollectionSyncQueue, item); err != nil {
			return result, err
		}

		if err := q.deliver(ctx, item); err != nil {
			q.fail(item, err)
			result.Failed++
		} else {
			result.Successful++
			// Completed items are purged immediately; the failed ones are
			// the only history worth keeping.
			if err := q.store.Delete(store.CollectionSyncQueue, item.ID); err != nil {
				logging.Error("Failed to purge completed item", err, map[string]interface{}{"id": item.ID})
			}
		}

		q.progress.Publish(Progress{
			Total:     result.Total,
			Completed: result.Successful,
			Failed:    result.Failed,
			Current:   desc,
		})

		if i < len(items)-1 && q.cfg.ItemPause > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(q.cfg.ItemPause):
			}
		}
	}

	logging.Info("Drain complete", map[string]interface{}{
		"total":      result.Total,
		"successful": result.Successful,
		"failed":     result.Failed,
	})

	return result, nil
}

// deliver replays one item against the remote service and updates the local
// record's sync envelope on success.
func (q *Queue) deliver(ctx context.Context, item *models.SyncItem) error {
	remote, err := q.remotes.forStore(item.Store)
	if err != nil {
		return err
	}

	switch item.Action {
	case models.ActionCreate:
		serverID, err := remote.Create(ctx, item.Payload)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrSyncItemFailed, "remote create rejected", err)
		}
		if err := q.markSynced(item, serverID); err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) {
				// Deleted locally while the create was in flight. Queue a
				// delete under the fresh server id so the copy is not
				// orphaned; a durable item survives crashes and retries.
				if _, qErr := q.Enqueue(models.ActionDelete, item.Store, serverID, nil); qErr != nil {
					return apperrors.Wrap(apperrors.ErrSyncItemFailed, "orphaned create cleanup not queued", qErr)
				}
				logging.Info("Queued delete for record removed mid-create", map[string]interface{}{
					"entity":    item.EntityID,
					"server_id": serverID,
				})
				return nil
			}
			logging.Warn("Created record no longer present locally", map[string]interface{}{
				"entity": item.EntityID,
			})
		}
		return nil

	case models.ActionUpdate:
		serverID, err := q.store.ResolveServerID(item.Store, item.EntityID)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrSyncItemFailed, "record lookup failed", err)
		}
		if serverID == "" {
			return apperrors.New(apperrors.ErrSyncItemFailed, "record has no server id yet")
		}
		if err := remote.Update(ctx, serverID, item.Payload); err != nil {
			return apperrors.Wrap(apperrors.ErrSyncItemFailed, "remote update rejected", err)
		}
		if err := q.markSynced(item, ""); err != nil {
			logging.Warn("Updated record no longer present locally", map[string]interface{}{
				"entity": item.EntityID,
			})
		}
		return nil

	case models.ActionDelete:
		serverID, err := q.store.ResolveServerID(item.Store, item.EntityID)
		if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return apperrors.Wrap(apperrors.ErrSyncItemFailed, "record lookup failed", err)
		}
		if serverID == "" {
			// Never reached the server; nothing to delete remotely.
			return nil
		}
		if err := remote.Delete(ctx, serverID); err != nil {
			return apperrors.Wrap(apperrors.ErrSyncItemFailed, "remote delete rejected", err)
		}
		return nil

	default:
		return apperrors.New(apperrors.ErrUnknownQueueTarget,
			fmt.Sprintf("unknown sync action %q", item.Action))
	}
}

// markSynced stamps the local record after the server acknowledged the item.
func (q *Queue) markSynced(item *models.SyncItem, serverID string) error {
	localID, err := q.store.FindLocalID(item.Store, item.EntityID)
	if err != nil {
		return err
	}
	return q.store.MarkRecordSynced(item.Store, localID, serverID)
}

// fail records a delivery failure: a configuration error (unknown target) is
// terminal immediately; anything else is requeued until retryCount reaches
// maxRetries.
func (q *Queue) fail(item *models.SyncItem, cause error) {
	item.Error = cause.Error()

	if apperrors.Is(cause, apperrors.ErrUnknownQueueTarget) {
		item.Status = models.ItemStatusFailed
	} else {
		item.RetryCount++
		if item.RetryCount >= item.MaxRetries {
			item.Status = models.ItemStatusFailed
		} else {
			item.Status = models.ItemStatusPending
		}
	}

	if item.Status == models.ItemStatusFailed {
		logging.Error("Sync item failed permanently", cause, map[string]interface{}{
			"id":      item.ID,
			"action":  string(item.Action),
			"store":   string(item.Store),
			"entity":  item.EntityID,
			"retries": item.RetryCount,
		})
		if localID, err := q.store.FindLocalID(item.Store, item.EntityID); err == nil {
			if err := q.store.SetRecordStatus(item.Store, localID, models.SyncStatusFailed); err != nil {
				logging.Warn("Could not flag record as failed", map[string]interface{}{"entity": item.EntityID})
			}
		}
	} else {
		logging.Warn("Sync item failed, will retry", map[string]interface{}{
			"id":    item.ID,
			"retry": item.RetryCount,
			"max":   item.MaxRetries,
			"error": cause.Error(),
		})
	}

	if _, err := q.store.Put(store.CollectionSyncQueue, item); err != nil {
		logging.Error("Failed to persist item failure", err, map[string]interface{}{"id": item.ID})
	}
}

// RetryFailed resets every failed item to pending with a fresh retry budget
// and runs a drain pass.
func (q *Queue) RetryFailed(ctx context.Context) (*Result, error) {
	items, err := q.itemsByStatus(models.ItemStatusFailed)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		item.Status = models.ItemStatusPending
		item.RetryCount = 0
		item.Error = ""
		if _, err := q.store.Put(store.CollectionSyncQueue, item); err != nil {
			return nil, err
		}
	}

	if len(items) > 0 {
		logging.Info("Reset failed items for retry", map[string]interface{}{"count": len(items)})
	}

	return q.SyncAll(ctx)
}

// StartAutoSync runs periodic drains while online. Starting again replaces
// the running timer rather than stacking a second one.
func (q *Queue) StartAutoSync(interval time.Duration) {
	q.mu.Lock()
	if q.autoStop != nil {
		close(q.autoStop)
	}
	stop := make(chan struct{})
	q.autoStop = stop
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !q.online.IsOnline() {
					continue
				}
				if _, err := q.SyncAll(context.Background()); err != nil {
					logging.Error("Auto-sync drain failed", err)
				}
			}
		}
	}()
}

// StopAutoSync cancels the scheduling timer. An in-progress drain runs to
// completion. Idempotent.
func (q *Queue) StopAutoSync() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.autoStop != nil {
		close(q.autoStop)
		q.autoStop = nil
	}
}

// Wait blocks until background loops started by the queue have exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Draining reports whether a drain pass is in flight.
func (q *Queue) Draining() bool {
	return q.draining.Load()
}

// PendingCount returns the number of items awaiting delivery.
func (q *Queue) PendingCount() (int, error) {
	return q.store.CountByIndex(store.CollectionSyncQueue, "status", string(models.ItemStatusPending))
}

// FailedCount returns the number of terminally failed items.
func (q *Queue) FailedCount() (int, error) {
	return q.store.CountByIndex(store.CollectionSyncQueue, "status", string(models.ItemStatusFailed))
}

// Stats returns queue item counts by status.
func (q *Queue) Stats() (map[string]int, error) {
	docs, err := q.store.GetAll(store.CollectionSyncQueue)
	if err != nil {
		return nil, err
	}

	stats := map[string]int{
		"total":      0,
		"pending":    0,
		"processing": 0,
		"failed":     0,
	}
	for _, doc := range docs {
		var item models.SyncItem
		if err := json.Unmarshal(doc, &item); err != nil {
			continue
		}
		stats["total"]++
		stats[string(item.Status)]++
	}
	return stats, nil
}

// RemoveForEntity drops every queue item targeting an entity. Used when a
// record that never reached the server is deleted locally: its backlog is
// moot.
func (q *Queue) RemoveForEntity(entityID string) (int64, error) {
	return q.store.DeleteByIndex(store.CollectionSyncQueue, "entity_id", entityID)
}

// requeueStranded resets items left in processing status back to pending.
// Only an interrupted run can strand them there: the in-flight guard means no
// other drain is writing while this executes. Without the reset a crash
// mid-delivery would lose the mutation for good.
func (q *Queue) requeueStranded() error {
	items, err := q.itemsByStatus(models.ItemStatusProcessing)
	if err != nil {
		return err
	}
	for _, item := range items {
		item.Status = models.ItemStatusPending
		if _, err := q.store.Put(store.CollectionSyncQueue, item); err != nil {
			return err
		}
	}
	if len(items) > 0 {
		logging.Warn("Requeued items stranded by an interrupted drain", map[string]interface{}{
			"count": len(items),
		})
	}
	return nil
}

// pendingItems loads pending items oldest-first.
func (q *Queue) pendingItems() ([]*models.SyncItem, error) {
	return q.itemsByStatus(models.ItemStatusPending)
}

func (q *Queue) itemsByStatus(status models.ItemStatus) ([]*models.SyncItem, error) {
	docs, err := q.store.GetByIndex(store.CollectionSyncQueue, "status", string(status))
	if err != nil {
		return nil, err
	}

	items := make([]*models.SyncItem, 0, len(docs))
	for _, doc := range docs {
		var item models.SyncItem
		if err := json.Unmarshal(doc, &item); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "corrupt queue item", err)
		}
		items = append(items, &item)
	}
	return items, nil
}
