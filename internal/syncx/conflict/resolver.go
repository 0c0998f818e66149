// Package conflict provides conflict detection and resolution for the sync
// engine: field-level divergence detection between local and server views of
// an entity, and the local / server / merge resolution strategies.
package conflict

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/halcyonlabs/sphere/backend/internal/errors"
	"github.com/halcyonlabs/sphere/backend/internal/logging"
	"github.com/halcyonlabs/sphere/backend/internal/models"
	"github.com/halcyonlabs/sphere/backend/internal/store"
	"github.com/halcyonlabs/sphere/backend/internal/syncx/event"
)

// Strategy defines which side's data wins when reconciling a conflict.
type Strategy string

const (
	StrategyLocal  Strategy = "local"
	StrategyServer Strategy = "server"
	StrategyMerge  Strategy = "merge"
)

// EventKind distinguishes resolver notifications.
type EventKind string

const (
	EventDetected EventKind = "detected"
	EventResolved EventKind = "resolved"
)

// Event is published when a conflict is detected or resolved.
type Event struct {
	Kind     EventKind
	Conflict *models.ConflictRecord
}

// technicalFields are sync bookkeeping, excluded from the field diff. A pure
// version bump with identical content is not a conflict.
var technicalFields = map[string]bool{
	"local_id":       true,
	"server_id":      true,
	"sync_status":    true,
	"local_version":  true,
	"server_version": true,
	"created_at":     true,
	"updated_at":     true,
}

// FieldDiff is one row of the diff preview shown to the user.
type FieldDiff struct {
	Field  string      `json:"field"`
	Local  interface{} `json:"local"`
	Server interface{} `json:"server"`
}

// Stats aggregates conflict counts. Resolved conflicts are purged from the
// store, so resolved counts are tracked in memory for the process lifetime.
type Stats struct {
	Total    int            `json:"total"`
	Pending  int            `json:"pending"`
	Resolved int            `json:"resolved"`
	ByType   map[string]int `json:"by_type"`
}

// Resolver detects and reconciles divergence between local and server state.
// Conflict records are durable: unresolved conflicts survive a restart.
type Resolver struct {
	store *store.Store
	bus   *event.Bus[Event]

	mu             sync.Mutex
	resolved       int
	resolvedByType map[string]int
}

// New creates a Resolver over the given store.
func New(st *store.Store) *Resolver {
	return &Resolver{
		store:          st,
		bus:            event.NewBus[Event](),
		resolvedByType: make(map[string]int),
	}
}

// OnConflict subscribes to detection/resolution events; returns an
// unsubscribe function.
func (r *Resolver) OnConflict(handler func(Event)) func() {
	return r.bus.Subscribe(handler)
}

// DetectConflict compares a local record against a freshly fetched server
// record. Returns (nil, nil) when there is nothing to reconcile:
//   - versions are equal, or
//   - the server is simply ahead of an already-synced local record, or
//   - versions diverged but no shared non-technical field actually differs.
//
// Otherwise a durable ConflictRecord is stored, the local record is flagged
// with sync status conflict, and subscribers are notified.
func (r *Resolver) DetectConflict(entityType models.StoreName, localDoc, serverDoc json.RawMessage) (*models.ConflictRecord, error) {
	local, err := asObject(localDoc)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "local record is not a JSON object", err)
	}
	server, err := asObject(serverDoc)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "server record is not a JSON object", err)
	}

	localVersion := intField(local, "local_version")
	serverVersion := intField(server, "server_version")
	syncStatus, _ := local["sync_status"].(string)

	if serverVersion == localVersion {
		return nil, nil
	}
	if serverVersion > localVersion && syncStatus == string(models.SyncStatusSynced) {
		// Server is ahead and local has nothing pending; a plain pull, not
		// a conflict.
		return nil, nil
	}

	fields := diffFields(local, server)
	if len(fields) == 0 {
		return nil, nil
	}

	entityID, _ := local["local_id"].(string)
	conflict := &models.ConflictRecord{
		ID:              uuid.New().String(),
		EntityID:        entityID,
		EntityType:      entityType,
		LocalData:       localDoc,
		ServerData:      serverDoc,
		LocalVersion:    localVersion,
		ServerVersion:   serverVersion,
		LocalUpdatedAt:  int64(intField(local, "updated_at")),
		ServerUpdatedAt: int64(intField(server, "updated_at")),
		ConflictFields:  fields,
		DetectedAt:      time.Now().Unix(),
		Status:          models.ConflictStatusPending,
	}

	if _, err := r.store.Put(store.CollectionConflicts, conflict); err != nil {
		return nil, err
	}
	if err := r.store.SetRecordStatus(entityType, entityID, models.SyncStatusConflict); err != nil {
		logging.Warn("Could not flag record as conflicted", map[string]interface{}{"entity": entityID})
	}

	logging.Warn("Conflict detected", map[string]interface{}{
		"entity":         entityID,
		"entity_type":    string(entityType),
		"local_version":  localVersion,
		"server_version": serverVersion,
		"fields":         fields,
	})

	r.bus.Publish(Event{Kind: EventDetected, Conflict: conflict})

	return conflict, nil
}

// Resolve reconciles one conflict with the given strategy and returns the
// persisted record. For merge, customMerged (when non-nil) is persisted
// as-is; otherwise differing fields are auto-merged field-by-field, taking
// each value from whichever side was updated more recently.
func (r *Resolver) Resolve(conflictID string, strategy Strategy, customMerged json.RawMessage) (json.RawMessage, error) {
	c, err := r.Conflict(conflictID)
	if err != nil {
		return nil, err
	}

	local, err := asObject(c.LocalData)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrResolutionFailed, "corrupt local snapshot", err)
	}
	server, err := asObject(c.ServerData)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrResolutionFailed, "corrupt server snapshot", err)
	}

	var final map[string]interface{}

	switch strategy {
	case StrategyLocal:
		// Keep local field values; version jumps past the server's so the
		// re-push supersedes it.
		final = local
		final["local_version"] = c.ServerVersion + 1
		final["sync_status"] = string(models.SyncStatusPending)
		c.Status = models.ConflictStatusResolvedLocal

	case StrategyServer:
		final = server
		final["local_id"] = c.EntityID
		final["local_version"] = c.ServerVersion
		final["server_version"] = c.ServerVersion
		final["sync_status"] = string(models.SyncStatusSynced)
		c.Status = models.ConflictStatusResolvedServer

	case StrategyMerge:
		if customMerged != nil {
			final, err = asObject(customMerged)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.ErrInvalid, "merged data is not a JSON object", err)
			}
		} else {
			final = local
			serverNewer := c.ServerUpdatedAt > c.LocalUpdatedAt
			for _, field := range c.ConflictFields {
				if !serverNewer {
					continue
				}
				if v, ok := server[field]; ok {
					final[field] = v
				} else {
					delete(final, field)
				}
			}
		}
		final["local_id"] = c.EntityID
		final["local_version"] = maxInt(c.LocalVersion, c.ServerVersion) + 1
		final["sync_status"] = string(models.SyncStatusPending)
		c.Status = models.ConflictStatusResolvedMerged

	default:
		return nil, apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("unknown resolution strategy %q", strategy))
	}

	doc, err := r.store.Put(string(c.EntityType), final)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrResolutionFailed, "failed to persist resolved record", err)
	}

	// Remove from the active set; the record itself is the surviving truth.
	if err := r.store.Delete(store.CollectionConflicts, c.ID); err != nil {
		logging.Warn("Could not purge resolved conflict", map[string]interface{}{"id": c.ID})
	}

	r.mu.Lock()
	r.resolved++
	r.resolvedByType[string(c.EntityType)]++
	r.mu.Unlock()

	logging.Info("Conflict resolved", map[string]interface{}{
		"id":       c.ID,
		"entity":   c.EntityID,
		"strategy": string(strategy),
	})

	r.bus.Publish(Event{Kind: EventResolved, Conflict: c})

	return doc, nil
}

// ResolveAll applies one strategy to every pending conflict and returns the
// count resolved. Individual failures are logged and skipped.
func (r *Resolver) ResolveAll(strategy Strategy) (int, error) {
	pending, err := r.PendingConflicts()
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, c := range pending {
		if _, err := r.Resolve(c.ID, strategy, nil); err != nil {
			logging.Error("Failed to resolve conflict", err, map[string]interface{}{"id": c.ID})
			continue
		}
		resolved++
	}
	return resolved, nil
}

// PendingConflicts returns every unresolved conflict, oldest first.
func (r *Resolver) PendingConflicts() ([]*models.ConflictRecord, error) {
	docs, err := r.store.GetByIndex(store.CollectionConflicts, "status", string(models.ConflictStatusPending))
	if err != nil {
		return nil, err
	}
	return unmarshalConflicts(docs)
}

// Conflict retrieves one conflict by id; RESOLUTION_NOT_FOUND when it is no
// longer in the active set.
func (r *Resolver) Conflict(conflictID string) (*models.ConflictRecord, error) {
	doc, err := r.store.Get(store.CollectionConflicts, conflictID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.New(apperrors.ErrResolutionNotFound,
				fmt.Sprintf("no pending conflict with id %s", conflictID))
		}
		return nil, err
	}

	var c models.ConflictRecord
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "corrupt conflict record", err)
	}
	return &c, nil
}

// HasConflicts reports whether an entity has unresolved conflicts.
func (r *Resolver) HasConflicts(entityID string) (bool, error) {
	count, err := r.store.CountByIndex(store.CollectionConflicts, "entity_id", entityID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ConflictsForEntity returns an entity's unresolved conflicts.
func (r *Resolver) ConflictsForEntity(entityID string) ([]*models.ConflictRecord, error) {
	docs, err := r.store.GetByIndex(store.CollectionConflicts, "entity_id", entityID)
	if err != nil {
		return nil, err
	}
	return unmarshalConflicts(docs)
}

// DiffPreview returns field/local/server triples for presentation.
func (r *Resolver) DiffPreview(conflictID string) ([]FieldDiff, error) {
	c, err := r.Conflict(conflictID)
	if err != nil {
		return nil, err
	}

	local, err := asObject(c.LocalData)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "corrupt local snapshot", err)
	}
	server, err := asObject(c.ServerData)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "corrupt server snapshot", err)
	}

	diffs := make([]FieldDiff, 0, len(c.ConflictFields))
	for _, field := range c.ConflictFields {
		diffs = append(diffs, FieldDiff{
			Field:  field,
			Local:  local[field],
			Server: server[field],
		})
	}
	return diffs, nil
}

// GetStats returns aggregate conflict statistics.
func (r *Resolver) GetStats() (*Stats, error) {
	pending, err := r.PendingConflicts()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &Stats{
		Pending:  len(pending),
		Resolved: r.resolved,
		Total:    len(pending) + r.resolved,
		ByType:   make(map[string]int),
	}
	for t, n := range r.resolvedByType {
		stats.ByType[t] = n
	}
	for _, c := range pending {
		stats.ByType[string(c.EntityType)]++
	}
	return stats, nil
}

// diffFields returns the sorted set of non-technical fields whose values
// differ. Fields present only locally are treated as new, not conflicting;
// fields present only server-side do count as divergence.
func diffFields(local, server map[string]interface{}) []string {
	var fields []string
	for key, serverValue := range server {
		if technicalFields[key] {
			continue
		}
		localValue, ok := local[key]
		if !ok || !reflect.DeepEqual(localValue, serverValue) {
			fields = append(fields, key)
		}
	}
	sort.Strings(fields)
	return fields
}

func unmarshalConflicts(docs []json.RawMessage) ([]*models.ConflictRecord, error) {
	conflicts := make([]*models.ConflictRecord, 0, len(docs))
	for _, doc := range docs {
		var c models.ConflictRecord
		if err := json.Unmarshal(doc, &c); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "corrupt conflict record", err)
		}
		conflicts = append(conflicts, &c)
	}
	return conflicts, nil
}

func asObject(doc json.RawMessage) (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func intField(m map[string]interface{}, key string) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return 0
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
