// Package conflict provides unit tests for conflict detection and resolution.
package conflict

import (
	"encoding/json"
	"testing"

	apperrors "github.com/halcyonlabs/sphere/backend/internal/errors"
	"github.com/halcyonlabs/sphere/backend/internal/models"
	"github.com/halcyonlabs/sphere/backend/internal/store"
)

func newTestResolver(t *testing.T) (*Resolver, *store.Store) {
	t.Helper()

	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := store.NewMigrator(db).Up(); err != nil {
		t.Fatalf("Up() error = %v", err)
	}

	st := store.NewStore(db)
	t.Cleanup(func() { st.Close() })

	return New(st), st
}

// threadDoc builds a thread snapshot as JSON for detection tests.
func threadDoc(t *testing.T, localID, title string, localVersion, serverVersion int, status models.SyncStatus, updatedAt int64) json.RawMessage {
	t.Helper()
	doc, err := json.Marshal(map[string]interface{}{
		"local_id":       localID,
		"server_id":      "srv-1",
		"sphere_id":      "sphere-1",
		"title":          title,
		"created_at":     int64(1000),
		"updated_at":     updatedAt,
		"sync_status":    string(status),
		"local_version":  localVersion,
		"server_version": serverVersion,
	})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return doc
}

func seedThread(t *testing.T, st *store.Store, localID, title string, localVersion int) {
	t.Helper()
	_, err := st.Put(store.CollectionThreads, map[string]interface{}{
		"local_id":      localID,
		"sphere_id":     "sphere-1",
		"title":         title,
		"sync_status":   string(models.SyncStatusPending),
		"local_version": localVersion,
		"updated_at":    int64(2000),
	})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
}

func TestDetectConflictNoDivergence(t *testing.T) {
	r, _ := newTestResolver(t)

	tests := []struct {
		name   string
		local  json.RawMessage
		server json.RawMessage
	}{
		{
			name:   "equal versions",
			local:  threadDoc(t, "local-1-aa", "Title", 2, 0, models.SyncStatusPending, 2000),
			server: threadDoc(t, "local-1-aa", "Other title", 0, 2, models.SyncStatusSynced, 3000),
		},
		{
			name:   "server ahead of synced local",
			local:  threadDoc(t, "local-1-aa", "Title", 2, 0, models.SyncStatusSynced, 2000),
			server: threadDoc(t, "local-1-aa", "Newer title", 0, 3, models.SyncStatusSynced, 3000),
		},
		{
			name:   "versions diverged but content identical",
			local:  threadDoc(t, "local-1-aa", "Title", 2, 0, models.SyncStatusPending, 2000),
			server: threadDoc(t, "local-1-aa", "Title", 0, 3, models.SyncStatusSynced, 3000),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conflict, err := r.DetectConflict(models.StoreThreads, tt.local, tt.server)
			if err != nil {
				t.Fatalf("DetectConflict() error = %v", err)
			}
			if conflict != nil {
				t.Errorf("DetectConflict() = %+v, want nil", conflict)
			}
		})
	}
}

func TestDetectConflictDivergentEdits(t *testing.T) {
	r, st := newTestResolver(t)
	seedThread(t, st, "local-1-aa", "Local title", 2)

	local := threadDoc(t, "local-1-aa", "Local title", 2, 0, models.SyncStatusPending, 2000)
	server := threadDoc(t, "local-1-aa", "Server title", 0, 3, models.SyncStatusSynced, 3000)

	conflict, err := r.DetectConflict(models.StoreThreads, local, server)
	if err != nil {
		t.Fatalf("DetectConflict() error = %v", err)
	}
	if conflict == nil {
		t.Fatal("DetectConflict() = nil, want conflict")
	}

	if conflict.EntityID != "local-1-aa" {
		t.Errorf("EntityID = %q, want local-1-aa", conflict.EntityID)
	}
	if conflict.LocalVersion != 2 || conflict.ServerVersion != 3 {
		t.Errorf("versions = (%d, %d), want (2, 3)", conflict.LocalVersion, conflict.ServerVersion)
	}
	if len(conflict.ConflictFields) != 1 || conflict.ConflictFields[0] != "title" {
		t.Errorf("ConflictFields = %v, want [title]", conflict.ConflictFields)
	}
	if conflict.Status != models.ConflictStatusPending {
		t.Errorf("Status = %q, want pending", conflict.Status)
	}

	// Conflict record must be durable.
	pending, err := r.PendingConflicts()
	if err != nil {
		t.Fatalf("PendingConflicts() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("PendingConflicts() = %d records, want 1", len(pending))
	}

	// The local record moves to conflict state.
	thread, err := st.GetThread("local-1-aa")
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if thread.SyncStatus != models.SyncStatusConflict {
		t.Errorf("SyncStatus = %q, want conflict", thread.SyncStatus)
	}
}

func TestDetectConflictIgnoresLocalOnlyFields(t *testing.T) {
	r, _ := newTestResolver(t)

	local := json.RawMessage(`{"local_id":"local-1-aa","title":"Same","draft_note":"unsent","sync_status":"pending","local_version":2,"updated_at":2000}`)
	server := json.RawMessage(`{"local_id":"local-1-aa","title":"Same","server_version":3,"updated_at":3000}`)

	conflict, err := r.DetectConflict(models.StoreThreads, local, server)
	if err != nil {
		t.Fatalf("DetectConflict() error = %v", err)
	}
	if conflict != nil {
		t.Errorf("local-only field should not conflict, got %v", conflict.ConflictFields)
	}
}

func TestDetectConflictNotifiesSubscribers(t *testing.T) {
	r, st := newTestResolver(t)
	seedThread(t, st, "local-1-aa", "Local title", 2)

	var got []Event
	unsubscribe := r.OnConflict(func(e Event) { got = append(got, e) })
	defer unsubscribe()

	local := threadDoc(t, "local-1-aa", "Local title", 2, 0, models.SyncStatusPending, 2000)
	server := threadDoc(t, "local-1-aa", "Server title", 0, 3, models.SyncStatusSynced, 3000)
	if _, err := r.DetectConflict(models.StoreThreads, local, server); err != nil {
		t.Fatalf("DetectConflict() error = %v", err)
	}

	if len(got) != 1 || got[0].Kind != EventDetected {
		t.Fatalf("events = %v, want one detected event", got)
	}
}

func TestResolveLocalStrategy(t *testing.T) {
	r, st := newTestResolver(t)
	seedThread(t, st, "local-1-aa", "Local title", 2)

	local := threadDoc(t, "local-1-aa", "Local title", 2, 0, models.SyncStatusPending, 2000)
	server := threadDoc(t, "local-1-aa", "Server title", 0, 3, models.SyncStatusSynced, 3000)
	conflict, err := r.DetectConflict(models.StoreThreads, local, server)
	if err != nil || conflict == nil {
		t.Fatalf("DetectConflict() = (%v, %v)", conflict, err)
	}

	doc, err := r.Resolve(conflict.ID, StrategyLocal, nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	var resolved map[string]interface{}
	if err := json.Unmarshal(doc, &resolved); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if resolved["title"] != "Local title" {
		t.Errorf("title = %v, want local value", resolved["title"])
	}
	// Local wins by jumping past the server's version and re-queueing.
	if v := resolved["local_version"].(float64); int(v) != 4 {
		t.Errorf("local_version = %v, want 4 (server version + 1)", v)
	}
	if resolved["sync_status"] != string(models.SyncStatusPending) {
		t.Errorf("sync_status = %v, want pending", resolved["sync_status"])
	}

	// Resolved conflicts leave the active set.
	if _, err := r.Conflict(conflict.ID); !apperrors.Is(err, apperrors.ErrResolutionNotFound) {
		t.Errorf("Conflict() error = %v, want RESOLUTION_NOT_FOUND", err)
	}
}

func TestResolveServerStrategy(t *testing.T) {
	r, st := newTestResolver(t)
	seedThread(t, st, "local-1-aa", "Local title", 2)

	local := threadDoc(t, "local-1-aa", "Local title", 2, 0, models.SyncStatusPending, 2000)
	server := threadDoc(t, "local-1-aa", "Server title", 0, 3, models.SyncStatusSynced, 3000)
	conflict, err := r.DetectConflict(models.StoreThreads, local, server)
	if err != nil || conflict == nil {
		t.Fatalf("DetectConflict() = (%v, %v)", conflict, err)
	}

	if _, err := r.Resolve(conflict.ID, StrategyServer, nil); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	// Record must stay addressable under its local id.
	thread, err := st.GetThread("local-1-aa")
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if thread.Title != "Server title" {
		t.Errorf("Title = %q, want server value", thread.Title)
	}
	if thread.SyncStatus != models.SyncStatusSynced {
		t.Errorf("SyncStatus = %q, want synced", thread.SyncStatus)
	}
	if thread.LocalVersion != 3 || thread.ServerVersion != 3 {
		t.Errorf("versions = (%d, %d), want (3, 3)", thread.LocalVersion, thread.ServerVersion)
	}
}

func TestResolveMergeNewerFieldWins(t *testing.T) {
	tests := []struct {
		name            string
		localUpdatedAt  int64
		serverUpdatedAt int64
		wantTitle       string
	}{
		{"server newer", 2000, 3000, "Server title"},
		{"local newer", 3000, 2000, "Local title"},
		{"tie keeps local", 2000, 2000, "Local title"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, st := newTestResolver(t)
			seedThread(t, st, "local-1-aa", "Local title", 2)

			local := threadDoc(t, "local-1-aa", "Local title", 2, 0, models.SyncStatusPending, tt.localUpdatedAt)
			server := threadDoc(t, "local-1-aa", "Server title", 0, 3, models.SyncStatusSynced, tt.serverUpdatedAt)
			conflict, err := r.DetectConflict(models.StoreThreads, local, server)
			if err != nil || conflict == nil {
				t.Fatalf("DetectConflict() = (%v, %v)", conflict, err)
			}

			doc, err := r.Resolve(conflict.ID, StrategyMerge, nil)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}

			var resolved map[string]interface{}
			if err := json.Unmarshal(doc, &resolved); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if resolved["title"] != tt.wantTitle {
				t.Errorf("title = %v, want %q", resolved["title"], tt.wantTitle)
			}
			if resolved["sync_status"] != string(models.SyncStatusPending) {
				t.Errorf("sync_status = %v, want pending (merge needs re-push)", resolved["sync_status"])
			}
			if v := resolved["local_version"].(float64); int(v) != 4 {
				t.Errorf("local_version = %v, want 4", v)
			}
		})
	}
}

func TestResolveMergeCustomData(t *testing.T) {
	r, st := newTestResolver(t)
	seedThread(t, st, "local-1-aa", "Local title", 2)

	local := threadDoc(t, "local-1-aa", "Local title", 2, 0, models.SyncStatusPending, 2000)
	server := threadDoc(t, "local-1-aa", "Server title", 0, 3, models.SyncStatusSynced, 3000)
	conflict, err := r.DetectConflict(models.StoreThreads, local, server)
	if err != nil || conflict == nil {
		t.Fatalf("DetectConflict() = (%v, %v)", conflict, err)
	}

	merged := json.RawMessage(`{"local_id":"local-1-aa","sphere_id":"sphere-1","title":"Hand-merged title"}`)
	if _, err := r.Resolve(conflict.ID, StrategyMerge, merged); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	thread, err := st.GetThread("local-1-aa")
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if thread.Title != "Hand-merged title" {
		t.Errorf("Title = %q, want hand-merged value", thread.Title)
	}
}

func TestResolveUnknownConflict(t *testing.T) {
	r, _ := newTestResolver(t)

	if _, err := r.Resolve("no-such-id", StrategyLocal, nil); !apperrors.Is(err, apperrors.ErrResolutionNotFound) {
		t.Errorf("Resolve() error = %v, want RESOLUTION_NOT_FOUND", err)
	}
}

func TestResolveUnknownStrategy(t *testing.T) {
	r, st := newTestResolver(t)
	seedThread(t, st, "local-1-aa", "Local title", 2)

	local := threadDoc(t, "local-1-aa", "Local title", 2, 0, models.SyncStatusPending, 2000)
	server := threadDoc(t, "local-1-aa", "Server title", 0, 3, models.SyncStatusSynced, 3000)
	conflict, err := r.DetectConflict(models.StoreThreads, local, server)
	if err != nil || conflict == nil {
		t.Fatalf("DetectConflict() = (%v, %v)", conflict, err)
	}

	if _, err := r.Resolve(conflict.ID, Strategy("coin-flip"), nil); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Resolve() error = %v, want INVALID", err)
	}
}

func TestResolveAll(t *testing.T) {
	r, st := newTestResolver(t)

	for i, id := range []string{"local-1-aa", "local-2-bb", "local-3-cc"} {
		seedThread(t, st, id, "Local title", 2)
		local := threadDoc(t, id, "Local title", 2, 0, models.SyncStatusPending, 2000)
		server := threadDoc(t, id, "Server title", 0, 3+i, models.SyncStatusSynced, 3000)
		if _, err := r.DetectConflict(models.StoreThreads, local, server); err != nil {
			t.Fatalf("DetectConflict(%s) error = %v", id, err)
		}
	}

	resolved, err := r.ResolveAll(StrategyServer)
	if err != nil {
		t.Fatalf("ResolveAll() error = %v", err)
	}
	if resolved != 3 {
		t.Errorf("ResolveAll() = %d, want 3", resolved)
	}

	pending, err := r.PendingConflicts()
	if err != nil {
		t.Fatalf("PendingConflicts() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("PendingConflicts() = %d, want 0", len(pending))
	}
}

func TestDiffPreview(t *testing.T) {
	r, st := newTestResolver(t)
	seedThread(t, st, "local-1-aa", "Local title", 2)

	local := threadDoc(t, "local-1-aa", "Local title", 2, 0, models.SyncStatusPending, 2000)
	server := threadDoc(t, "local-1-aa", "Server title", 0, 3, models.SyncStatusSynced, 3000)
	conflict, err := r.DetectConflict(models.StoreThreads, local, server)
	if err != nil || conflict == nil {
		t.Fatalf("DetectConflict() = (%v, %v)", conflict, err)
	}

	diffs, err := r.DiffPreview(conflict.ID)
	if err != nil {
		t.Fatalf("DiffPreview() error = %v", err)
	}
	if len(diffs) != 1 {
		t.Fatalf("DiffPreview() = %d diffs, want 1", len(diffs))
	}
	if diffs[0].Field != "title" || diffs[0].Local != "Local title" || diffs[0].Server != "Server title" {
		t.Errorf("diff = %+v, want title Local/Server", diffs[0])
	}
}

func TestHasConflictsAndStats(t *testing.T) {
	r, st := newTestResolver(t)
	seedThread(t, st, "local-1-aa", "Local title", 2)

	has, err := r.HasConflicts("local-1-aa")
	if err != nil {
		t.Fatalf("HasConflicts() error = %v", err)
	}
	if has {
		t.Error("HasConflicts() = true before any conflict")
	}

	local := threadDoc(t, "local-1-aa", "Local title", 2, 0, models.SyncStatusPending, 2000)
	server := threadDoc(t, "local-1-aa", "Server title", 0, 3, models.SyncStatusSynced, 3000)
	conflict, err := r.DetectConflict(models.StoreThreads, local, server)
	if err != nil || conflict == nil {
		t.Fatalf("DetectConflict() = (%v, %v)", conflict, err)
	}

	has, err = r.HasConflicts("local-1-aa")
	if err != nil {
		t.Fatalf("HasConflicts() error = %v", err)
	}
	if !has {
		t.Error("HasConflicts() = false, want true")
	}

	if _, err := r.Resolve(conflict.ID, StrategyLocal, nil); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	stats, err := r.GetStats()
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.Pending != 0 || stats.Resolved != 1 || stats.Total != 1 {
		t.Errorf("stats = %+v, want pending 0, resolved 1, total 1", stats)
	}
	if stats.ByType["threads"] != 1 {
		t.Errorf("ByType[threads] = %d, want 1", stats.ByType["threads"])
	}
}
