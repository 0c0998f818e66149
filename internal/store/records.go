// Package store provides record-kind-specific helpers layered on the generic
// collection CRUD.
package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/halcyonlabs/sphere/backend/internal/errors"
	"github.com/halcyonlabs/sphere/backend/internal/models"
)

// localIDPrefix marks client-generated identifiers. Server-assigned ids are
// UUIDs, so the prefix guarantees the two formats never collide.
const localIDPrefix = "local-"

// GenerateLocalID produces a collision-resistant client-side identifier:
// a nanosecond timestamp prefix plus a random suffix.
func GenerateLocalID() string {
	suffix := strings.SplitN(uuid.New().String(), "-", 2)[0]
	return fmt.Sprintf("%s%d-%s", localIDPrefix, time.Now().UnixNano(), suffix)
}

// IsLocalID reports whether id is a client-generated identifier.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}

// =====================================================
// Thread helpers
// =====================================================

// SaveThread inserts or updates a thread. A missing LocalID marks a fresh
// record and is generated here. Every save stamps UpdatedAt and increments
// LocalVersion; the version starts at 1 on creation and never decreases.
func (s *Store) SaveThread(t *models.Thread) (*models.Thread, error) {
	now := time.Now().Unix()
	if t.LocalID == "" {
		t.LocalID = GenerateLocalID()
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.LocalVersion++
	if t.SyncStatus == "" {
		t.SyncStatus = models.SyncStatusPending
	}

	if _, err := s.Put(CollectionThreads, t); err != nil {
		return nil, err
	}
	return t, nil
}

// GetThread retrieves a thread by local id.
func (s *Store) GetThread(localID string) (*models.Thread, error) {
	doc, err := s.Get(CollectionThreads, localID)
	if err != nil {
		return nil, err
	}
	return unmarshalThread(doc)
}

// GetThreads returns all threads, most recently updated first.
func (s *Store) GetThreads() ([]*models.Thread, error) {
	docs, err := s.GetAll(CollectionThreads)
	if err != nil {
		return nil, err
	}
	return unmarshalThreads(docs)
}

// GetThreadsBySphere returns all threads in a sphere.
func (s *Store) GetThreadsBySphere(sphereID string) ([]*models.Thread, error) {
	docs, err := s.GetByIndex(CollectionThreads, "sphere_id", sphereID)
	if err != nil {
		return nil, err
	}
	return unmarshalThreads(docs)
}

// GetPendingThreads returns threads awaiting sync.
func (s *Store) GetPendingThreads() ([]*models.Thread, error) {
	docs, err := s.GetByIndex(CollectionThreads, "sync_status", string(models.SyncStatusPending))
	if err != nil {
		return nil, err
	}
	return unmarshalThreads(docs)
}

// GetThreadByServerID retrieves a thread by its server-assigned id.
func (s *Store) GetThreadByServerID(serverID string) (*models.Thread, error) {
	docs, err := s.GetByIndex(CollectionThreads, "server_id", serverID)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("threads: no item with server id %s", serverID))
	}
	return unmarshalThread(docs[0])
}

// DeleteThread removes a thread and cascades to its messages.
func (s *Store) DeleteThread(localID string) error {
	if _, err := s.DeleteByIndex(CollectionMessages, "thread_id", localID); err != nil {
		return err
	}
	return s.Delete(CollectionThreads, localID)
}

func unmarshalThread(doc json.RawMessage) (*models.Thread, error) {
	var t models.Thread
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "corrupt thread document", err)
	}
	return &t, nil
}

func unmarshalThreads(docs []json.RawMessage) ([]*models.Thread, error) {
	threads := make([]*models.Thread, 0, len(docs))
	for _, doc := range docs {
		t, err := unmarshalThread(doc)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, nil
}

// =====================================================
// Message helpers
// =====================================================

// SaveMessage inserts or updates a message, stamping UpdatedAt and bumping
// LocalVersion.
func (s *Store) SaveMessage(msg *models.Message) (*models.Message, error) {
	now := time.Now().Unix()
	if msg.LocalID == "" {
		msg.LocalID = GenerateLocalID()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	msg.LocalVersion++
	if msg.SyncStatus == "" {
		msg.SyncStatus = models.SyncStatusPending
	}

	if _, err := s.Put(CollectionMessages, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetMessage retrieves a message by local id.
func (s *Store) GetMessage(localID string) (*models.Message, error) {
	doc, err := s.Get(CollectionMessages, localID)
	if err != nil {
		return nil, err
	}
	return unmarshalMessage(doc)
}

// GetMessagesByThread returns a thread's messages in creation order.
func (s *Store) GetMessagesByThread(threadID string) ([]*models.Message, error) {
	docs, err := s.GetByIndex(CollectionMessages, "thread_id", threadID)
	if err != nil {
		return nil, err
	}
	return unmarshalMessages(docs)
}

// GetPendingMessages returns messages awaiting sync.
func (s *Store) GetPendingMessages() ([]*models.Message, error) {
	docs, err := s.GetByIndex(CollectionMessages, "sync_status", string(models.SyncStatusPending))
	if err != nil {
		return nil, err
	}
	return unmarshalMessages(docs)
}

// DeleteMessage removes a message.
func (s *Store) DeleteMessage(localID string) error {
	return s.Delete(CollectionMessages, localID)
}

func unmarshalMessage(doc json.RawMessage) (*models.Message, error) {
	var msg models.Message
	if err := json.Unmarshal(doc, &msg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "corrupt message document", err)
	}
	return &msg, nil
}

func unmarshalMessages(docs []json.RawMessage) ([]*models.Message, error) {
	messages := make([]*models.Message, 0, len(docs))
	for _, doc := range docs {
		msg, err := unmarshalMessage(doc)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// =====================================================
// QuickCapture helpers
// =====================================================

// SaveQuickCapture inserts or updates a quick capture, stamping UpdatedAt
// and bumping LocalVersion.
func (s *Store) SaveQuickCapture(qc *models.QuickCapture) (*models.QuickCapture, error) {
	now := time.Now().Unix()
	if qc.LocalID == "" {
		qc.LocalID = GenerateLocalID()
	}
	if qc.CreatedAt == 0 {
		qc.CreatedAt = now
	}
	qc.UpdatedAt = now
	qc.LocalVersion++
	if qc.SyncStatus == "" {
		qc.SyncStatus = models.SyncStatusPending
	}

	if _, err := s.Put(CollectionQuickCaptures, qc); err != nil {
		return nil, err
	}
	return qc, nil
}

// GetQuickCapture retrieves a quick capture by local id.
func (s *Store) GetQuickCapture(localID string) (*models.QuickCapture, error) {
	doc, err := s.Get(CollectionQuickCaptures, localID)
	if err != nil {
		return nil, err
	}
	return unmarshalQuickCapture(doc)
}

// GetQuickCapturesBySphere returns a sphere's quick captures, newest first.
func (s *Store) GetQuickCapturesBySphere(sphereID string) ([]*models.QuickCapture, error) {
	docs, err := s.GetByIndex(CollectionQuickCaptures, "sphere_id", sphereID)
	if err != nil {
		return nil, err
	}
	return unmarshalQuickCaptures(docs)
}

// GetPendingQuickCaptures returns quick captures awaiting sync.
func (s *Store) GetPendingQuickCaptures() ([]*models.QuickCapture, error) {
	docs, err := s.GetByIndex(CollectionQuickCaptures, "sync_status", string(models.SyncStatusPending))
	if err != nil {
		return nil, err
	}
	return unmarshalQuickCaptures(docs)
}

// DeleteQuickCapture removes a quick capture.
func (s *Store) DeleteQuickCapture(localID string) error {
	return s.Delete(CollectionQuickCaptures, localID)
}

func unmarshalQuickCapture(doc json.RawMessage) (*models.QuickCapture, error) {
	var qc models.QuickCapture
	if err := json.Unmarshal(doc, &qc); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "corrupt quick capture document", err)
	}
	return &qc, nil
}

func unmarshalQuickCaptures(docs []json.RawMessage) ([]*models.QuickCapture, error) {
	captures := make([]*models.QuickCapture, 0, len(docs))
	for _, doc := range docs {
		qc, err := unmarshalQuickCapture(doc)
		if err != nil {
			return nil, err
		}
		captures = append(captures, qc)
	}
	return captures, nil
}

// =====================================================
// UserData helpers
// =====================================================

// SaveUserData inserts or updates per-user data. UserID is unique: saving
// for an already-known user updates that user's row.
func (s *Store) SaveUserData(ud *models.UserData) (*models.UserData, error) {
	if ud.UserID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "user data requires a user id")
	}

	if existing, err := s.GetUserDataByUserID(ud.UserID); err == nil {
		ud.ID = existing.ID
	} else if !apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}
	if ud.ID == "" {
		ud.ID = uuid.New().String()
	}
	ud.UpdatedAt = time.Now().Unix()

	if _, err := s.Put(CollectionUserData, ud); err != nil {
		return nil, err
	}
	return ud, nil
}

// GetUserDataByUserID retrieves a user's data record.
func (s *Store) GetUserDataByUserID(userID string) (*models.UserData, error) {
	docs, err := s.GetByIndex(CollectionUserData, "user_id", userID)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("user_data: no record for user %s", userID))
	}

	var ud models.UserData
	if err := json.Unmarshal(docs[0], &ud); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "corrupt user data document", err)
	}
	return &ud, nil
}

// =====================================================
// Sync envelope helpers used by the queue and resolver
// =====================================================

// MarkRecordSynced updates a record's envelope after the server acknowledged
// it: server id assigned (for creates), sync status synced, server version
// set to the local version that was pushed. LocalVersion is not bumped; this
// is bookkeeping, not a mutation.
func (s *Store) MarkRecordSynced(kind models.StoreName, localID, serverID string) error {
	doc, err := s.Get(string(kind), localID)
	if err != nil {
		return err
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(doc, &fields); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "corrupt record document", err)
	}

	if serverID != "" {
		fields["server_id"] = serverID
	}
	fields["sync_status"] = string(models.SyncStatusSynced)
	if v, ok := fields["local_version"].(float64); ok {
		fields["server_version"] = v
	}

	_, err = s.Put(string(kind), fields)
	return err
}

// SetRecordStatus sets only a record's sync status.
func (s *Store) SetRecordStatus(kind models.StoreName, localID string, status models.SyncStatus) error {
	doc, err := s.Get(string(kind), localID)
	if err != nil {
		return err
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(doc, &fields); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "corrupt record document", err)
	}

	fields["sync_status"] = string(status)
	_, err = s.Put(string(kind), fields)
	return err
}

// FindLocalID maps a queue item's entity id to the record's storage key.
// Local ids pass through; server ids are resolved via the server_id index.
func (s *Store) FindLocalID(kind models.StoreName, entityID string) (string, error) {
	if IsLocalID(entityID) {
		return entityID, nil
	}

	docs, err := s.GetByIndex(string(kind), "server_id", entityID)
	if err != nil {
		return "", err
	}
	if len(docs) == 0 {
		return "", apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("%s: no record with server id %s", kind, entityID))
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(docs[0], &fields); err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "corrupt record document", err)
	}
	localID, _ := fields[collections[string(kind)].key].(string)
	return localID, nil
}

// ResolveServerID maps a queue item's entity id to the id the remote service
// knows. A server-format id passes through; a local id is looked up and its
// server id returned, or empty if the record never reached the server.
func (s *Store) ResolveServerID(kind models.StoreName, entityID string) (string, error) {
	if !IsLocalID(entityID) {
		return entityID, nil
	}

	doc, err := s.Get(string(kind), entityID)
	if err != nil {
		return "", err
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(doc, &fields); err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "corrupt record document", err)
	}

	serverID, _ := fields["server_id"].(string)
	return serverID, nil
}
