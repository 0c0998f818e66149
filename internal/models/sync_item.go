// Package models provides data model definitions for the Sphere sync engine.
package models

import (
	"encoding/json"
	"time"
)

// SyncAction is the kind of mutation a queue item replays against the server.
type SyncAction string

const (
	ActionCreate SyncAction = "create"
	ActionUpdate SyncAction = "update"
	ActionDelete SyncAction = "delete"
)

// StoreName identifies which record kind a queue item or conflict targets.
type StoreName string

const (
	StoreThreads       StoreName = "threads"
	StoreMessages      StoreName = "messages"
	StoreQuickCaptures StoreName = "quick_captures"
)

// ItemStatus is the lifecycle of a queued mutation.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusFailed     ItemStatus = "failed"
	ItemStatusCompleted  ItemStatus = "completed"
)

// SyncItem represents one pending mutation awaiting delivery to the server.
// Payload is the JSON of the record kind named by Store: the full record for
// creates, the partial patch for updates, empty for deletes.
type SyncItem struct {
	ID         string          `db:"id" json:"id"`
	Action     SyncAction      `db:"action" json:"action"`
	Store      StoreName       `db:"store" json:"store"`
	EntityID   string          `db:"entity_id" json:"entity_id"`
	Payload    json.RawMessage `db:"payload" json:"payload,omitempty"`
	Timestamp  int64           `db:"timestamp" json:"timestamp"` // unix nanos, drain order
	RetryCount int             `db:"retry_count" json:"retry_count"`
	MaxRetries int             `db:"max_retries" json:"max_retries"`
	Status     ItemStatus      `db:"status" json:"status"`
	Error      string          `db:"error" json:"error,omitempty"`
}

// TableName returns the table name for SyncItem.
func (SyncItem) TableName() string {
	return "sync_queue"
}

// Time returns the Timestamp as time.Time.
func (s *SyncItem) Time() time.Time {
	return time.Unix(0, s.Timestamp)
}
