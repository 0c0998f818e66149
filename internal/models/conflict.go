// Package models provides data model definitions for the Sphere sync engine.
package models

import (
	"encoding/json"
	"time"
)

// ConflictStatus is the lifecycle of a detected conflict.
type ConflictStatus string

const (
	ConflictStatusPending        ConflictStatus = "pending"
	ConflictStatusResolvedLocal  ConflictStatus = "resolved_local"
	ConflictStatusResolvedServer ConflictStatus = "resolved_server"
	ConflictStatusResolvedMerged ConflictStatus = "resolved_merged"
)

// ConflictRecord captures a divergence between the local and server view of
// the same entity, pending a resolution strategy.
type ConflictRecord struct {
	ID              string          `db:"id" json:"id"`
	EntityID        string          `db:"entity_id" json:"entity_id"`
	EntityType      StoreName       `db:"entity_type" json:"entity_type"`
	LocalData       json.RawMessage `db:"local_data" json:"local_data"`
	ServerData      json.RawMessage `db:"server_data" json:"server_data"`
	LocalVersion    int             `db:"local_version" json:"local_version"`
	ServerVersion   int             `db:"server_version" json:"server_version"`
	LocalUpdatedAt  int64           `db:"local_updated_at" json:"local_updated_at"`
	ServerUpdatedAt int64           `db:"server_updated_at" json:"server_updated_at"`
	ConflictFields  []string        `db:"conflict_fields" json:"conflict_fields"`
	DetectedAt      int64           `db:"detected_at" json:"detected_at"`
	Status          ConflictStatus  `db:"status" json:"status"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflicts"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictRecord) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
