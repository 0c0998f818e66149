// Package models provides data model definitions for the Sphere sync engine.
package models

import "time"

// SyncStatus is the sync lifecycle tag carried by every record.
type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusConflict SyncStatus = "conflict"
	SyncStatusFailed   SyncStatus = "failed"
)

// Thread represents a discussion thread inside a sphere.
type Thread struct {
	LocalID       string     `db:"local_id" json:"local_id"`
	ServerID      string     `db:"server_id" json:"server_id,omitempty"`
	SphereID      string     `db:"sphere_id" json:"sphere_id"`
	Title         string     `db:"title" json:"title"`
	CreatedAt     int64      `db:"created_at" json:"created_at"`
	UpdatedAt     int64      `db:"updated_at" json:"updated_at"`
	SyncStatus    SyncStatus `db:"sync_status" json:"sync_status"`
	LocalVersion  int        `db:"local_version" json:"local_version"`
	ServerVersion int        `db:"server_version" json:"server_version,omitempty"`
}

// TableName returns the table name for Thread.
func (Thread) TableName() string {
	return "threads"
}

// Message represents a single message inside a thread.
type Message struct {
	LocalID       string     `db:"local_id" json:"local_id"`
	ServerID      string     `db:"server_id" json:"server_id,omitempty"`
	ThreadID      string     `db:"thread_id" json:"thread_id"`
	AuthorID      string     `db:"author_id" json:"author_id,omitempty"`
	Content       string     `db:"content" json:"content"`
	CreatedAt     int64      `db:"created_at" json:"created_at"`
	UpdatedAt     int64      `db:"updated_at" json:"updated_at"`
	SyncStatus    SyncStatus `db:"sync_status" json:"sync_status"`
	LocalVersion  int        `db:"local_version" json:"local_version"`
	ServerVersion int        `db:"server_version" json:"server_version,omitempty"`
}

// TableName returns the table name for Message.
func (Message) TableName() string {
	return "messages"
}

// QuickCapture represents an unfiled note captured into a sphere.
type QuickCapture struct {
	LocalID       string     `db:"local_id" json:"local_id"`
	ServerID      string     `db:"server_id" json:"server_id,omitempty"`
	SphereID      string     `db:"sphere_id" json:"sphere_id"`
	Content       string     `db:"content" json:"content"`
	CreatedAt     int64      `db:"created_at" json:"created_at"`
	UpdatedAt     int64      `db:"updated_at" json:"updated_at"`
	SyncStatus    SyncStatus `db:"sync_status" json:"sync_status"`
	LocalVersion  int        `db:"local_version" json:"local_version"`
	ServerVersion int        `db:"server_version" json:"server_version,omitempty"`
}

// TableName returns the table name for QuickCapture.
func (QuickCapture) TableName() string {
	return "quick_captures"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (t *Thread) CreatedAtTime() time.Time {
	return time.Unix(t.CreatedAt, 0)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (t *Thread) UpdatedAtTime() time.Time {
	return time.Unix(t.UpdatedAt, 0)
}
