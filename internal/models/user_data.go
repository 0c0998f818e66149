// Package models provides data model definitions for the Sphere sync engine.
package models

import "encoding/json"

// UserData holds per-user settings and profile data kept alongside the
// offline record collections. UserID is unique across the collection.
type UserData struct {
	ID        string          `db:"id" json:"id"`
	UserID    string          `db:"user_id" json:"user_id"`
	Data      json.RawMessage `db:"data" json:"data,omitempty"`
	UpdatedAt int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for UserData.
func (UserData) TableName() string {
	return "user_data"
}
