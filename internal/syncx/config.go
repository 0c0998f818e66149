// Package syncx provides sync engine configuration.
package syncx

import (
	"time"

	"github.com/halcyonlabs/sphere/backend/internal/syncx/queue"
)

// SyncConfig holds sync engine tuning knobs.
type SyncConfig struct {
	MaxRetries       int           // delivery attempts before an item is terminally failed
	ItemPause        time.Duration // pause between drained items
	AutoSyncInterval time.Duration // background drain period; 0 disables auto-sync
}

// DefaultSyncConfig returns the default sync configuration.
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		MaxRetries:       3,
		ItemPause:        50 * time.Millisecond,
		AutoSyncInterval: 30 * time.Second,
	}
}

// QueueConfig derives the queue's own configuration.
func (c *SyncConfig) QueueConfig() *queue.Config {
	return &queue.Config{
		MaxRetries: c.MaxRetries,
		ItemPause:  c.ItemPause,
	}
}
