// Package store provides the durable local store for the Sphere sync engine.
package store

import (
	"os"
	"path/filepath"

	apperrors "github.com/halcyonlabs/sphere/backend/internal/errors"
)

// Usage reports local storage consumption for the sync engine.
type Usage struct {
	UsedBytes  int64 `json:"used_bytes"`
	QuotaBytes int64 `json:"quota_bytes"`
}

// Usage returns the bytes used by the database files and the capacity of the
// volume they live on. Returns a USAGE_UNAVAILABLE error on platforms that
// cannot report capacity.
func (db *DB) Usage() (*Usage, error) {
	var used int64
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if info, err := os.Stat(db.path + suffix); err == nil {
			used += info.Size()
		}
	}

	quota, err := volumeQuota(filepath.Dir(db.path))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrUsageUnavailable, "platform cannot report storage quota", err)
	}

	return &Usage{UsedBytes: used, QuotaBytes: quota}, nil
}
