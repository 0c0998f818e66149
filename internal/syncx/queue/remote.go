// Package queue provides the remote service contract the sync queue replays
// mutations against.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/halcyonlabs/sphere/backend/internal/errors"
	"github.com/halcyonlabs/sphere/backend/internal/models"
)

// RemoteStore is the functional contract one record kind requires from the
// remote service layer. The queue does not know or care how calls are
// transported; any failure is a retryable SyncItemFailure.
type RemoteStore interface {
	// Create pushes a new record and returns the server-assigned id.
	Create(ctx context.Context, payload json.RawMessage) (string, error)

	// Update pushes a partial patch for an existing record.
	Update(ctx context.Context, serverID string, patch json.RawMessage) error

	// Delete removes a record server-side.
	Delete(ctx context.Context, serverID string) error
}

// Remotes holds the remote handler for each record kind. A nil handler, or a
// queue item naming a kind outside this set, is a configuration error: the
// item fails immediately and is never retried.
type Remotes struct {
	Threads       RemoteStore
	Messages      RemoteStore
	QuickCaptures RemoteStore
}

// forStore dispatches exhaustively on the record kind.
func (r *Remotes) forStore(store models.StoreName) (RemoteStore, error) {
	var remote RemoteStore
	switch store {
	case models.StoreThreads:
		remote = r.Threads
	case models.StoreMessages:
		remote = r.Messages
	case models.StoreQuickCaptures:
		remote = r.QuickCaptures
	}
	if remote == nil {
		return nil, apperrors.New(apperrors.ErrUnknownQueueTarget,
			fmt.Sprintf("no remote handler registered for store %q", store))
	}
	return remote, nil
}
