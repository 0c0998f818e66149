// Package syncx provides the synchronization layer of the Sphere engine:
// connectivity tracking and the coordinator that composes the local store,
// the sync queue and the conflict resolver behind one API.
package syncx

import (
	"sync"

	"github.com/halcyonlabs/sphere/backend/internal/logging"
	"github.com/halcyonlabs/sphere/backend/internal/syncx/event"
)

// Connectivity is an observable online/offline flag. The engine does not
// probe the network itself; whatever owns the platform connectivity signal
// (UI shell, OS callbacks) feeds transitions in through SetOnline.
type Connectivity struct {
	mu     sync.RWMutex
	online bool
	bus    *event.Bus[bool]
}

// NewConnectivity creates a connectivity source with the given initial state.
func NewConnectivity(online bool) *Connectivity {
	return &Connectivity{
		online: online,
		bus:    event.NewBus[bool](),
	}
}

// IsOnline reports the current state.
func (c *Connectivity) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// SetOnline records a transition. Subscribers are notified only on actual
// changes; repeated reports of the same state are dropped.
func (c *Connectivity) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	c.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})
	c.bus.Publish(online)
}

// OnChange subscribes to transitions; returns an unsubscribe function.
func (c *Connectivity) OnChange(handler func(online bool)) func() {
	return c.bus.Subscribe(handler)
}
