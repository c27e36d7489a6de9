// Package snapshot holds the most recently validated proxy set so the API
// can serve it while a new validation runs.
package snapshot

import (
	"sync/atomic"
	"time"

	"github.com/proxy-broadcast/internal/types"
	log "github.com/sirupsen/logrus"
)

type Snapshot struct {
	Proxies []types.ProxyAddress  `json:"proxies"`
	Stats   types.ValidationStats `json:"stats"`
	Updated time.Time             `json:"updated"`
}

type Manager struct {
	current atomic.Pointer[Snapshot]
}

func NewManager() *Manager {
	m := &Manager{}
	m.current.Store(&Snapshot{
		Proxies: []types.ProxyAddress{},
		Updated: time.Now(),
	})
	return m
}

// Update atomically swaps the current snapshot. The proxies slice is
// copied; callers may reuse theirs.
func (m *Manager) Update(proxies []types.ProxyAddress, stats types.ValidationStats) {
	snapshot := &Snapshot{
		Proxies: append([]types.ProxyAddress{}, proxies...),
		Stats:   stats,
		Updated: time.Now(),
	}

	m.current.Store(snapshot)
	log.Infof("Snapshot updated: %d live proxies", len(proxies))
}

// Get returns the current snapshot. It must be treated as read-only.
func (m *Manager) Get() *Snapshot {
	return m.current.Load()
}

// Proxies returns a copy of the validated set
func (m *Manager) Proxies() []types.ProxyAddress {
	snapshot := m.Get()
	proxies := make([]types.ProxyAddress, len(snapshot.Proxies))
	copy(proxies, snapshot.Proxies)
	return proxies
}

func (m *Manager) Stats() types.ValidationStats {
	return m.Get().Stats
}
