// Package catalog keeps the store's routes and departures in step with the
// seed file, re-expanding daily departure times as days roll over.
package catalog

import (
	"context"
	"log"
	"sync"
	"time"

	"shuttle-slots/internal/config"
	"shuttle-slots/internal/store"
)

type Metrics interface {
	CatalogRefreshed(departures int, err error)
}

type Manager struct {
	cat             store.Catalog
	seed            *config.Seed
	tz              *time.Location
	horizonDays     int
	refreshInterval time.Duration
	metrics         Metrics
	now             func() time.Time

	mu          sync.Mutex
	lastRefresh time.Time
	departures  int

	refreshCancel context.CancelFunc
	refreshWG     sync.WaitGroup
}

func NewManager(cat store.Catalog, seed *config.Seed, tz *time.Location, horizonDays int, refreshInterval time.Duration, m Metrics) *Manager {
	if tz == nil {
		tz = time.Local
	}
	if horizonDays < 1 {
		horizonDays = 1
	}
	return &Manager{
		cat:             cat,
		seed:            seed,
		tz:              tz,
		horizonDays:     horizonDays,
		refreshInterval: refreshInterval,
		metrics:         m,
		now:             time.Now,
	}
}

// Refresh upserts the routes and the departures of the horizon starting today.
func (m *Manager) Refresh(ctx context.Context) error {
	now := m.now().In(m.tz)
	routes, deps, err := config.ApplySeed(ctx, m.cat, m.seed, now, m.horizonDays)
	if m.metrics != nil {
		m.metrics.CatalogRefreshed(deps, err)
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.lastRefresh = now
	m.departures = deps
	m.mu.Unlock()
	log.Printf("catalog seeded routes=%d departures=%d from=%s days=%d", routes, deps, now.Format("2006-01-02"), m.horizonDays)
	return nil
}

// LastRefresh reports when the catalog was last written and how many
// departures it covered.
func (m *Manager) LastRefresh() (time.Time, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRefresh, m.departures
}

// StartRefresher launches a background loop that periodically re-seeds so
// departures of upcoming days exist before anyone asks for them.
func (m *Manager) StartRefresher(parent context.Context) {
	if m.refreshInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.refreshCancel = cancel
	m.refreshWG.Add(1)
	go func() {
		defer m.refreshWG.Done()
		ticker := time.NewTicker(m.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Refresh(ctx); err != nil {
					log.Printf("refresh catalog error: %v", err)
				}
			}
		}
	}()
}

func (m *Manager) Stop() {
	if m.refreshCancel != nil {
		m.refreshCancel()
	}
	m.refreshWG.Wait()
}
