package location

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/example/ridebid/internal/geo"
	"github.com/example/ridebid/internal/ride/domain"
)

// MemoryStore keeps positions in process. Used when Redis is not configured.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[uuid.UUID]Update
	available map[uuid.UUID]struct{}
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[uuid.UUID]Update), available: make(map[uuid.UUID]struct{})}
}

func (m *MemoryStore) Save(_ context.Context, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[u.DriverID] = u
	return nil
}

func (m *MemoryStore) Position(_ context.Context, driverID uuid.UUID) (domain.GeoPoint, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[driverID]
	return snap.Point, ok, nil
}

func (m *MemoryStore) Nearby(_ context.Context, point domain.GeoPoint, radiusKM float64, limit int) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type candidate struct {
		id   uuid.UUID
		dist float64
	}
	var found []candidate
	for id, snap := range m.snapshots {
		if d := geo.DistanceKM(point, snap.Point); d <= radiusKM {
			found = append(found, candidate{id: id, dist: d})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].dist < found[j].dist })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	ids := make([]uuid.UUID, len(found))
	for i, c := range found {
		ids[i] = c.id
	}
	return ids, nil
}

func (m *MemoryStore) SetAvailable(_ context.Context, driverID uuid.UUID, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if available {
		m.available[driverID] = struct{}{}
	} else {
		delete(m.available, driverID)
	}
	return nil
}

func (m *MemoryStore) AvailableDrivers(_ context.Context) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(m.available))
	for id := range m.available {
		out = append(out, id)
	}
	return out, nil
}
