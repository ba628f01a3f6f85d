package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/tukerank/internal/models"
)

// MemoryStore keeps everything in process. It honors the same conflict
// semantics as the Postgres store so the services behave identically in
// local runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[string]*models.Ride
	elo      map[string]int
	history  map[string][]models.EloHistoryEntry
	feedback map[string]*models.Feedback // keyed by ride id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]*models.Ride),
		elo:      make(map[string]int),
		history:  make(map[string][]models.EloHistoryEntry),
		feedback: make(map[string]*models.Feedback),
	}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	if r.Feedback != nil {
		fb := *r.Feedback
		cp.Feedback = &fb
	}
	return &cp, nil
}

func (m *MemoryStore) ListRidesByTourist(ctx context.Context, touristID string) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.TouristID == touristID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortRides(out)
	return out, nil
}

func (m *MemoryStore) ListRidesByDriver(ctx context.Context, driverID string, status models.RideStatus) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.DriverID != driverID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sortRides(out)
	return out, nil
}

func (m *MemoryStore) UpdateRideStatus(ctx context.Context, id string, from, to models.RideStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != from {
		return ErrConflictingWrite
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetRideFeedback(ctx context.Context, id string, fb models.FeedbackSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	if r.Feedback != nil {
		return ErrAlreadyExists
	}
	r.Feedback = &fb
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetRidePaymentIntent(ctx context.Context, id, paymentIntentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	r.PaymentIntentID = paymentIntentID
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) MarkRideForReconciliation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	r.NeedsReconciliation = true
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetDriverElo(ctx context.Context, driverID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	elo, ok := m.elo[driverID]
	if !ok {
		return 0, ErrNotFound
	}
	return elo, nil
}

func (m *MemoryStore) InitDriverElo(ctx context.Context, driverID string, elo int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.elo[driverID]; ok {
		return ErrAlreadyExists
	}
	m.elo[driverID] = elo
	return nil
}

func (m *MemoryStore) SetDriverElo(ctx context.Context, driverID string, elo, expectedPriorElo int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.elo[driverID]
	if !ok {
		return ErrNotFound
	}
	if cur != expectedPriorElo {
		return ErrConflictingWrite
	}
	m.elo[driverID] = elo
	return nil
}

func (m *MemoryStore) AppendEloHistory(ctx context.Context, driverID string, elo int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[driverID] = append(m.history[driverID], models.EloHistoryEntry{DriverID: driverID, Elo: elo, Date: at})
	return nil
}

func (m *MemoryStore) EloHistory(ctx context.Context, driverID string) ([]models.EloHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.EloHistoryEntry, len(m.history[driverID]))
	copy(out, m.history[driverID])
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *MemoryStore) CreateFeedback(ctx context.Context, f *models.Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.feedback[f.RideID]; ok {
		return ErrAlreadyExists
	}
	cp := *f
	m.feedback[f.RideID] = &cp
	return nil
}

func (m *MemoryStore) FeedbackByRide(ctx context.Context, rideID string) (*models.Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.feedback[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *MemoryStore) ListFeedbackByDriver(ctx context.Context, driverID string) ([]*models.Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Feedback
	for _, f := range m.feedback {
		if f.DriverID == driverID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sortFeedback(out)
	return out, nil
}

func (m *MemoryStore) ListFeedback(ctx context.Context) ([]*models.Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Feedback, 0, len(m.feedback))
	for _, f := range m.feedback {
		cp := *f
		out = append(out, &cp)
	}
	sortFeedback(out)
	return out, nil
}

func sortRides(rs []*models.Ride) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].ScheduledTime.Before(rs[j].ScheduledTime) })
}

func sortFeedback(fs []*models.Feedback) {
	sort.Slice(fs, func(i, j int) bool { return fs[i].CreatedAt.Before(fs[j].CreatedAt) })
}
