package governor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
	"github.com/gonzaloobispo/Bioengine-v3/internal/storage"
)

// MemoryStore implements UsageStore in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.UsageRecord
	window  *models.PaidWindow
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*models.UsageRecord)}
}

func (s *MemoryStore) EnsureProvider(ctx context.Context, providerID string, class models.CostClass, initial models.AllowState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[providerID]; ok {
		if rec.CostClass != class {
			rec.CostClass = class
			rec.AllowUsage = initial
			rec.UpdatedAt = at
		}
		return nil
	}
	s.records[providerID] = &models.UsageRecord{
		ProviderID: providerID,
		CostClass:  class,
		AllowUsage: initial,
		UpdatedAt:  at,
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, providerID string) (*models.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[providerID]
	if !ok {
		return nil, storage.ErrUsageRecordNotFound
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*models.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.UsageRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

func (s *MemoryStore) SetAllowState(ctx context.Context, providerID string, state models.AllowState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[providerID]
	if !ok {
		return storage.ErrUsageRecordNotFound
	}
	rec.AllowUsage = state
	rec.UpdatedAt = at
	return nil
}

func (s *MemoryStore) AddUsage(ctx context.Context, providerID string, costUSD float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[providerID]
	if !ok {
		return storage.ErrUsageRecordNotFound
	}
	rec.UsageCount++
	rec.EstimatedCostUSD += costUSD
	used := at
	rec.LastUsedAt = &used
	rec.UpdatedAt = at
	return nil
}

func (s *MemoryStore) GetWindow(ctx context.Context) (*models.PaidWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.window == nil {
		return nil, storage.ErrNoPaidWindow
	}
	w := *s.window
	return &w, nil
}

func (s *MemoryStore) SaveWindow(ctx context.Context, w *models.PaidWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *w
	s.window = &cp
	return nil
}

func (s *MemoryStore) ClearWindow(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.window = nil
	return nil
}

func copyRecord(rec *models.UsageRecord) *models.UsageRecord {
	out := *rec
	if rec.LastUsedAt != nil {
		t := *rec.LastUsedAt
		out.LastUsedAt = &t
	}
	return &out
}
