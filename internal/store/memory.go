package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"wxgate/internal/domain"
)

// MemoryStore keeps everything in process memory. State is lost on restart.
type MemoryStore struct {
	mu         sync.RWMutex
	creds      map[string]domain.Credentials
	deliveries []domain.Delivery
	maxLog     int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds:  make(map[string]domain.Credentials),
		maxLog: 1000,
	}
}

func (s *MemoryStore) Load(_ context.Context, appID string) (*domain.Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[appID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *MemoryStore) Save(_ context.Context, c domain.Credentials) error {
	if c.AppID == "" {
		return fmt.Errorf("save credentials: empty app id")
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[c.AppID] = c
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]domain.Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]domain.Credentials, 0, len(s.creds))
	for _, c := range s.creds {
		all = append(all, c)
	}
	sortCredentials(all)
	return all, nil
}

func (s *MemoryStore) LogDelivery(_ context.Context, d domain.Delivery) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.deliveries) >= s.maxLog {
		s.deliveries = s.deliveries[1:]
	}
	s.deliveries = append(s.deliveries, d)
	return nil
}

func (s *MemoryStore) RecentDeliveries(_ context.Context, appID string, limit int) ([]domain.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Delivery
	for i := len(s.deliveries) - 1; i >= 0 && len(out) < limit; i-- {
		if appID == "" || s.deliveries[i].AppID == appID {
			out = append(out, s.deliveries[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortCredentials(all []domain.Credentials) {
	sort.Slice(all, func(i, j int) bool { return all[i].AppID < all[j].AppID })
}
