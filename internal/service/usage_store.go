package service

import (
	"context"
	"sync"
	"time"
)

// UsageStore is the in-process UsageRepo used without Redis.
type UsageStore struct {
	now func() time.Time

	mu       sync.RWMutex
	amounts  map[string]float64 // key: seller:YYYY-MM-DD
	payments map[string]int
}

func NewUsageStore() *UsageStore {
	return &UsageStore{
		now:      time.Now,
		amounts:  make(map[string]float64),
		payments: make(map[string]int),
	}
}

func (s *UsageStore) GetDailyUsage(_ context.Context, seller string) (int, float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := s.makeKey(seller)
	return s.payments[key], s.amounts[key], nil
}

func (s *UsageStore) AddDailyUsage(_ context.Context, seller string, payments int, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.makeKey(seller)
	s.amounts[key] += amount
	s.payments[key] += payments
	return nil
}

func (s *UsageStore) makeKey(seller string) string {
	return seller + ":" + s.now().UTC().Format("2006-01-02")
}
