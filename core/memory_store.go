package core

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (s *MemoryStore) Create(_ context.Context, rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[rec.UserID]; ok {
		return false, nil
	}
	s.data[rec.UserID] = rec
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[userID]
	if !ok {
		return nil, ErrNoSession
	}
	return &rec, nil
}

func (s *MemoryStore) Exists(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[userID]
	return ok, nil
}

func (s *MemoryStore) Increment(_ context.Context, userID string, cost int64, at time.Time, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data[userID]
	if !ok {
		return ErrNoSession
	}

	if at.Sub(rec.LastActivity) > window {
		rec.UsedPerMinute = cost
	} else {
		rec.UsedPerMinute += cost
	}
	if day := DayOf(at); rec.Day != day {
		rec.Day = day
		rec.UsedPerDay = cost
	} else {
		rec.UsedPerDay += cost
	}
	rec.TotalUsage += cost
	rec.LastActivity = at
	s.data[userID] = rec
	return nil
}

func (s *MemoryStore) ResetMinute(_ context.Context, userID string, staleAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data[userID]
	if !ok {
		return ErrNoSession
	}
	if !rec.LastActivity.Equal(staleAt) {
		return nil
	}
	rec.UsedPerMinute = 0
	s.data[userID] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, userID)
	return nil
}

func (s *MemoryStore) UserIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
