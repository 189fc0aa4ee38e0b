package directory

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]User),
	}
}

func (s *MemoryStore) Create(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return ErrUserExists
	}
	s.users[u.ID] = u
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (s *MemoryStore) MergeActivity(_ context.Context, sync ActivitySync) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[sync.UserID]
	if !ok {
		return nil, ErrUserNotFound
	}
	Merge(&u, sync)
	s.users[u.ID] = u
	return &u, nil
}

func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return ErrUserNotFound
	}
	delete(s.users, userID)
	return nil
}

func (s *MemoryStore) ActiveSince(_ context.Context, threshold time.Time) ([]User, error) {
	out := s.filter(func(u User) bool { return u.LastActivity.After(threshold) })
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

func (s *MemoryStore) HighUsage(_ context.Context, minTotal int64) ([]User, error) {
	out := s.filter(func(u User) bool { return u.TotalUsage >= minTotal })
	sort.Slice(out, func(i, j int) bool { return out[i].TotalUsage > out[j].TotalUsage })
	return out, nil
}

func (s *MemoryStore) filter(keep func(User) bool) []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []User{}
	for _, u := range s.users {
		if keep(u) {
			out = append(out, u)
		}
	}
	return out
}

func (s *MemoryStore) Close() error {
	return nil
}
