package storage

import (
	"context"
	"sync"
)

// Memory is a volatile KV used in tests and as a fallback when no durable
// backend is configured. State is lost on process exit.
type Memory struct {
	mu sync.RWMutex
	m  map[string][]byte
}

var _ KV = (*Memory)(nil)

// NewMemory constructs an empty in-memory KV.
func NewMemory() *Memory {
	return &Memory{m: make(map[string][]byte)}
}

func (s *Memory) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return nil, ErrNoKey
	}
	return append([]byte(nil), v...), nil
}

func (s *Memory) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = append([]byte(nil), value...)
	return nil
}

func (s *Memory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func (s *Memory) Close() error { return nil }
