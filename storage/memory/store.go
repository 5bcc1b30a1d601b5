package memory

import (
	"context"
	"sync"
)

// Store is an in-process key-value preference store, used where no
// external persistence is configured and in tests.
type Store struct {
	mx *sync.Mutex
	db map[string]string
}

func NewStore() *Store {
	return &Store{
		mx: &sync.Mutex{},
		db: make(map[string]string),
	}
}

func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	val, ok := s.db[key]
	return val, ok, nil
}

func (s *Store) Set(_ context.Context, key, value string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.db[key] = value
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	delete(s.db, key)
	return nil
}
