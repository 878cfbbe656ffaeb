// Package memory keeps groups in process memory. It backs STORE=memory and
// the tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/italolelis/groupfetch/internal/group"
	"github.com/italolelis/groupfetch/internal/storage"
)

type Store struct {
	mu     sync.RWMutex
	groups map[string]*group.Group
}

func New() *Store {
	return &Store{groups: make(map[string]*group.Group)}
}

func (s *Store) Load(_ context.Context, key string) (*group.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[key]
	if !ok {
		return nil, storage.ErrNotFound
	}

	return g.Clone(), nil
}

func (s *Store) Save(_ context.Context, g *group.Group) error {
	c := g.Clone()

	s.mu.Lock()
	s.groups[g.Key] = c
	s.mu.Unlock()

	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.groups, key)
	s.mu.Unlock()

	return nil
}

// List returns every group, most recently updated first.
func (s *Store) List(_ context.Context) ([]*group.Group, error) {
	s.mu.RLock()

	out := make([]*group.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.Clone())
	}

	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].Key < out[j].Key
		}

		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	return out, nil
}

var _ storage.GroupStore = (*Store)(nil)
