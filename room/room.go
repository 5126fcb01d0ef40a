// Package room resolves a discussion room id to the topic, coaching option
// and expert a session runs with.
package room

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("room not found")

type Info struct {
	ID             string
	Topic          string
	CoachingOption string
	ExpertName     string
}

type Store interface {
	Lookup(ctx context.Context, id string) (Info, error)
}

// Static is an in-memory Store, used for -topic/-option runs without a database.
type Static struct {
	mu    sync.RWMutex
	rooms map[string]Info
}

func NewStatic(rooms ...Info) *Static {
	s := &Static{rooms: make(map[string]Info, len(rooms))}
	for _, r := range rooms {
		s.rooms[r.ID] = r
	}
	return s
}

func (s *Static) Put(info Info) {
	s.mu.Lock()
	s.rooms[info.ID] = info
	s.mu.Unlock()
}

func (s *Static) Lookup(_ context.Context, id string) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.rooms[id]
	if !ok {
		return Info{}, ErrNotFound
	}
	return info, nil
}
