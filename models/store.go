package models

import (
	"context"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

const (
	ErrTypeWorldAlreadyAdded = "world_already_added"
)

// WorldStore holds the worlds served by the server.
type WorldStore struct {
	initOnce sync.Once
	mutex    sync.RWMutex
	worlds   map[string]*World
	ids      SequentialIDGenerator
}

func (s *WorldStore) init() {
	s.worlds = map[string]*World{}
}

func (s *WorldStore) NewID() uint32 {
	return s.ids.New()
}

func (s *WorldStore) Add(ctx context.Context, world *World) error {
	s.initOnce.Do(s.init)
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.worlds[world.WorldUUID]; ok {
		return errors.New("world is already added").
			WithType(ErrTypeWorldAlreadyAdded).
			WithTag("world_uuid", world.WorldUUID)
	}
	s.worlds[world.WorldUUID] = world

	instrumentIncreaseWorldGauge()
	instrumentCountWorld()
	return nil
}

func (s *WorldStore) Remove(ctx context.Context, world *World) {
	s.initOnce.Do(s.init)
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.remove(world)
}

// RemoveIfEmpty removes the world when it has no participant. It reports
// whether the world was removed. Worlds are never removed while Join is adding
// a participant to them.
func (s *WorldStore) RemoveIfEmpty(ctx context.Context, world *World) bool {
	s.initOnce.Do(s.init)
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if world.ParticipantCount() != 0 {
		return false
	}
	return s.remove(world)
}

func (s *WorldStore) remove(world *World) bool {
	if _, ok := s.worlds[world.WorldUUID]; !ok {
		return false
	}

	delete(s.worlds, world.WorldUUID)
	world.Close()
	s.ids.Reuse(world.ID)

	instrumentDecreaseWorldGauge()
	instrumentEntityGauge(-world.EntityCount())
	return true
}

// Join adds a participant to the world with the given UUID. It returns false
// when the world is not in the store.
func (s *WorldStore) Join(worldUUID string, responder ResponseSender) (*World, *Participant, bool) {
	s.initOnce.Do(s.init)

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	world, ok := s.worlds[worldUUID]
	if !ok {
		return nil, nil, false
	}
	return world, world.Join(responder), true
}

func (s *WorldStore) GetByUUID(v string) (*World, bool) {
	s.initOnce.Do(s.init)

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	world, ok := s.worlds[v]
	return world, ok
}

// List returns the worlds sorted by id.
func (s *WorldStore) List() []*World {
	s.initOnce.Do(s.init)

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	worlds := make([]*World, 0, len(s.worlds))
	for _, w := range s.worlds {
		worlds = append(worlds, w)
	}
	sortWorlds(worlds)
	return worlds
}

func (s *WorldStore) Count() int {
	s.initOnce.Do(s.init)

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.worlds)
}
