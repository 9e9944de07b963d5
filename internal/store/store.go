// Package store is an in-memory versioned entity store. It backs the
// action endpoint as the domain mutation handler and the snapshot
// endpoint as the state source. Entities carry a version that increments
// on every write; a submission whose expected version does not match is
// rejected as a conflict rather than applied.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/harborview/realtime/wire"
)

// Action kinds the store understands.
const (
	KindEntityPut    = "entity.put"
	KindEntityDelete = "entity.delete"
)

// PutPayload is the submission payload for entity.put and entity.delete.
type PutPayload struct {
	// Topic scopes the entity and the resulting broadcast.
	Topic string `json:"topic"`
	// EntityID identifies the entity inside the topic.
	EntityID string `json:"entityId"`
	// ExpectedVersion is the version the client last saw. Zero means the
	// client expects to create the entity.
	ExpectedVersion int64 `json:"expectedVersion"`
	// Data is the entity body; ignored for deletes.
	Data json.RawMessage `json:"data,omitempty"`
}

// EntityEvent is the payload of entity-updated and entity-deleted events.
type EntityEvent struct {
	EntityID string          `json:"entityId"`
	Version  int64           `json:"version,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type entity struct {
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Store holds per-topic entity maps.
type Store struct {
	mu     sync.Mutex
	topics map[string]map[string]entity
}

// New creates an empty store.
func New() *Store {
	return &Store{topics: make(map[string]map[string]entity)}
}

// Mutate applies one action submission. Version mismatches come back as
// conflict results, malformed submissions as error results; both are
// permanent from the client's point of view.
func (s *Store) Mutate(
	_ context.Context, _ string, sub wire.ActionSubmission,
) (wire.ActionResult, error) {
	var p PutPayload
	if err := json.Unmarshal(sub.Payload, &p); err != nil {
		return wire.ActionResult{
			Result: wire.ResultError, Message: fmt.Sprintf("malformed payload: %v", err),
		}, nil
	}
	if p.Topic == "" || p.EntityID == "" {
		return wire.ActionResult{
			Result: wire.ResultError, Message: "topic and entityId are required",
		}, nil
	}

	switch sub.Kind {
	case KindEntityPut:
		return s.put(p)
	case KindEntityDelete:
		return s.delete(p)
	default:
		return wire.ActionResult{
			Result: wire.ResultError, Message: fmt.Sprintf("unknown action kind %q", sub.Kind),
		}, nil
	}
}

func (s *Store) put(p PutPayload) (wire.ActionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entities := s.topics[p.Topic]
	if entities == nil {
		entities = make(map[string]entity)
		s.topics[p.Topic] = entities
	}

	current := entities[p.EntityID].Version
	if p.ExpectedVersion != current {
		return wire.ActionResult{
			Result: wire.ResultConflict,
			Message: fmt.Sprintf(
				"entity %s is at version %d, submission expected %d",
				p.EntityID, current, p.ExpectedVersion,
			),
		}, nil
	}

	next := entity{Version: current + 1, Data: p.Data}
	entities[p.EntityID] = next

	evPayload, err := json.Marshal(EntityEvent{
		EntityID: p.EntityID, Version: next.Version, Data: next.Data,
	})
	if err != nil {
		return wire.ActionResult{}, err
	}
	return wire.ActionResult{
		Result:       wire.ResultSuccess,
		Topic:        p.Topic,
		EventKind:    wire.EventEntityUpdated,
		EventPayload: evPayload,
	}, nil
}

func (s *Store) delete(p PutPayload) (wire.ActionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entities := s.topics[p.Topic]
	current, exists := entities[p.EntityID]
	if !exists {
		return wire.ActionResult{
			Result:  wire.ResultConflict,
			Message: fmt.Sprintf("entity %s does not exist", p.EntityID),
		}, nil
	}
	if p.ExpectedVersion != current.Version {
		return wire.ActionResult{
			Result: wire.ResultConflict,
			Message: fmt.Sprintf(
				"entity %s is at version %d, submission expected %d",
				p.EntityID, current.Version, p.ExpectedVersion,
			),
		}, nil
	}

	delete(entities, p.EntityID)

	evPayload, err := json.Marshal(EntityEvent{EntityID: p.EntityID})
	if err != nil {
		return wire.ActionResult{}, err
	}
	return wire.ActionResult{
		Result:       wire.ResultSuccess,
		Topic:        p.Topic,
		EventKind:    wire.EventEntityDeleted,
		EventPayload: evPayload,
	}, nil
}

// Snapshot returns the full entity map of one topic.
func (s *Store) Snapshot(_ context.Context, topic string) (wire.Snapshot, error) {
	s.mu.Lock()
	entities := s.topics[topic]
	copied := make(map[string]entity, len(entities))
	for id, e := range entities {
		copied[id] = e
	}
	s.mu.Unlock()

	state, err := json.Marshal(copied)
	if err != nil {
		return wire.Snapshot{}, err
	}
	return wire.Snapshot{Topic: topic, State: state}, nil
}
