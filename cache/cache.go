// Package cache provides local entity cache implementations for the wallet
// sync engine. The cache holds the canonical server representation of each
// entity; it is written on successful replays and on realtime pushes.
package cache

import (
	"context"
	"encoding/json"
	"sync"

	walletsync "github.com/c0deZ3R0/wallet-sync-kit"
)

// Memory is a goroutine-safe in-memory entity cache.
type Memory struct {
	mu       sync.RWMutex
	entities map[walletsync.ResourceKind]map[string]json.RawMessage
}

var _ walletsync.EntityCache = (*Memory)(nil)

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		entities: make(map[walletsync.ResourceKind]map[string]json.RawMessage),
	}
}

func (m *Memory) SaveEntity(_ context.Context, res walletsync.ResourceKind, id string, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entities[res] == nil {
		m.entities[res] = make(map[string]json.RawMessage)
	}
	m.entities[res][id] = append(json.RawMessage(nil), data...)
	return nil
}

// UpdateEntity replaces the stored entity. Updating a missing entity
// behaves like SaveEntity; realtime pushes may arrive before the initial
// full fetch.
func (m *Memory) UpdateEntity(ctx context.Context, res walletsync.ResourceKind, id string, data json.RawMessage) error {
	return m.SaveEntity(ctx, res, id, data)
}

func (m *Memory) DeleteEntity(_ context.Context, res walletsync.ResourceKind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities[res], id)
	return nil
}

func (m *Memory) GetEntity(_ context.Context, res walletsync.ResourceKind, id string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.entities[res][id]
	if !ok {
		return nil, walletsync.ErrEntityNotFound
	}
	return append(json.RawMessage(nil), data...), nil
}

func (m *Memory) ListEntities(_ context.Context, res walletsync.ResourceKind) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(m.entities[res]))
	for id, data := range m.entities[res] {
		out[id] = append(json.RawMessage(nil), data...)
	}
	return out, nil
}
