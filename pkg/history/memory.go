// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps history in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore creates an in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

// Append stores a copy of entry, assigning an id and timestamps when unset.
func (s *MemoryStore) Append(_ context.Context, entry Entry) (*Entry, error) {
	if err := validate(entry); err != nil {
		return nil, err
	}
	fill(&entry)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = &entry
	out := entry
	return &out, nil
}

// List returns entries matching filter, newest first.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*Entry, error) {
	s.mu.RLock()
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if filter.match(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].FinishedAt.Equal(out[j].FinishedAt) {
			return out[i].ExecutionCount > out[j].ExecutionCount
		}
		return out[i].FinishedAt.After(out[j].FinishedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Prune removes entries finished before the given time.
func (s *MemoryStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if e.FinishedAt.Before(before) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func fill(entry *Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if entry.FinishedAt.IsZero() {
		entry.FinishedAt = now
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = entry.FinishedAt
	}
	// Stores keep millisecond precision.
	entry.StartedAt = entry.StartedAt.UTC().Truncate(time.Millisecond)
	entry.FinishedAt = entry.FinishedAt.UTC().Truncate(time.Millisecond)
	if entry.Status == "" {
		entry.Status = StatusOK
	}
}
