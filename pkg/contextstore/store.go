// Package contextstore provides a bounded concurrent key/value table for
// ephemeral per-session data shared across executors. Inserts that would
// exceed the configured capacity fail with STORAGE_FULL; the table never
// evicts on its own.
package contextstore

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthconnect/otto-sub000/pkg/errors"
)

const shardCount = 16

// Entry is one stored context value.
type Entry struct {
	Key      string
	Data     []byte
	Metadata Metadata
}

// Metadata carries entry lifecycle timestamps plus caller-supplied fields.
// StartedAt is set on first put and preserved across updates; UpdatedAt is
// bumped on every put.
type Metadata struct {
	StartedAt time.Time
	UpdatedAt time.Time
	Extra     map[string]string
}

// Stats is a point-in-time view of table utilization.
type Stats struct {
	ContextCount int     `json:"context_count"`
	CurrentSize  int64   `json:"current_size"`
	MaxSize      int64   `json:"max_size"`
	Utilization  float64 `json:"utilization"`
}

// Store is the bounded table. Reads never block each other and writes to
// different keys land on independent shards.
type Store struct {
	maxSize int64
	size    atomic.Int64
	shards  [shardCount]shard
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates a store capped at maxSize bytes. A non-positive cap is
// rejected at construction rather than producing an unusable table.
func New(maxSize int64) (*Store, error) {
	if maxSize <= 0 {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "context store requires a positive max size")
	}
	s := &Store{maxSize: maxSize}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*Entry)
	}
	return s, nil
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

func entrySize(key string, data []byte) int64 {
	return int64(len(key) + len(data))
}

// Put inserts or replaces the value for key. The running size estimate is
// adjusted by the delta against any existing entry; if the result would
// exceed the cap the call fails STORAGE_FULL and the table is unchanged.
func (s *Store) Put(key string, data []byte, extra map[string]string) error {
	if key == "" {
		return errors.New(errors.ErrCodeConfigInvalid, "context key cannot be empty")
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := time.Now()
	newSize := entrySize(key, data)

	existing, ok := sh.entries[key]
	var delta int64
	if ok {
		delta = newSize - entrySize(existing.Key, existing.Data)
	} else {
		delta = newSize
	}

	if delta > 0 {
		if total := s.size.Add(delta); total > s.maxSize {
			s.size.Add(-delta)
			return errors.Newf(errors.ErrCodeStorageFull, "context store full").
				WithContext("requested", newSize).
				WithContext("current", s.size.Load()).
				WithContext("max", s.maxSize)
		}
	} else if delta < 0 {
		s.size.Add(delta)
	}

	entry := &Entry{
		Key:  key,
		Data: append([]byte(nil), data...),
		Metadata: Metadata{
			StartedAt: now,
			UpdatedAt: now,
			Extra:     copyExtra(extra),
		},
	}
	if ok {
		entry.Metadata.StartedAt = existing.Metadata.StartedAt
		if extra == nil {
			entry.Metadata.Extra = existing.Metadata.Extra
		}
	}
	sh.entries[key] = entry
	return nil
}

// Get returns a copy of the entry for key, or NOT_FOUND.
func (s *Store) Get(key string) (*Entry, error) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	entry, ok := sh.entries[key]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeNotFound, "context %q not found", key)
	}
	return cloneEntry(entry), nil
}

// Delete removes the entry for key, or fails NOT_FOUND.
func (s *Store) Delete(key string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entry, ok := sh.entries[key]
	if !ok {
		return errors.Newf(errors.ErrCodeNotFound, "context %q not found", key)
	}
	delete(sh.entries, key)
	s.size.Add(-entrySize(entry.Key, entry.Data))
	return nil
}

// List returns all keys in no particular order.
func (s *Store) List() []string {
	var keys []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for key := range sh.entries {
			keys = append(keys, key)
		}
		sh.mu.RUnlock()
	}
	return keys
}

// GetStats returns current utilization.
func (s *Store) GetStats() Stats {
	count := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		count += len(sh.entries)
		sh.mu.RUnlock()
	}
	current := s.size.Load()
	return Stats{
		ContextCount: count,
		CurrentSize:  current,
		MaxSize:      s.maxSize,
		Utilization:  float64(current) / float64(s.maxSize),
	}
}

func cloneEntry(e *Entry) *Entry {
	clone := &Entry{
		Key:      e.Key,
		Data:     append([]byte(nil), e.Data...),
		Metadata: e.Metadata,
	}
	clone.Metadata.Extra = copyExtra(e.Metadata.Extra)
	return clone
}

func copyExtra(extra map[string]string) map[string]string {
	if extra == nil {
		return nil
	}
	out := make(map[string]string, len(extra))
	for k, v := range extra {
		out[k] = v
	}
	return out
}
