package lockout

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/nkiryanov/authkeeper/internal/models"
)

const shardCount = 64

type shard struct {
	mu       sync.Mutex
	counters map[string]models.AttemptCounter
}

// MemoryStore keeps counters in process memory
// Keys are spread over mutex-guarded shards, so unrelated keys rarely contend
type MemoryStore struct {
	shards [shardCount]shard
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].counters = make(map[string]models.AttemptCounter)
	}
	return s
}

func (s *MemoryStore) shardIndex(key string) int {
	return int(xxhash.Sum64String(key) % shardCount)
}

func (s *MemoryStore) shardFor(key string) *shard {
	return &s.shards[s.shardIndex(key)]
}

func (s *MemoryStore) Get(_ context.Context, key string, now time.Time) (models.AttemptCounter, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.counters[key]
	if !ok || c.Expired(now) {
		return models.AttemptCounter{}, nil
	}
	return c, nil
}

// RecordFailures holds the locks of every touched shard, taken in shard order
func (s *MemoryStore) RecordFailures(ctx context.Context, now time.Time, p Policy, failures ...Failure) ([]models.AttemptCounter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	idx := make([]int, 0, len(failures))
	for _, f := range failures {
		idx = append(idx, s.shardIndex(f.Key))
	}
	locked := slices.Compact(slices.Sorted(slices.Values(idx)))
	for _, i := range locked {
		s.shards[i].mu.Lock()
	}
	defer func() {
		for _, i := range locked {
			s.shards[i].mu.Unlock()
		}
	}()

	out := make([]models.AttemptCounter, len(failures))
	for i, f := range failures {
		sh := &s.shards[idx[i]]
		out[i] = step(sh.counters[f.Key], now, f.Threshold, p)
		sh.counters[f.Key] = out[i]
	}
	return out, nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.counters, key)
	return nil
}

// Sweep drops expired counters and returns how many were removed
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, c := range sh.counters {
			if c.Expired(now) {
				delete(sh.counters, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len is the number of stored counters, expired ones included
func (s *MemoryStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.counters)
		sh.mu.Unlock()
	}
	return n
}
