package kv

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and by single-binary demo runs.
// It honors TTLs against a pluggable clock so tests can advance time.
type Memory struct {
	mu      sync.Mutex
	strings map[string]memoryValue
	hashes  map[string]memoryHash
	sets    map[string]memorySet
	zsets   map[string]memoryZSet
	now     func() time.Time
}

type memoryValue struct {
	value    string
	expireAt time.Time
}

type memoryHash struct {
	fields   map[string]string
	expireAt time.Time
}

type memorySet struct {
	members  map[string]struct{}
	expireAt time.Time
}

type memoryZSet struct {
	scores   map[string]float64
	expireAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		strings: make(map[string]memoryValue),
		hashes:  make(map[string]memoryHash),
		sets:    make(map[string]memorySet),
		zsets:   make(map[string]memoryZSet),
		now:     time.Now,
	}
}

// SetClock replaces the TTL clock. Test-only.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) expired(expireAt time.Time) bool {
	return !expireAt.IsZero() && m.now().After(expireAt)
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.strings[key]
	if !ok || m.expired(v.expireAt) {
		return "", false, nil
	}
	return v.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = memoryValue{value: value, expireAt: m.deadline(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.strings[key]; ok && !m.expired(v.expireAt) {
		return false, nil
	}
	m.strings[key] = memoryValue{value: value, expireAt: m.deadline(ttl)}
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.strings, key)
		delete(m.hashes, key)
		delete(m.sets, key)
		delete(m.zsets, key)
	}
	return nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok || m.expired(h.expireAt) {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(h.fields))
	for k, v := range h.fields {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) HSet(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok || m.expired(h.expireAt) {
		h = memoryHash{fields: make(map[string]string)}
	}
	for k, v := range fields {
		h.fields[k] = v
	}
	h.expireAt = m.deadline(ttl)
	m.hashes[key] = h
	return nil
}

func (m *Memory) SAdd(_ context.Context, key string, members []string, ttl time.Duration) error {
	if len(members) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok || m.expired(s.expireAt) {
		s = memorySet{members: make(map[string]struct{})}
	}
	for _, member := range members {
		s.members[member] = struct{}{}
	}
	s.expireAt = m.deadline(ttl)
	m.sets[key] = s
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok || m.expired(s.expireAt) {
		return nil, nil
	}
	out := make([]string, 0, len(s.members))
	for member := range s.members {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ZRangeWithScores(_ context.Context, key string, start, stop int64) ([]Z, error) {
	return m.zrange(key, start, stop, false), nil
}

func (m *Memory) ZRevRangeWithScores(_ context.Context, key string, start, stop int64) ([]Z, error) {
	return m.zrange(key, start, stop, true), nil
}

func (m *Memory) zrange(key string, start, stop int64, rev bool) []Z {
	m.mu.Lock()
	defer m.mu.Unlock()
	zs, ok := m.zsets[key]
	if !ok || m.expired(zs.expireAt) {
		return nil
	}
	all := make([]Z, 0, len(zs.scores))
	for member, score := range zs.scores {
		all = append(all, Z{Member: member, Score: score})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			if rev {
				return all[i].Score > all[j].Score
			}
			return all[i].Score < all[j].Score
		}
		if rev {
			return all[i].Member > all[j].Member
		}
		return all[i].Member < all[j].Member
	})
	n := int64(len(all))
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if start >= n || stop < start {
		return nil
	}
	if stop >= n {
		stop = n - 1
	}
	return all[start : stop+1]
}

func (m *Memory) ReplaceSortedSet(_ context.Context, key string, members []Z, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.zsets, key)
	if len(members) == 0 {
		return nil
	}
	scores := make(map[string]float64, len(members))
	for _, member := range members {
		scores[member.Member] = member.Score
	}
	m.zsets[key] = memoryZSet{scores: scores, expireAt: m.deadline(ttl)}
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	deadline := m.deadline(ttl)
	if v, ok := m.strings[key]; ok {
		v.expireAt = deadline
		m.strings[key] = v
	}
	if h, ok := m.hashes[key]; ok {
		h.expireAt = deadline
		m.hashes[key] = h
	}
	if s, ok := m.sets[key]; ok {
		s.expireAt = deadline
		m.sets[key] = s
	}
	if zs, ok := m.zsets[key]; ok {
		zs.expireAt = deadline
		m.zsets[key] = zs
	}
	return nil
}

var _ Store = (*Memory)(nil)
var _ Store = (*Redis)(nil)
