package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps everything in process. A single mutex makes each call an
// atomic read-modify-write.
type memoryStore struct {
	mu         sync.Mutex
	closed     bool
	batchLimit int

	conns    map[string]map[string]struct{}
	jobs     map[string]JobRecord
	creds    map[string]Credentials
	statuses map[string]StatusRecord
}

// NewMemory returns an empty in-process store. batchLimit <= 0 uses DefaultBatchLimit.
func NewMemory(batchLimit int) Store {
	if batchLimit <= 0 {
		batchLimit = DefaultBatchLimit
	}
	return &memoryStore{
		batchLimit: batchLimit,
		conns:      map[string]map[string]struct{}{},
		jobs:       map[string]JobRecord{},
		creds:      map[string]Credentials{},
		statuses:   map[string]StatusRecord{},
	}
}

func (m *memoryStore) lock() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) BatchLimit() int { return m.batchLimit }

func (m *memoryStore) addLocked(key, handle string) {
	set, ok := m.conns[key]
	if !ok {
		set = map[string]struct{}{}
		m.conns[key] = set
	}
	set[handle] = struct{}{}
}

func (m *memoryStore) AddConnection(ctx context.Context, key, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.addLocked(key, handle)
	return nil
}

func (m *memoryStore) AddConnectionBatch(ctx context.Context, keys []string, handle string) error {
	if len(keys) > m.batchLimit {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(keys), m.batchLimit)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	for _, key := range keys {
		m.addLocked(key, handle)
	}
	return nil
}

func (m *memoryStore) RemoveConnections(ctx context.Context, key string, handles []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	set, ok := m.conns[key]
	if !ok {
		return 0, nil
	}
	for _, h := range handles {
		delete(set, h)
	}
	return len(set), nil
}

func (m *memoryStore) ClearConnections(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.conns[key] = map[string]struct{}{}
	return nil
}

func (m *memoryStore) LoadConnections(ctx context.Context, key string) (*ConnectionSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	set, ok := m.conns[key]
	if !ok {
		return nil, nil
	}
	out := &ConnectionSet{Key: key, Handles: make([]string, 0, len(set))}
	for h := range set {
		out.Handles = append(out.Handles, h)
	}
	sort.Strings(out.Handles)
	return out, nil
}

func (m *memoryStore) PutJob(ctx context.Context, j JobRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.Subject]; ok {
		return ErrConflict
	}
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = now
	}
	m.jobs[j.Subject] = j
	return nil
}

func (m *memoryStore) SwapJobTier(ctx context.Context, subject, from, to string, next time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	j, ok := m.jobs[subject]
	if !ok {
		return ErrNotFound
	}
	if j.Tier != from {
		return ErrConflict
	}
	j.Tier = to
	j.NextFire = next
	j.UpdatedAt = time.Now()
	m.jobs[subject] = j
	return nil
}

func (m *memoryStore) DeleteJob(ctx context.Context, subject, tier string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	j, ok := m.jobs[subject]
	if !ok || j.Tier != tier {
		return false, nil
	}
	delete(m.jobs, subject)
	return true, nil
}

func (m *memoryStore) GetJob(ctx context.Context, subject string) (*JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	j, ok := m.jobs[subject]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (m *memoryStore) ListJobs(ctx context.Context) ([]JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]JobRecord, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Subject < out[k].Subject })
	return out, nil
}

func (m *memoryStore) GetCredentials(ctx context.Context, subject string) (*Credentials, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	c, ok := m.creds[subject]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *memoryStore) PutCredentials(ctx context.Context, c Credentials) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.creds[c.Subject] = c
	return nil
}

func (m *memoryStore) PutStatus(ctx context.Context, s StatusRecord) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if s.ChangedAt.IsZero() {
		s.ChangedAt = time.Now()
	}
	s.Payload = append([]byte(nil), s.Payload...)
	m.statuses[s.Subject] = s
	return nil
}

func (m *memoryStore) GetStatus(ctx context.Context, subject string) (*StatusRecord, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	s, ok := m.statuses[subject]
	if !ok {
		return nil, nil
	}
	s.Payload = append([]byte(nil), s.Payload...)
	return &s, nil
}
