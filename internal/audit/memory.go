package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tkingovr/isnad/api"
)

type entry struct {
	mu  sync.Mutex
	rec Request
}

// MemoryStore is a process-lifetime Store with per-record locking.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry

	txMu sync.Mutex
	txs  map[string]string // tx hash -> audit id

	retention time.Duration
	now       func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithRetention drops terminal records older than d on Sweep.
func WithRetention(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.retention = d }
}

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*entry),
		txs:     make(map[string]string),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Create(_ context.Context, req *Request) (*Request, error) {
	rec := req.clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := s.now()
	rec.Status = api.StatusPendingPayment
	rec.Result = nil
	rec.Error = nil
	rec.CreatedAt = now
	rec.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[rec.ID]; ok {
		return nil, ErrDuplicate
	}
	s.entries[rec.ID] = &entry{rec: *rec}
	return rec.clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.clone(), nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, expected, next api.Status, mutate Mutator) (*Request, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := apply(&e.rec, expected, next, mutate, s.now()); err != nil {
		return nil, err
	}
	return e.rec.clone(), nil
}

func (s *MemoryStore) ClaimPayment(_ context.Context, txHash, id string) error {
	key := normalizeTx(txHash)
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if owner, ok := s.txs[key]; ok && owner != id {
		return ErrPaymentReused
	}
	s.txs[key] = id
	return nil
}

func (s *MemoryStore) ReleasePayment(_ context.Context, txHash string) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	delete(s.txs, normalizeTx(txHash))
	return nil
}

// Sweep removes terminal records whose last update is older than the
// retention period and returns how many were removed. Consumed transaction
// hashes are kept.
func (s *MemoryStore) Sweep() int {
	if s.retention <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		e.mu.Lock()
		expired := e.rec.Status.Terminal() && e.rec.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if expired {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// RunJanitor calls Sweep every interval until ctx is done.
func (s *MemoryStore) RunJanitor(ctx context.Context, interval time.Duration) {
	if s.retention <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}
