// Package memory is an in-process domain.SignalStore. Both parties of a call
// must share the same Store value, so it serves tests, single-process demos
// and the relay's default backing store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"peercall/native/internal/domain"
	"peercall/native/internal/queue"

	"go.uber.org/zap"
)

type call struct {
	record     *domain.CallRecord
	candidates []domain.CandidateRecord
	seen       map[string]struct{}

	watchers     map[uint64]*queue.Queue[domain.CallRecord]
	candWatchers map[uint64]*queue.Queue[domain.CandidateRecord]
}

// Store keeps every call in a map guarded by one mutex. Subscribers are fed
// through per-subscription queues so callbacks never run under the lock.
type Store struct {
	log *zap.Logger
	now func() time.Time

	mu     sync.Mutex
	calls  map[string]*call
	nextID uint64
}

// New creates an empty store.
func New(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		log:   log.Named("store.memory"),
		now:   time.Now,
		calls: make(map[string]*call),
	}
}

func (s *Store) get(callID string) *call {
	c, ok := s.calls[callID]
	if !ok {
		c = &call{
			seen:         make(map[string]struct{}),
			watchers:     make(map[uint64]*queue.Queue[domain.CallRecord]),
			candWatchers: make(map[uint64]*queue.Queue[domain.CandidateRecord]),
		}
		s.calls[callID] = c
	}
	return c
}

func (s *Store) Upsert(ctx context.Context, callID string, update domain.CallUpdate) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("upsert %s: %w: %w", callID, domain.ErrStoreUnavailable, err)
	}
	if update.Empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(callID)
	if c.record == nil {
		c.record = &domain.CallRecord{ID: callID}
	}
	update.Apply(c.record)
	c.record.UpdatedAt = s.now()

	snapshot := copyRecord(c.record)
	for _, q := range c.watchers {
		q.Push(snapshot)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, callID string) (*domain.CallRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w: %w", callID, domain.ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[callID]
	if !ok || c.record == nil {
		return nil, domain.ErrNotFound
	}
	rec := copyRecord(c.record)
	return &rec, nil
}

func (s *Store) Subscribe(ctx context.Context, callID string, onChange func(domain.CallRecord)) (domain.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w: %w", callID, domain.ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(callID)
	q := queue.New(onChange)
	id := s.nextID
	s.nextID++
	c.watchers[id] = q
	if c.record != nil {
		q.Push(copyRecord(c.record))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(c.watchers, id)
			s.mu.Unlock()
			q.Close()
		})
	}, nil
}

// AppendCandidate ignores a record whose ID was already appended.
func (s *Store) AppendCandidate(ctx context.Context, callID string, rec domain.CandidateRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("append candidate %s: %w: %w", callID, domain.ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(callID)
	if rec.ID != "" {
		if _, dup := c.seen[rec.ID]; dup {
			return nil
		}
		c.seen[rec.ID] = struct{}{}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	c.candidates = append(c.candidates, rec)
	for _, q := range c.candWatchers {
		q.Push(rec)
	}
	return nil
}

func (s *Store) SubscribeCandidates(ctx context.Context, callID string, onAdd func(domain.CandidateRecord)) (domain.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe candidates %s: %w: %w", callID, domain.ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(callID)
	q := queue.New(onAdd)
	id := s.nextID
	s.nextID++
	c.candWatchers[id] = q
	for _, rec := range c.candidates {
		q.Push(rec)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(c.candWatchers, id)
			s.mu.Unlock()
			q.Close()
		})
	}, nil
}

// Delete drops the record and its candidates. Live subscriptions stay
// registered and see the record again if it is recreated.
func (s *Store) Delete(ctx context.Context, callID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("delete %s: %w: %w", callID, domain.ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[callID]
	if !ok {
		return nil
	}
	c.record = nil
	c.candidates = nil
	c.seen = make(map[string]struct{})
	if len(c.watchers) == 0 && len(c.candWatchers) == 0 {
		delete(s.calls, callID)
	}
	s.log.Debug("call deleted", zap.String("callId", callID))
	return nil
}

// Candidates returns a copy of the candidates appended to callID.
func (s *Store) Candidates(callID string) []domain.CandidateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return nil
	}
	return append([]domain.CandidateRecord(nil), c.candidates...)
}

// Subscribers is the number of live record and candidate subscriptions on callID.
func (s *Store) Subscribers(callID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return 0
	}
	return len(c.watchers) + len(c.candWatchers)
}

func copyRecord(r *domain.CallRecord) domain.CallRecord {
	out := *r
	if r.Offer != nil {
		offer := *r.Offer
		out.Offer = &offer
	}
	if r.Answer != nil {
		answer := *r.Answer
		out.Answer = &answer
	}
	return out
}
