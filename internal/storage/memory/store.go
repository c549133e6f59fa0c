// Package memory implements the lifecycle ledger in process memory.
// It is used by tests and has no durability.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aguimaraes/bedm/internal/storage"
	"github.com/aguimaraes/bedm/pkg/manifest"
)

// Store implements storage.Store with mutex-guarded maps.
type Store struct {
	mu        sync.Mutex
	nextID    int64
	lots      map[int64]*storage.Lot
	receipts  []*storage.Receipt
	protocols []*storage.Protocol
	locks     map[string]bool
}

// NewStore returns an empty in-memory ledger.
func NewStore() *Store {
	return &Store{
		lots:  make(map[int64]*storage.Lot),
		locks: make(map[string]bool),
	}
}

// Close is a no-op.
func (s *Store) Close(_ context.Context) error { return nil }

// Ping is a no-op.
func (s *Store) Ping(_ context.Context) error { return nil }

// CreateLot assigns the next sequential lot ID and records the lot.
func (s *Store) CreateLot(_ context.Context, lot *storage.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	lot.ID = s.nextID
	now := time.Now().UTC()
	lot.CreatedAt = now
	lot.UpdatedAt = now
	stored := *lot
	s.lots[lot.ID] = &stored
	return nil
}

// UpdateLot writes the acknowledgement fields back onto a lot.
func (s *Store) UpdateLot(_ context.Context, lot *storage.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.lots[lot.ID]
	if !ok {
		return storage.ErrNotFound
	}
	lot.UpdatedAt = time.Now().UTC()
	stored.ReceiptNumber = lot.ReceiptNumber
	stored.StatusCode = lot.StatusCode
	stored.StatusMessage = lot.StatusMessage
	stored.UpdatedAt = lot.UpdatedAt
	return nil
}

// GetLot retrieves a lot by ID.
func (s *Store) GetLot(_ context.Context, env manifest.Environment, id int64) (*storage.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lot, ok := s.lots[id]
	if !ok || lot.Environment != env {
		return nil, storage.ErrNotFound
	}
	copied := *lot
	return &copied, nil
}

// LatestLot returns the most recent lot for a document key.
func (s *Store) LatestLot(_ context.Context, env manifest.Environment, key manifest.Key) (*storage.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *storage.Lot
	for _, lot := range s.lots {
		if lot.Environment != env || lot.DocumentKey != key.String() {
			continue
		}
		if latest == nil || lot.ID > latest.ID {
			latest = lot
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

// AppendReceipt records one poll outcome.
func (s *Store) AppendReceipt(_ context.Context, receipt *storage.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	receipt.CreatedAt = time.Now().UTC()
	stored := *receipt
	s.receipts = append(s.receipts, &stored)
	return nil
}

// LatestReceipt returns the most recent receipt for a document key.
func (s *Store) LatestReceipt(_ context.Context, env manifest.Environment, key manifest.Key) (*storage.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.receipts) - 1; i >= 0; i-- {
		r := s.receipts[i]
		if r.Environment == env && r.DocumentKey == key.String() {
			copied := *r
			return &copied, nil
		}
	}
	return nil, storage.ErrNotFound
}

// ListReceipts returns all receipts for a document key, oldest first.
func (s *Store) ListReceipts(_ context.Context, env manifest.Environment, key manifest.Key) ([]*storage.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*storage.Receipt
	for _, r := range s.receipts {
		if r.Environment == env && r.DocumentKey == key.String() {
			copied := *r
			out = append(out, &copied)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateProtocol records a terminal per-document outcome.
func (s *Store) CreateProtocol(_ context.Context, protocol *storage.Protocol) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	protocol.CreatedAt = time.Now().UTC()
	stored := *protocol
	s.protocols = append(s.protocols, &stored)
	return nil
}

// AuthorizedProtocol returns the authorized protocol for a document
// key.
func (s *Store) AuthorizedProtocol(_ context.Context, env manifest.Environment, key manifest.Key) (*storage.Protocol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.protocols {
		if p.Environment == env && p.DocumentKey == key.String() && p.Authorized() {
			copied := *p
			return &copied, nil
		}
	}
	return nil, storage.ErrNotFound
}

// ListProtocols returns all protocols for a document key, oldest
// first.
func (s *Store) ListProtocols(_ context.Context, env manifest.Environment, key manifest.Key) ([]*storage.Protocol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*storage.Protocol
	for _, p := range s.protocols {
		if p.Environment == env && p.DocumentKey == key.String() {
			copied := *p
			out = append(out, &copied)
		}
	}
	return out, nil
}

// AcquireSubmissionLock takes the per-key lock, failing with ErrLocked
// when it is already held.
func (s *Store) AcquireSubmissionLock(_ context.Context, env manifest.Environment, key manifest.Key) (func(context.Context) error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := lockID(env, key)
	if s.locks[id] {
		return nil, storage.ErrLocked
	}
	s.locks[id] = true

	release := func(_ context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.locks, id)
		return nil
	}
	return release, nil
}

func lockID(env manifest.Environment, key manifest.Key) string {
	return env.String() + ":" + key.String()
}
