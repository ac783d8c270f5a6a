package store

import (
	"fmt"
	"sync"

	"github.com/casbridge/relayer/internal/domain"
)

// Store is the authoritative in-memory registry of transaction records.
// Reads return snapshots; all mutation goes through the compare-and-mutate
// methods so that status preconditions are checked under the same lock that
// applies the change. Records under distinct routeIds never contend.
type Store struct {
	mu      sync.RWMutex
	records map[string]*entry
	order   []string
}

type entry struct {
	mu sync.Mutex
	tx domain.Transaction
}

// New creates an empty store.
func New() *Store {
	return &Store{records: make(map[string]*entry)}
}

// Create registers a new transaction record. It fails with ErrRouteExists
// when the routeId is already taken.
func (s *Store) Create(tx domain.Transaction) error {
	if tx.RouteID == "" {
		return fmt.Errorf("%w: route id is required", domain.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[tx.RouteID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrRouteExists, tx.RouteID)
	}
	s.records[tx.RouteID] = &entry{tx: tx.Clone()}
	s.order = append(s.order, tx.RouteID)
	return nil
}

// Get returns a snapshot of the record for routeID.
func (s *Store) Get(routeID string) (domain.Transaction, error) {
	e, err := s.lookup(routeID)
	if err != nil {
		return domain.Transaction{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tx.Clone(), nil
}

// List returns snapshots of all records in creation order.
func (s *Store) List() []domain.Transaction {
	s.mu.RLock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	s.mu.RUnlock()

	out := make([]domain.Transaction, 0, len(ids))
	for _, id := range ids {
		if tx, err := s.Get(id); err == nil {
			out = append(out, tx)
		}
	}
	return out
}

// FindByPaymentRef scans for the record whose payment reference matches ref.
// Used by the notification ingress, where providers identify payments by
// their own reference rather than by routeId.
func (s *Store) FindByPaymentRef(ref string) (domain.Transaction, error) {
	if ref == "" {
		return domain.Transaction{}, fmt.Errorf("%w: empty payment ref", domain.ErrNotFound)
	}
	for _, tx := range s.List() {
		if tx.PaymentRef == ref {
			return tx, nil
		}
	}
	return domain.Transaction{}, fmt.Errorf("%w: payment ref %s", domain.ErrNotFound, ref)
}

// MutateIfStatus applies mutate to the record only if its current status
// equals expected, returning the updated snapshot. Any other status yields
// ErrStaleTransition and leaves the record untouched. The check and the
// mutation happen under the record's lock, which is what makes concurrent
// triggers on the same routeId race-free.
func (s *Store) MutateIfStatus(routeID string, expected domain.Status, mutate func(*domain.Transaction) error) (domain.Transaction, error) {
	return s.MutateIf(routeID, func(st domain.Status) bool { return st == expected }, mutate)
}

// MutateIf is the generalized compare-and-mutate: allowed gates on the
// current status. Cancellation uses it with a non-terminal predicate.
func (s *Store) MutateIf(routeID string, allowed func(domain.Status) bool, mutate func(*domain.Transaction) error) (domain.Transaction, error) {
	e, err := s.lookup(routeID)
	if err != nil {
		return domain.Transaction{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !allowed(e.tx.Status) {
		return domain.Transaction{}, fmt.Errorf("%w: %s is %s", domain.ErrStaleTransition, routeID, e.tx.Status)
	}
	next := e.tx.Clone()
	if err := mutate(&next); err != nil {
		return domain.Transaction{}, err
	}
	e.tx = next
	return next.Clone(), nil
}

func (s *Store) lookup(routeID string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[routeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, routeID)
	}
	return e, nil
}
