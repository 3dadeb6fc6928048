package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dive-coalition/federation-enrollment-backend/interfaces"
)

// MemoryStore is an in-process EnrollmentStore. It backs tests and
// single-node development deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[interfaces.EnrollmentID]*interfaces.EnrollmentRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[interfaces.EnrollmentID]*interfaces.EnrollmentRecord),
	}
}

// Insert persists a new record, enforcing the one-live-enrollment-per-pair
// invariant.
func (s *MemoryStore) Insert(ctx context.Context, record *interfaces.EnrollmentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.EnrollmentID]; exists {
		return fmt.Errorf("%w: %s", interfaces.ErrDuplicateEnrollment, record.EnrollmentID)
	}
	for _, existing := range s.records {
		if existing.Active() &&
			existing.RequesterInstanceCode == record.RequesterInstanceCode &&
			existing.ApproverInstanceCode == record.ApproverInstanceCode {
			return fmt.Errorf("%w: %s -> %s", interfaces.ErrDuplicateEnrollment,
				record.RequesterInstanceCode, record.ApproverInstanceCode)
		}
	}

	s.records[record.EnrollmentID] = record.Clone()
	return nil
}

// Get retrieves a record by ID.
func (s *MemoryStore) Get(ctx context.Context, id interfaces.EnrollmentID) (*interfaces.EnrollmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return nil, interfaces.ErrEnrollmentNotFound
	}
	return record.Clone(), nil
}

// ActiveForPair retrieves the live record for a requester/approver pair.
func (s *MemoryStore) ActiveForPair(ctx context.Context, requester, approver interfaces.InstanceCode) (*interfaces.EnrollmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.records {
		if record.Active() &&
			record.RequesterInstanceCode == requester &&
			record.ApproverInstanceCode == approver {
			return record.Clone(), nil
		}
	}
	return nil, interfaces.ErrEnrollmentNotFound
}

// Update applies mutate under the expected-status guard. The whole
// read-check-mutate-write sequence holds the store lock, so racing updates
// to the same record serialize here.
func (s *MemoryStore) Update(ctx context.Context, id interfaces.EnrollmentID, expected []interfaces.EnrollmentStatus, mutate interfaces.UpdateFn) (*interfaces.EnrollmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return nil, interfaces.ErrEnrollmentNotFound
	}

	if !statusExpected(record.Status, expected) {
		return nil, fmt.Errorf("%w: status is %s", interfaces.ErrWrongStatus, record.Status)
	}

	updated := record.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}

	s.records[id] = updated
	return updated.Clone(), nil
}

// List returns all records, newest first.
func (s *MemoryStore) List(ctx context.Context) ([]*interfaces.EnrollmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]*interfaces.EnrollmentRecord, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, record.Clone())
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// Name returns an identifier for logging.
func (s *MemoryStore) Name() string {
	return "memory"
}

// statusExpected reports whether status is one of expected. An empty
// expectation list matches any status.
func statusExpected(status interfaces.EnrollmentStatus, expected []interfaces.EnrollmentStatus) bool {
	if len(expected) == 0 {
		return true
	}
	for _, e := range expected {
		if status == e {
			return true
		}
	}
	return false
}
