package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dive-coalition/federation-enrollment-backend/interfaces"
)

// FileStore is an EnrollmentStore backed by the local file system, one JSON
// document per record. Writes go to a temp file in the same directory and
// are renamed into place, so a crash mid-update never leaves a partially
// written record behind.
type FileStore struct {
	mu      sync.Mutex
	baseDir string
	log     *slog.Logger
}

// NewFileStore creates a file store rooted at baseDir, creating the
// directory if needed.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{baseDir: baseDir, log: log}, nil
}

// Insert persists a new record, enforcing the one-live-enrollment-per-pair
// invariant across all records on disk.
func (s *FileStore) Insert(ctx context.Context, record *interfaces.EnrollmentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.recordPath(record.EnrollmentID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", interfaces.ErrDuplicateEnrollment, record.EnrollmentID)
	}

	existing, err := s.readAll()
	if err != nil {
		return err
	}
	for _, rec := range existing {
		if rec.Active() &&
			rec.RequesterInstanceCode == record.RequesterInstanceCode &&
			rec.ApproverInstanceCode == record.ApproverInstanceCode {
			return fmt.Errorf("%w: %s -> %s", interfaces.ErrDuplicateEnrollment,
				record.RequesterInstanceCode, record.ApproverInstanceCode)
		}
	}

	return s.write(record)
}

// Get retrieves a record by ID.
func (s *FileStore) Get(ctx context.Context, id interfaces.EnrollmentID) (*interfaces.EnrollmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// ActiveForPair retrieves the live record for a requester/approver pair.
func (s *FileStore) ActiveForPair(ctx context.Context, requester, approver interfaces.InstanceCode) (*interfaces.EnrollmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		if record.Active() &&
			record.RequesterInstanceCode == requester &&
			record.ApproverInstanceCode == approver {
			return record, nil
		}
	}
	return nil, interfaces.ErrEnrollmentNotFound
}

// Update applies mutate under the expected-status guard. The store lock
// covers the read-mutate-rename sequence, serializing concurrent updates.
func (s *FileStore) Update(ctx context.Context, id interfaces.EnrollmentID, expected []interfaces.EnrollmentStatus, mutate interfaces.UpdateFn) (*interfaces.EnrollmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.read(id)
	if err != nil {
		return nil, err
	}

	if !statusExpected(record.Status, expected) {
		return nil, fmt.Errorf("%w: status is %s", interfaces.ErrWrongStatus, record.Status)
	}

	if err := mutate(record); err != nil {
		return nil, err
	}

	if err := s.write(record); err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// List returns all records, newest first.
func (s *FileStore) List(ctx context.Context) ([]*interfaces.EnrollmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// Name returns an identifier for logging.
func (s *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.baseDir))
}

func (s *FileStore) recordPath(id interfaces.EnrollmentID) string {
	return filepath.Join(s.baseDir, id.String()+".json")
}

func (s *FileStore) read(id interfaces.EnrollmentID) (*interfaces.EnrollmentRecord, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if os.IsNotExist(err) {
		return nil, interfaces.ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	var record interfaces.EnrollmentRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", id, err)
	}
	return &record, nil
}

func (s *FileStore) readAll() ([]*interfaces.EnrollmentRecord, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	records := make([]*interfaces.EnrollmentRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := interfaces.EnrollmentID(strings.TrimSuffix(entry.Name(), ".json"))
		record, err := s.read(id)
		if err != nil {
			s.log.Warn("Skipping unreadable enrollment record",
				slog.String("file", entry.Name()), "err", err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// write serializes the record to a temp file and renames it into place.
func (s *FileStore) write(record *interfaces.EnrollmentRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	path := s.recordPath(record.EnrollmentID)
	tmp, err := os.CreateTemp(s.baseDir, "."+record.EnrollmentID.String()+".tmp-")
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write record: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to persist record: %w", err)
	}
	return nil
}
