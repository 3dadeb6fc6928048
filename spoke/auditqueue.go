package spoke

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultMaxAuditQueueSize caps the on-disk audit buffer when the config
// does not say otherwise.
const DefaultMaxAuditQueueSize = 1000

// AuditEvent is one locally buffered audit entry awaiting delivery to the hub.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// AuditQueue buffers audit events on disk as JSON lines so they survive both
// hub unavailability and process restarts. The queue is bounded: once full,
// the oldest entries are dropped to admit new ones.
type AuditQueue struct {
	mu      sync.Mutex
	path    string
	maxSize int
	log     *slog.Logger
}

// NewAuditQueue creates a queue persisted at path.
func NewAuditQueue(path string, maxSize int, log *slog.Logger) *AuditQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxAuditQueueSize
	}
	return &AuditQueue{path: path, maxSize: maxSize, log: log}
}

// Enqueue appends an event, evicting the oldest entries when the queue is at
// capacity.
func (q *AuditQueue) Enqueue(event AuditEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	events, err := q.readAll()
	if err != nil {
		return err
	}

	events = append(events, event)
	if len(events) > q.maxSize {
		dropped := len(events) - q.maxSize
		events = events[dropped:]
		q.log.Warn("Audit queue full, dropping oldest events",
			slog.Int("dropped", dropped))
	}

	return q.writeAll(events)
}

// Drain returns all buffered events and empties the queue. Used by the
// opportunistic flush when the hub becomes reachable; the caller re-enqueues
// on delivery failure.
func (q *AuditQueue) Drain() ([]AuditEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	events, err := q.readAll()
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	if err := q.writeAll(nil); err != nil {
		return nil, err
	}
	return events, nil
}

// Len reports the number of buffered events.
func (q *AuditQueue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	events, err := q.readAll()
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

func (q *AuditQueue) readAll() ([]AuditEvent, error) {
	file, err := os.Open(q.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit queue: %w", err)
	}
	defer file.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event AuditEvent
		if err := json.Unmarshal(line, &event); err != nil {
			q.log.Warn("Skipping corrupt audit queue entry", "err", err)
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit queue: %w", err)
	}
	return events, nil
}

func (q *AuditQueue) writeAll(events []AuditEvent) error {
	dir := filepath.Dir(q.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create audit queue directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".audit-queue-*")
	if err != nil {
		return fmt.Errorf("failed to write audit queue: %w", err)
	}
	tmpName := tmp.Name()

	writer := bufio.NewWriter(tmp)
	for _, event := range events {
		line, err := json.Marshal(event)
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("failed to encode audit event: %w", err)
		}
		writer.Write(line)
		writer.WriteByte('\n')
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write audit queue: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write audit queue: %w", err)
	}

	if err := os.Rename(tmpName, q.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to persist audit queue: %w", err)
	}
	return nil
}
