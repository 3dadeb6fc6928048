package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/dive-coalition/federation-enrollment-backend/interfaces"
)

// S3Store is an EnrollmentStore backed by Amazon S3 or a compatible object
// store, one JSON object per record under a common prefix.
//
// S3 offers no compare-and-swap, so the conditional-update guarantee holds
// for a single hub process: the store serializes its own read-modify-write
// cycles behind a mutex. Multi-writer deployments should front this store
// with a lock service or use a database-backed store instead.
type S3Store struct {
	mu          sync.Mutex
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Store creates an S3-backed store. Credentials are optional; without
// them the AWS default credential chain applies.
func NewS3Store(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Store, error) {
	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)

	return &S3Store{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      strings.Trim(prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

// Insert persists a new record, enforcing the one-live-enrollment-per-pair
// invariant across all stored records.
func (s *S3Store) Insert(ctx context.Context, record *interfaces.EnrollmentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.read(ctx, record.EnrollmentID); err == nil {
		return fmt.Errorf("%w: %s", interfaces.ErrDuplicateEnrollment, record.EnrollmentID)
	}

	existing, err := s.readAll(ctx)
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

	return s.write(ctx, record)
}

// Get retrieves a record by ID.
func (s *S3Store) Get(ctx context.Context, id interfaces.EnrollmentID) (*interfaces.EnrollmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(ctx, id)
}

// ActiveForPair retrieves the live record for a requester/approver pair.
func (s *S3Store) ActiveForPair(ctx context.Context, requester, approver interfaces.InstanceCode) (*interfaces.EnrollmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll(ctx)
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

// Update applies mutate under the expected-status guard, serializing the
// read-modify-write cycle behind the store mutex.
func (s *S3Store) Update(ctx context.Context, id interfaces.EnrollmentID, expected []interfaces.EnrollmentStatus, mutate interfaces.UpdateFn) (*interfaces.EnrollmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.read(ctx, id)
	if err != nil {
		return nil, err
	}

	if !statusExpected(record.Status, expected) {
		return nil, fmt.Errorf("%w: status is %s", interfaces.ErrWrongStatus, record.Status)
	}

	if err := mutate(record); err != nil {
		return nil, err
	}

	if err := s.write(ctx, record); err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// List returns all records, newest first.
func (s *S3Store) List(ctx context.Context) ([]*interfaces.EnrollmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// Name returns an identifier for logging.
func (s *S3Store) Name() string {
	return fmt.Sprintf("s3-%s", s.bucketName)
}

func (s *S3Store) objectKey(id interfaces.EnrollmentID) string {
	name := id.String() + ".json"
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *S3Store) read(ctx context.Context, id interfaces.EnrollmentID) (*interfaces.EnrollmentRecord, error) {
	start := time.Now()
	key := s.objectKey(id)

	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			return nil, interfaces.ErrEnrollmentNotFound
		}
		s.log.Error("Failed to get enrollment record from S3",
			slog.String("bucket", s.bucketName),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	var record interfaces.EnrollmentRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", id, err)
	}
	return &record, nil
}

func (s *S3Store) readAll(ctx context.Context) ([]*interfaces.EnrollmentRecord, error) {
	var records []*interfaces.EnrollmentRecord

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
	}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix + "/")
	}

	err := s.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			id := interfaces.EnrollmentID(strings.TrimSuffix(path.Base(key), ".json"))
			record, err := s.read(ctx, id)
			if err != nil {
				s.log.Warn("Skipping unreadable enrollment record",
					slog.String("key", key), "err", err)
				continue
			}
			records = append(records, record)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	return records, nil
}

func (s *S3Store) write(ctx context.Context, record *interfaces.EnrollmentRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	key := s.objectKey(record.EnrollmentID)
	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		s.log.Error("Failed to put enrollment record to S3",
			slog.String("bucket", s.bucketName),
			slog.String("key", key),
			"err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}
