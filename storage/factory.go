package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/dive-coalition/federation-enrollment-backend/interfaces"
)

// StoreFactory creates EnrollmentStore backends from location URIs.
type StoreFactory struct {
	log *slog.Logger
}

// NewStoreFactory creates a factory instance.
func NewStoreFactory(log *slog.Logger) *StoreFactory {
	return &StoreFactory{log: log}
}

// StoreFor creates an enrollment store from a location URI.
//
// Supported formats:
//   - memory://
//   - file:///var/lib/federation/enrollments
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=eu-west-1&endpoint=minio.local
//
// Returns ErrInvalidLocationURI for malformed URIs or unsupported schemes.
func (f *StoreFactory) StoreFor(locationURI string) (interfaces.EnrollmentStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		f.log.Debug("Creating in-memory enrollment store")
		return NewMemoryStore(), nil
	case "file":
		return f.createFileStore(u)
	case "s3":
		return f.createS3Store(u)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

func (f *StoreFactory) createFileStore(u *url.URL) (interfaces.EnrollmentStore, error) {
	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI", interfaces.ErrInvalidLocationURI)
	}

	f.log.Debug("Creating file enrollment store", slog.String("path", path))
	return NewFileStore(path, f.log)
}

func (f *StoreFactory) createS3Store(u *url.URL) (interfaces.EnrollmentStore, error) {
	bucketName := u.Host
	if bucketName == "" {
		return nil, fmt.Errorf("%w: missing bucket in s3 URI", interfaces.ErrInvalidLocationURI)
	}
	prefix := strings.TrimPrefix(u.Path, "/")

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := query.Get("endpoint")

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	f.log.Debug("Creating S3 enrollment store",
		slog.String("bucket", bucketName),
		slog.String("prefix", prefix),
		slog.String("region", region))
	return NewS3Store(bucketName, prefix, region, endpoint, accessKey, secretKey, f.log)
}
