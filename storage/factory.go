package storage

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/apas-records-backend/interfaces"
)

// StorageBackendFactory creates report storage backends from location URIs.
type StorageBackendFactory struct {
	log *slog.Logger
}

var _ interfaces.StorageBackendFactory = (*StorageBackendFactory)(nil)

// NewStorageBackendFactory creates a new factory instance.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{log: logger}
}

// StorageBackendFor creates a storage backend from a location.
//
// Supported schemes:
//   - file:///var/lib/apas/exports
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=eu-west-1&endpoint=http://minio:9000
func (sf *StorageBackendFactory) StorageBackendFor(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	switch {
	case location.IsFile():
		return sf.createFileBackend(location)
	case location.IsS3():
		return sf.createS3Backend(location)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme: %s", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

// CreateMultiBackend creates a backend replicating to every valid location.
// Invalid locations are logged and skipped.
func (sf *StorageBackendFactory) CreateMultiBackend(locations []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locations))

	for _, location := range locations {
		backend, err := sf.StorageBackendFor(location)
		if err != nil {
			sf.log.Warn("Failed to create storage backend", "err", err, slog.String("location", redact(location)))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}
	if len(backends) == 1 {
		return backends[0], nil
	}

	return NewMultiStorageBackend(backends, sf.log), nil
}

func (sf *StorageBackendFactory) createS3Backend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	opts := S3Options{
		Bucket:    location.Host,
		Prefix:    strings.TrimPrefix(location.Path, "/"),
		Region:    location.GetParam("region"),
		Endpoint:  location.GetParam("endpoint"),
		PathStyle: location.GetParam("path_style") == "true",
	}

	if location.Auth != "" {
		user, secret, _ := strings.Cut(location.Auth, ":")
		opts.AccessKey = user
		opts.SecretKey = secret
		sf.log.Debug("Using embedded S3 credentials")
	}

	return NewS3Backend(opts, sf.log)
}

// createFileBackend accepts file:///absolute/path and file://./relative/path.
func (sf *StorageBackendFactory) createFileBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	path := location.Path
	if location.Host != "" {
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}

	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI", interfaces.ErrInvalidLocationURI)
	}

	return NewFileBackend(path, sf.log)
}

func redact(location interfaces.StorageBackendLocation) string {
	if location.Auth == "" {
		return location.Raw
	}
	return strings.Replace(location.Raw, location.Auth+"@", "***@", 1)
}
