package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/iago/converter-saas-back/internal/logger"
)

// GCSStore keeps objects in a Google Cloud Storage bucket under an optional prefix.
type GCSStore struct {
	client *gcs.Client
	bucket string
	prefix string
	log    *logger.Logger
}

type GCSConfig struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
}

func NewGCSStore(ctx context.Context, cfg GCSConfig, log *logger.Logger) (*GCSStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("missing GCS_BUCKET for gcs storage backend")
	}
	opts := []option.ClientOption{option.WithScopes(gcs.ScopeReadWrite)}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	log.Info("object storage initialized", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return &GCSStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		log:    log,
	}, nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) objectName(key string) string {
	return objectName(s.prefix, key)
}

func objectName(prefix, key string) string {
	key = strings.TrimLeft(key, "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}

func (s *GCSStore) Save(ctx context.Context, key string, r io.Reader) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(s.objectName(key)).NewWriter(ctx)
	size, err := io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		return 0, fmt.Errorf("write %s to GCS: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("close GCS writer for %s: %w", key, err)
	}
	return size, nil
}

func (s *GCSStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.objectName(key)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("open %s from GCS: %w", key, err)
	}
	return reader, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	err := s.client.Bucket(s.bucket).Object(s.objectName(key)).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("delete %s from GCS: %w", key, err)
	}
	return nil
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(s.objectName(key)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s in GCS: %w", key, err)
	}
	return true, nil
}
