// Package storage holds durable input and output bytes addressed by opaque keys.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iago/converter-saas-back/internal/domain"
)

var ErrObjectNotFound = errors.New("stored object not found")

// Storage is the byte store used for uploads and produced outputs.
type Storage interface {
	Save(ctx context.Context, key string, r io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// LocalPather is implemented by stores whose objects already live on the local disk.
type LocalPather interface {
	LocalPath(key string) (string, error)
}

// UploadKey returns uploads/YYYY/MM/DD/<hex8>_<sanitized name>.
func UploadKey(now time.Time, filename string) string {
	return fmt.Sprintf("uploads/%s/%s_%s", datePath(now), shortID(), domain.SanitizeFilename(filename))
}

// OutputKey returns outputs/YYYY/MM/DD/<hex8>_<base>_<hex8>.<format>.
func OutputKey(now time.Time, inputFilename, format string) string {
	base := domain.SanitizeFilename(domain.BaseName(inputFilename))
	return fmt.Sprintf(
		"outputs/%s/%s_%s_%s.%s",
		datePath(now),
		shortID(),
		base,
		shortID(),
		strings.ToLower(format),
	)
}

func datePath(now time.Time) string {
	return now.UTC().Format("2006/01/02")
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Fetch makes the object available as a local file. Local stores hand back the
// stored path directly; remote stores are copied into dir and removed by cleanup.
func Fetch(ctx context.Context, store Storage, key, dir string) (string, func(), error) {
	if local, ok := store.(LocalPather); ok {
		path, err := local.LocalPath(key)
		if err != nil {
			return "", nil, err
		}
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return "", nil, ErrObjectNotFound
			}
			return "", nil, fmt.Errorf("stat %s: %w", key, err)
		}
		return path, func() {}, nil
	}

	reader, err := store.Open(ctx, key)
	if err != nil {
		return "", nil, err
	}
	defer reader.Close()

	file, err := os.CreateTemp(dir, "fetch-*"+filepath.Ext(key))
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(file.Name()) }

	if _, err := io.Copy(file, reader); err != nil {
		file.Close()
		cleanup()
		return "", nil, fmt.Errorf("download %s: %w", key, err)
	}
	if err := file.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close temp file: %w", err)
	}
	return file.Name(), cleanup, nil
}

// SaveFile copies a local file into the store under key.
func SaveFile(ctx context.Context, store Storage, key, path string) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()
	return store.Save(ctx, key, file)
}
