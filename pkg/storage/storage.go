// Package storage keeps source documents for queued extraction jobs.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/tableforge/config"
	"github.com/feichai0017/tableforge/pkg/logger"
	"github.com/feichai0017/tableforge/pkg/storage/memory"
	"github.com/feichai0017/tableforge/pkg/storage/minio"
	"github.com/feichai0017/tableforge/pkg/storage/s3"
)

// StorageType 定义存储类型
type StorageType string

const (
	StorageTypeS3     StorageType = "s3"
	StorageTypeMinio  StorageType = "minio"
	StorageTypeMemory StorageType = "memory"

	// SourcePrefix is the key prefix of every stored source document.
	SourcePrefix = "sources/"
)

// Storage 接口定义
type Storage interface {
	// Put stores a document under key; size may be -1 when unknown.
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error)
	// Get opens a stored document.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes a stored document.
	Delete(ctx context.Context, key string) error
	// CleanupBefore removes documents last modified before threshold and
	// returns how many were removed.
	CleanupBefore(ctx context.Context, threshold time.Time) (int, error)
}

// NewStorage 创建存储实例的工厂方法
func NewStorage(ctx context.Context, storageType StorageType, log logger.Logger) (Storage, error) {
	switch storageType {
	case StorageTypeS3:
		return s3.NewS3Storage(ctx, config.GetS3Config(), log)
	case StorageTypeMinio:
		return minio.NewMinioStorage(ctx, config.GetMinioConfig(), log)
	case StorageTypeMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

// NewObjectKey returns a unique key for a source document, keeping the base
// filename for readability.
func NewObjectKey(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "document"
	}
	return SourcePrefix + uuid.NewString() + "/" + base
}

// ReadAll loads a stored document into memory.
func ReadAll(ctx context.Context, s Storage, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}
