// Package storage holds the write-once blob stores that keep file version
// content and export artifacts.
package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get for an unknown pointer.
var ErrNotFound = errors.New("blob not found")

// BlobStore writes content once and returns an opaque pointer to it.
type BlobStore interface {
	Put(ctx context.Context, prefix string, content []byte, contentType string) (string, error)
	Get(ctx context.Context, pointer string) ([]byte, error)
	Close() error
}

// newKey returns a fresh object key under prefix.
func newKey(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "/" + uuid.NewString()
}
