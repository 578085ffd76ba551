// Package storage provides content-addressed blob storage behind a provider
// interface (local filesystem or S3) and the attachment rows that tie stored
// blobs to records.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/appforge/internal/apperr"
)

// opTimeout bounds one provider call.
const opTimeout = 30 * time.Second

// Blob describes stored bytes.
type Blob struct {
	Key    string `json:"key"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Provider stores and retrieves raw bytes by key.
type Provider interface {
	StoreBytes(ctx context.Context, key string, data []byte) (*Blob, error)
	ReadBytes(ctx context.Context, key string) ([]byte, error)
	DeleteBytes(ctx context.Context, key string) error
}

// BlobKey builds a workspace-scoped storage key with a random component so
// same-named uploads never collide.
func BlobKey(workspaceID, name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	return fmt.Sprintf("%s/%s_%s", workspaceID, uuid.New().String()[:8], base)
}

func digest(data []byte) (string, int64) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), int64(len(data))
}

// LocalProvider keeps blobs under a root directory.
type LocalProvider struct {
	root string
}

// NewLocalProvider creates the filesystem provider, creating root if needed.
func NewLocalProvider(root string) (*LocalProvider, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperr.New(apperr.CodeStorageFailed, "creating storage root: %v", err)
	}
	return &LocalProvider{root: root}, nil
}

func (p *LocalProvider) path(key string) (string, error) {
	clean := filepath.Clean(key)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", apperr.New(apperr.CodeStorageFailed, "storage key %q escapes the root", key)
	}
	return filepath.Join(p.root, clean), nil
}

// StoreBytes writes the blob and returns its digest and size.
func (p *LocalProvider) StoreBytes(_ context.Context, key string, data []byte) (*Blob, error) {
	path, err := p.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperr.New(apperr.CodeStorageFailed, "creating blob dir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, apperr.New(apperr.CodeStorageFailed, "writing blob %s: %v", key, err)
	}
	sha, size := digest(data)
	return &Blob{Key: key, SHA256: sha, Size: size}, nil
}

// ReadBytes returns the blob's contents.
func (p *LocalProvider) ReadBytes(_ context.Context, key string) ([]byte, error) {
	path, err := p.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.New(apperr.CodeStorageFailed, "blob %s not found", key)
		}
		return nil, apperr.New(apperr.CodeStorageFailed, "reading blob %s: %v", key, err)
	}
	return data, nil
}

// DeleteBytes removes the blob. Deleting a missing blob is not an error.
func (p *LocalProvider) DeleteBytes(_ context.Context, key string) error {
	path, err := p.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apperr.New(apperr.CodeStorageFailed, "deleting blob %s: %v", key, err)
	}
	return nil
}

// Service wraps a provider with the operation timeout.
type Service struct {
	provider Provider
}

// NewService wraps a provider.
func NewService(p Provider) *Service { return &Service{provider: p} }

// Store writes data under a fresh workspace-scoped key.
func (s *Service) Store(ctx context.Context, workspaceID, name string, data []byte) (*Blob, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.provider.StoreBytes(ctx, BlobKey(workspaceID, name), data)
}

// Read returns a blob's contents.
func (s *Service) Read(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.provider.ReadBytes(ctx, key)
}

// Delete removes a blob.
func (s *Service) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.provider.DeleteBytes(ctx, key)
}
