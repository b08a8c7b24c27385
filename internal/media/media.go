// Package media implements the content-addressed upload/dedup service:
// hash the upload, reuse an existing provider handle on a repeat hash,
// otherwise save locally and push it to the provider once.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/genmedia/broker/internal/store"
)

// Uploader is the subset of adapter.Adapter the media service needs: a
// platform-specific way to push a local file and get back its handle.
type Uploader interface {
	Name() string
	UploadFile(ctx context.Context, localPath string) (string, error)
}

// Service saves uploads under dir, content-addressed by SHA-256, and
// syncs each distinct one to the configured provider exactly once.
type Service struct {
	store    *store.Store
	uploader Uploader
	dir      string
}

// New constructs a media Service. dir is created if it does not exist.
func New(st *store.Store, uploader Uploader, dir string) *Service {
	return &Service{store: st, uploader: uploader, dir: dir}
}

// UploadResult describes the outcome of one Upload call.
type UploadResult struct {
	Hash           string
	ProviderHandle string
	Existing       bool
}

// Upload hashes r's contents, reusing an existing dedup record when the
// hash matches a prior upload, or saving and pushing a new one when it
// does not.
func (s *Service) Upload(ctx context.Context, originalName string, r io.Reader) (UploadResult, error) {
	tmpPath := filepath.Join(s.dir, fmt.Sprintf(".upload-%d", time.Now().UnixNano()))
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return UploadResult{}, fmt.Errorf("create media dir: %w", err)
	}

	tmp, err := os.Create(tmpPath)
	if err != nil {
		return UploadResult{}, fmt.Errorf("create temp upload file: %w", err)
	}
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	if _, err := io.Copy(tmp, io.TeeReader(r, hasher)); err != nil {
		tmp.Close()
		return UploadResult{}, fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return UploadResult{}, fmt.Errorf("close temp upload file: %w", err)
	}
	hash := hex.EncodeToString(hasher.Sum(nil))

	if existing, err := s.store.LookupMedia(ctx, hash); err == nil {
		if _, incErr := s.store.UpsertMedia(ctx, hash, existing.OriginalName, existing.LocalPath, existing.ProviderHandle); incErr != nil {
			return UploadResult{}, fmt.Errorf("record repeat upload: %w", incErr)
		}
		return UploadResult{Hash: hash, ProviderHandle: existing.ProviderHandle, Existing: true}, nil
	}

	finalPath := filepath.Join(s.dir, hash)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return UploadResult{}, fmt.Errorf("finalize upload path: %w", err)
	}

	handle, err := s.uploader.UploadFile(ctx, finalPath)
	if err != nil {
		return UploadResult{}, fmt.Errorf("push upload to %s: %w", s.uploader.Name(), err)
	}

	if _, _, err := s.store.UpsertMedia(ctx, hash, originalName, finalPath, handle); err != nil {
		return UploadResult{}, fmt.Errorf("record upload: %w", err)
	}
	return UploadResult{Hash: hash, ProviderHandle: handle}, nil
}

// Lookup returns the dedup record for a content hash, for previewing or
// re-serving a previously uploaded file.
func (s *Service) Lookup(ctx context.Context, hash string) (*store.MediaFile, error) {
	return s.store.LookupMedia(ctx, hash)
}
