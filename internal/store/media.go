package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func scanMediaFile(scanFn func(dest ...any) error) (MediaFile, error) {
	var mf MediaFile
	if err := scanFn(&mf.Hash, &mf.OriginalName, &mf.LocalPath, &mf.ProviderHandle, &mf.UsageCount); err != nil {
		return mf, err
	}
	return mf, nil
}

// LookupMedia returns the dedup record for a content hash, if one exists.
func (s *Store) LookupMedia(ctx context.Context, hash string) (*MediaFile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT hash, original_name, local_path, provider_handle, usage_count FROM media_files WHERE hash = ?;`, hash)
	mf, err := scanMediaFile(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan media file: %w", err)
	}
	return &mf, nil
}

// UpsertMedia records a new upload, or increments the usage counter of an
// existing one with the same content hash, so a repeat upload reuses the
// provider handle instead of uploading again.
func (s *Store) UpsertMedia(ctx context.Context, hash, originalName, localPath, providerHandle string) (*MediaFile, bool, error) {
	var existing bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin media tx: %w", txErr)
		}
		defer tx.Rollback()

		var count int
		scanErr := tx.QueryRowContext(ctx, `SELECT usage_count FROM media_files WHERE hash = ?;`, hash).Scan(&count)
		switch {
		case errors.Is(scanErr, sql.ErrNoRows):
			existing = false
			if _, execErr := tx.ExecContext(ctx, `
				INSERT INTO media_files (hash, original_name, local_path, provider_handle, usage_count, created_at, updated_at)
				VALUES (?, ?, ?, ?, 1, ?, ?);
			`, hash, originalName, localPath, providerHandle, nowString(), nowString()); execErr != nil {
				return fmt.Errorf("insert media file: %w", execErr)
			}
		case scanErr != nil:
			return fmt.Errorf("select media file: %w", scanErr)
		default:
			existing = true
			if _, execErr := tx.ExecContext(ctx, `UPDATE media_files SET usage_count = usage_count + 1, updated_at = ? WHERE hash = ?;`, nowString(), hash); execErr != nil {
				return fmt.Errorf("increment media usage: %w", execErr)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, false, err
	}
	mf, err := s.LookupMedia(ctx, hash)
	if err != nil {
		return nil, false, err
	}
	return mf, existing, nil
}
