// Package blobstore keeps immutable byte blobs on disk, addressed by the
// hex SHA-256 of their contents.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"relaybox/models"
)

const hashHexLen = sha256.Size * 2

var (
	// ErrNotFound indicates no blob is stored at an address.
	ErrNotFound = fmt.Errorf("blobstore: %w", models.ErrNotFound)
	// ErrCorruptedContent indicates stored bytes no longer hash to their address.
	ErrCorruptedContent = fmt.Errorf("blobstore: %w", models.ErrCorruptedContent)
	// ErrInvalidHash indicates a malformed content address.
	ErrInvalidHash = errors.New("blobstore: invalid content hash")
)

// BlobInfo describes one stored blob.
type BlobInfo struct {
	Hash    string
	Size    int64
	ModTime time.Time
}

// Store is a content-addressed file store rooted at one directory.
type Store struct {
	root   string
	logger logrus.FieldLogger
}

// Open creates the root directory if needed and returns a store over it.
func Open(root string, logger logrus.FieldLogger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("blob root directory is required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{
		root:   root,
		logger: logger.WithField("component", "blobstore"),
	}, nil
}

// Hash returns the content address for data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data and returns its content hash. Storing identical bytes
// again returns the same hash and keeps the existing file, only refreshing
// its modification time so garbage collection treats it as fresh.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	hash := Hash(data)
	finalPath := s.pathFor(hash)

	now := time.Now()
	if err := os.Chtimes(finalPath, now, now); err == nil {
		return hash, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("touch blob %s: %w", hash, err)
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o700); err != nil {
		return "", fmt.Errorf("create blob shard: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(finalPath), hash+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	tempPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tempPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("write temp blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("sync temp blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("close temp blob: %w", err)
	}

	// Concurrent writers of the same content race on rename; both carry
	// identical bytes so whichever lands last is equally valid.
	if err := os.Rename(tempPath, finalPath); err != nil {
		cleanup()
		return "", fmt.Errorf("finalize blob %s: %w", hash, err)
	}

	s.logger.WithFields(logrus.Fields{
		"content_hash": hash,
		"size":         len(data),
	}).Debug("blob stored")
	return hash, nil
}

// Get returns the bytes stored at hash after verifying they still hash to it.
func (s *Store) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash = strings.ToLower(hash)
	if err := validateHash(hash); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.pathFor(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("read blob %s: %w", hash, err)
	}

	if actual := Hash(data); actual != hash {
		s.logger.WithFields(logrus.Fields{
			"content_hash": hash,
			"actual_hash":  actual,
		}).Warn("blob failed integrity check")
		return nil, fmt.Errorf("%w: %s", ErrCorruptedContent, hash)
	}
	return data, nil
}

// Has reports whether a blob exists at hash without verifying it.
func (s *Store) Has(ctx context.Context, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	hash = strings.ToLower(hash)
	if err := validateHash(hash); err != nil {
		return false, err
	}
	_, err := os.Stat(s.pathFor(hash))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat blob %s: %w", hash, err)
}

// Delete removes a blob. It is only meant for garbage collection of blobs
// no envelope references.
func (s *Store) Delete(ctx context.Context, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	hash = strings.ToLower(hash)
	if err := validateHash(hash); err != nil {
		return err
	}
	if err := os.Remove(s.pathFor(hash)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return fmt.Errorf("delete blob %s: %w", hash, err)
	}
	return nil
}

// Walk calls fn for every stored blob. Temp files are skipped.
func (s *Store) Walk(ctx context.Context, fn func(BlobInfo) error) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}

		name := d.Name()
		if validateHash(name) != nil || filepath.Base(filepath.Dir(path)) != name[:2] {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat blob %s: %w", name, err)
		}
		return fn(BlobInfo{Hash: name, Size: info.Size(), ModTime: info.ModTime()})
	})
}

// CollectGarbage deletes blobs for which referenced reports false. Blobs
// modified within grace are kept so a sender that has written content but
// not yet its envelope is never raced. It returns the removed addresses.
func (s *Store) CollectGarbage(ctx context.Context, referenced func(hash string) bool, grace time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-grace)

	var orphans []string
	err := s.Walk(ctx, func(info BlobInfo) error {
		if referenced(info.Hash) || info.ModTime.After(cutoff) {
			return nil
		}
		orphans = append(orphans, info.Hash)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk blobs: %w", err)
	}

	removed := make([]string, 0, len(orphans))
	for _, hash := range orphans {
		if err := s.Delete(ctx, hash); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return removed, err
		}
		s.logger.WithField("content_hash", hash).Debug("removed unreferenced blob")
		removed = append(removed, hash)
	}
	return removed, nil
}

func (s *Store) pathFor(hash string) string {
	return filepath.Join(s.root, hash[:2], hash)
}

func validateHash(hash string) error {
	if len(hash) != hashHexLen {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	if strings.ToLower(hash) != hash {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return nil
}
