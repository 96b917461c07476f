package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/federated-storage/marketplace/internal/hasher"
	"github.com/federated-storage/marketplace/internal/models"
)

// ByteStore persists raw file content keyed by its digest
type ByteStore interface {
	Store(ctx context.Context, hash string, r io.Reader) error
	Fetch(ctx context.Context, hash string) (io.ReadCloser, error)
	Has(ctx context.Context, hash string) (bool, error)
	Delete(ctx context.Context, hash string) error
}

// IngestRequest describes a file to add to the registry
type IngestRequest struct {
	Name        string
	Type        string
	Description string
	Fee         float64
	Content     io.ReadSeeker
}

// Metadata holds the registration fields of a file whose bytes are already stored
type Metadata struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Fee         float64 `json:"fee"`
}

// IngestService hashes, stores and registers new files
type IngestService struct {
	bytes    ByteStore
	registry *RegistryService
}

// NewIngestService creates a new ingestion service
func NewIngestService(bytes ByteStore, registry *RegistryService) *IngestService {
	return &IngestService{bytes: bytes, registry: registry}
}

// Ingest hashes req.Content, stores it and registers a published record for it.
// Nothing is registered unless the bytes were stored. If storing succeeds and
// registration fails the error is a *models.RegistrationError carrying the hash.
func (s *IngestService) Ingest(ctx context.Context, req IngestRequest) (*models.FileRecord, error) {
	if req.Content == nil {
		return nil, &models.ValidationError{Field: "content", Reason: "must not be nil"}
	}
	if err := models.ValidateFee("fee", req.Fee); err != nil {
		return nil, err
	}

	digest, err := hasher.Sum(ctx, req.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to hash content: %w", err)
	}

	if _, err := req.Content.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind content: %w", err)
	}

	rec := &models.FileRecord{
		Hash:        digest.Hex,
		Name:        req.Name,
		Type:        req.Type,
		Size:        digest.Size,
		Description: req.Description,
		Fee:         req.Fee,
		IsPublished: true,
		Providers:   []models.ProviderEntry{},
	}

	// Store and register under the hash lock so a concurrent Remove cannot
	// delete the bytes between the two steps.
	err = s.registry.withLock(digest.Hex, func() error {
		if err := s.bytes.Store(ctx, digest.Hex, req.Content); err != nil {
			observe("ingest", err)
			if errors.Is(err, models.ErrStorageFailure) {
				return err
			}
			return models.NewStorageError("store content", err)
		}
		ingestedBytes.Add(float64(digest.Size))

		if err := s.registry.upsertLocked(ctx, rec); err != nil {
			log.Errorw("content stored but not registered", "hash", digest.Hex, "error", err)
			return &models.RegistrationError{Hash: digest.Hex, Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Infow("file ingested", "hash", rec.Hash, "name", rec.Name, "size", rec.Size)
	return rec, nil
}

// IngestBytes ingests an in-memory file
func (s *IngestService) IngestBytes(ctx context.Context, name, fileType string, data []byte, description string, fee float64) (*models.FileRecord, error) {
	return s.Ingest(ctx, IngestRequest{
		Name:        name,
		Type:        fileType,
		Description: description,
		Fee:         fee,
		Content:     bytes.NewReader(data),
	})
}

// Register registers a published record for bytes that are already stored
// under hash, completing an ingestion that failed after storing.
func (s *IngestService) Register(ctx context.Context, hash string, meta Metadata) (*models.FileRecord, error) {
	if err := models.ValidateHash(hash); err != nil {
		return nil, err
	}
	if err := models.ValidateFee("fee", meta.Fee); err != nil {
		return nil, err
	}

	var rec *models.FileRecord
	err := s.registry.withLock(hash, func() error {
		rc, err := s.bytes.Fetch(ctx, hash)
		if err != nil {
			return err
		}
		digest, err := hasher.Sum(ctx, rc)
		rc.Close()
		if err != nil {
			return models.NewStorageError("read stored content", err)
		}
		if digest.Hex != hash {
			return models.NewStorageError("verify stored content", fmt.Errorf("stored bytes hash to %s", digest.Hex))
		}

		rec = &models.FileRecord{
			Hash:        hash,
			Name:        meta.Name,
			Type:        meta.Type,
			Size:        digest.Size,
			Description: meta.Description,
			Fee:         meta.Fee,
			IsPublished: true,
			Providers:   []models.ProviderEntry{},
		}
		if err := s.registry.upsertLocked(ctx, rec); err != nil {
			return &models.RegistrationError{Hash: hash, Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Fetch opens the stored content of hash
func (s *IngestService) Fetch(ctx context.Context, hash string) (io.ReadCloser, error) {
	return s.bytes.Fetch(ctx, hash)
}

// Has reports whether the content of hash is stored locally
func (s *IngestService) Has(ctx context.Context, hash string) (bool, error) {
	return s.bytes.Has(ctx, hash)
}

// Remove deletes the record for hash and then its stored bytes. A failure to
// delete the bytes is logged and does not fail the removal.
func (s *IngestService) Remove(ctx context.Context, hash string) error {
	return s.registry.withLock(hash, func() error {
		if err := s.registry.deleteLocked(ctx, hash); err != nil {
			return err
		}
		if err := s.bytes.Delete(ctx, hash); err != nil {
			log.Warnw("failed to delete stored content", "hash", hash, "error", err)
		}
		return nil
	})
}
