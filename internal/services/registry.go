package services

import (
	"context"
	"errors"

	logging "github.com/ipfs/go-log/v2"

	"github.com/federated-storage/marketplace/internal/models"
)

var log = logging.Logger("services")

// RegistryStore is the durable home of file records and their providers
type RegistryStore interface {
	Put(ctx context.Context, rec *models.FileRecord) error
	Get(ctx context.Context, hash string) (*models.FileRecord, error)
	Delete(ctx context.Context, hash string) error
	ListAll(ctx context.Context) ([]*models.FileRecord, error)
	TogglePublish(ctx context.Context, hash string, expect *bool) (bool, error)
	UpdateMetadata(ctx context.Context, hash string, description *string, fee *float64) error
	UpsertProvider(ctx context.Context, hash string, p models.ProviderEntry) error
	ListProviders(ctx context.Context, hash string) ([]models.ProviderEntry, error)
	DeleteProvider(ctx context.Context, hash, peerID string) error
}

// Announcer advertises hashes that became published to the wider network.
// Announce must not block on network I/O.
type Announcer interface {
	Announce(hash string)
}

type nopAnnouncer struct{}

func (nopAnnouncer) Announce(string) {}

// RegistryService handles file records, their publish state and their providers
type RegistryService struct {
	store     RegistryStore
	locks     *KeyedMutex
	announcer Announcer
}

// NewRegistryService creates a new registry service
func NewRegistryService(store RegistryStore) *RegistryService {
	return &RegistryService{
		store:     store,
		locks:     NewKeyedMutex(),
		announcer: nopAnnouncer{},
	}
}

// SetAnnouncer sets the announcer notified when a hash becomes published
func (s *RegistryService) SetAnnouncer(a Announcer) {
	if a == nil {
		a = nopAnnouncer{}
	}
	s.announcer = a
}

// Put inserts rec or fully replaces the record stored under rec.Hash
func (s *RegistryService) Put(ctx context.Context, rec *models.FileRecord) (err error) {
	defer func() { observe("put", err) }()

	unlock := s.locks.Lock(rec.Hash)
	defer unlock()

	if err := s.store.Put(ctx, rec); err != nil {
		return err
	}
	if rec.IsPublished {
		s.announcer.Announce(rec.Hash)
	}
	return nil
}

// Upsert writes rec like Put but keeps the provider set of an existing record
func (s *RegistryService) Upsert(ctx context.Context, rec *models.FileRecord) error {
	return s.withLock(rec.Hash, func() error {
		return s.upsertLocked(ctx, rec)
	})
}

// withLock runs fn while holding the lock for hash. Callers that pair a byte
// store step with a registry write use it so both happen as one step per hash.
func (s *RegistryService) withLock(hash string, fn func() error) error {
	unlock := s.locks.Lock(hash)
	defer unlock()
	return fn()
}

func (s *RegistryService) upsertLocked(ctx context.Context, rec *models.FileRecord) (err error) {
	defer func() { observe("upsert", err) }()

	existing, err := s.store.Get(ctx, rec.Hash)
	switch {
	case err == nil:
		rec.Providers = existing.Providers
	case errors.Is(err, models.ErrNotFound):
	default:
		return err
	}

	if err := s.store.Put(ctx, rec); err != nil {
		return err
	}
	if rec.IsPublished {
		s.announcer.Announce(rec.Hash)
	}
	return nil
}

// Get returns the record for hash, published or not
func (s *RegistryService) Get(ctx context.Context, hash string) (*models.FileRecord, error) {
	rec, err := s.store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	rec.Providers = models.DedupProviders(rec.Providers)
	return rec, nil
}

// Delete removes the record for hash together with its providers
func (s *RegistryService) Delete(ctx context.Context, hash string) error {
	return s.withLock(hash, func() error {
		return s.deleteLocked(ctx, hash)
	})
}

func (s *RegistryService) deleteLocked(ctx context.Context, hash string) (err error) {
	defer func() { observe("delete", err) }()
	return s.store.Delete(ctx, hash)
}

// ListAll returns every record ordered by hash
func (s *RegistryService) ListAll(ctx context.Context) ([]*models.FileRecord, error) {
	records, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		rec.Providers = models.DedupProviders(rec.Providers)
	}
	return records, nil
}

// PublishedHashes returns the hashes currently visible in the marketplace
func (s *RegistryService) PublishedHashes(ctx context.Context) ([]string, error) {
	records, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var hashes []string
	for _, rec := range records {
		if rec.IsPublished {
			hashes = append(hashes, rec.Hash)
		}
	}
	return hashes, nil
}

// TogglePublish flips the publish state of hash and returns the new state
func (s *RegistryService) TogglePublish(ctx context.Context, hash string) (bool, error) {
	return s.togglePublish(ctx, hash, nil)
}

// TogglePublishIf flips the publish state of hash only if it still equals
// observed. Otherwise it returns Conflict and the caller should re-read.
func (s *RegistryService) TogglePublishIf(ctx context.Context, hash string, observed bool) (bool, error) {
	return s.togglePublish(ctx, hash, &observed)
}

func (s *RegistryService) togglePublish(ctx context.Context, hash string, expect *bool) (published bool, err error) {
	defer func() { observe("toggle_publish", err) }()

	unlock := s.locks.Lock(hash)
	defer unlock()

	published, err = s.store.TogglePublish(ctx, hash, expect)
	if err != nil {
		return published, err
	}

	log.Debugw("publish state changed", "hash", hash, "published", published)
	if published {
		s.announcer.Announce(hash)
	}
	return published, nil
}

// UpdateMetadata changes the description and/or fee of hash and returns the updated record
func (s *RegistryService) UpdateMetadata(ctx context.Context, hash string, description *string, fee *float64) (rec *models.FileRecord, err error) {
	defer func() { observe("update_metadata", err) }()

	unlock := s.locks.Lock(hash)
	defer unlock()

	if err := s.store.UpdateMetadata(ctx, hash, description, fee); err != nil {
		return nil, err
	}
	return s.Get(ctx, hash)
}

// RegisterProvider adds peerID as a provider of hash, replacing its fee if
// it is already listed
func (s *RegistryService) RegisterProvider(ctx context.Context, hash, peerID string, fee float64) (err error) {
	defer func() { observe("register_provider", err) }()

	unlock := s.locks.Lock(hash)
	defer unlock()

	return s.store.UpsertProvider(ctx, hash, models.ProviderEntry{PeerID: peerID, Fee: fee})
}

// ListProviders returns the providers of hash with at most one entry per peer
func (s *RegistryService) ListProviders(ctx context.Context, hash string) ([]models.ProviderEntry, error) {
	providers, err := s.store.ListProviders(ctx, hash)
	if err != nil {
		return nil, err
	}
	return models.DedupProviders(providers), nil
}

// RemoveProvider removes peerID from the providers of hash
func (s *RegistryService) RemoveProvider(ctx context.Context, hash, peerID string) (err error) {
	defer func() { observe("remove_provider", err) }()

	unlock := s.locks.Lock(hash)
	defer unlock()

	return s.store.DeleteProvider(ctx, hash, peerID)
}
