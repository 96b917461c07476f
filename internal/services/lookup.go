package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/federated-storage/marketplace/internal/models"
)

// Transfer hands a negotiated download intent to the chosen provider
type Transfer interface {
	Dispatch(ctx context.Context, intent *models.DownloadIntent) (*models.TransferResponse, error)
}

// PeerFinder looks up peers that announced a hash on the network
type PeerFinder interface {
	FindProviders(ctx context.Context, hash string, limit int) ([]models.NetworkPeer, error)
}

// MaxNetworkPeers caps a network provider lookup
const MaxNetworkPeers = 20

// LookupService answers marketplace queries and negotiates downloads
type LookupService struct {
	registry *RegistryService
	transfer Transfer
	peers    PeerFinder
	timeout  time.Duration
}

// NewLookupService creates a new lookup service. transfer may be nil, in
// which case negotiated intents are returned without being dispatched.
func NewLookupService(registry *RegistryService, transfer Transfer, timeout time.Duration) *LookupService {
	return &LookupService{
		registry: registry,
		transfer: transfer,
		timeout:  timeout,
	}
}

// SetPeerFinder enables network provider lookups
func (s *LookupService) SetPeerFinder(f PeerFinder) {
	s.peers = f
}

// FindNetworkPeers returns peers that announced hash on the DHT. Without a
// peer finder, or when the lookup runs out of time, the result is empty.
func (s *LookupService) FindNetworkPeers(ctx context.Context, hash string) ([]models.NetworkPeer, error) {
	if err := models.ValidateHash(hash); err != nil {
		return nil, err
	}
	if s.peers == nil {
		return []models.NetworkPeer{}, nil
	}

	lctx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	found, err := s.peers.FindProviders(lctx, hash, MaxNetworkPeers)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return []models.NetworkPeer{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find network peers: %w", err)
	}
	return found, nil
}

// FindByHash returns the marketplace listing for an exact, published hash
func (s *LookupService) FindByHash(ctx context.Context, hash string) (*models.Listing, error) {
	rec, err := s.registry.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !rec.IsPublished {
		return nil, models.ErrNotFound
	}

	providers := rec.Providers
	rec.Providers = nil
	return &models.Listing{Record: *rec, Providers: providers}, nil
}

// SelectProvider validates that chosenPeerID is among candidates and emits
// the download intent for it
func SelectProvider(candidates []models.ProviderEntry, hash, chosenPeerID string) (*models.DownloadIntent, error) {
	for _, p := range models.DedupProviders(candidates) {
		if p.PeerID != chosenPeerID {
			continue
		}
		return &models.DownloadIntent{
			ID:        uuid.New().String(),
			Hash:      hash,
			PeerID:    p.PeerID,
			Fee:       p.Fee,
			CreatedAt: time.Now().UTC(),
		}, nil
	}
	return nil, fmt.Errorf("%w: %q is not a provider of %s", models.ErrInvalidSelection, chosenPeerID, hash)
}

// Negotiation is the outcome of selecting a provider for a download
type Negotiation struct {
	Intent        *models.DownloadIntent   `json:"intent"`
	Response      *models.TransferResponse `json:"transfer,omitempty"`
	TransferError string                   `json:"transfer_error,omitempty"`
}

// Negotiate re-reads the listing for hash, selects peerID among its current
// providers and dispatches the resulting intent. A failed dispatch does not
// invalidate the intent; it is reported in TransferError.
func (s *LookupService) Negotiate(ctx context.Context, hash, peerID, requester string) (*Negotiation, error) {
	listing, err := s.FindByHash(ctx, hash)
	if err != nil {
		negotiations.WithLabelValues(resultLabel(err)).Inc()
		return nil, err
	}

	intent, err := SelectProvider(listing.Providers, hash, peerID)
	if err != nil {
		negotiations.WithLabelValues(resultLabel(err)).Inc()
		return nil, err
	}
	intent.FileName = listing.Record.Name
	intent.RequesterID = requester

	result := &Negotiation{Intent: intent}
	if s.transfer == nil {
		negotiations.WithLabelValues("ok").Inc()
		return result, nil
	}

	dctx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	resp, err := s.transfer.Dispatch(dctx, intent)
	if err != nil {
		log.Warnw("download request failed", "hash", hash, "peer", peerID, "error", err)
		result.TransferError = err.Error()
		negotiations.WithLabelValues("dispatch_failed").Inc()
		return result, nil
	}

	result.Response = resp
	negotiations.WithLabelValues(resp.Status).Inc()
	return result, nil
}
