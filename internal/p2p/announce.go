package p2p

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/multiformats/go-multihash"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/federated-storage/marketplace/internal/models"
)

var announcements = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "market_dht_announcements_total",
	Help: "DHT provider record announcements by outcome",
}, []string{"result"})

const (
	announceQueueSize = 256
	recentCacheSize   = 4096
	announceTimeout   = time.Minute

	// DefaultReprovideInterval is half the lifetime of a DHT provider record
	DefaultReprovideInterval = 12 * time.Hour
)

// HashToCid converts a hex SHA-256 file digest into the CIDv1 (raw codec)
// that keys its provider records in the DHT
func HashToCid(hash string) (cid.Cid, error) {
	digest, err := hex.DecodeString(hash)
	if err != nil {
		return cid.Undef, fmt.Errorf("invalid hash: %w", err)
	}
	if len(digest) != 32 {
		return cid.Undef, fmt.Errorf("invalid hash: expected 32 bytes, got %d", len(digest))
	}
	mh, err := multihash.Encode(digest, multihash.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// PublishedSource lists the hashes that should currently be announced
type PublishedSource func(ctx context.Context) ([]string, error)

// Announcer publishes provider records for published hashes and
// periodically re-announces all of them so the records do not expire.
type Announcer struct {
	router   routing.ContentRouting
	source   PublishedSource
	interval time.Duration
	queue    chan string
	recent   *expirable.LRU[string, struct{}]
}

// NewAnnouncer creates an announcer on top of a content router such as the
// Kademlia DHT. Hashes announced within interval are not announced again
// until the next reprovide round.
func NewAnnouncer(router routing.ContentRouting, source PublishedSource, interval time.Duration) *Announcer {
	if interval <= 0 {
		interval = DefaultReprovideInterval
	}
	return &Announcer{
		router:   router,
		source:   source,
		interval: interval,
		queue:    make(chan string, announceQueueSize),
		recent:   expirable.NewLRU[string, struct{}](recentCacheSize, nil, interval),
	}
}

// Announce queues hash for announcement without blocking. Hashes announced
// recently and hashes arriving while the queue is full are skipped; the
// reprovide loop picks them up.
func (a *Announcer) Announce(hash string) {
	if a.recent.Contains(hash) {
		return
	}
	select {
	case a.queue <- hash:
	default:
		announcements.WithLabelValues("dropped").Inc()
		log.Warnw("announce queue full", "hash", hash)
	}
}

// Run processes queued announcements and reprovides every interval until ctx is done
func (a *Announcer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case hash := <-a.queue:
				if a.recent.Contains(hash) {
					continue
				}
				a.provide(ctx, hash)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			a.Reprovide(ctx)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	return g.Wait()
}

// Reprovide announces every published hash once
func (a *Announcer) Reprovide(ctx context.Context) {
	if a.source == nil {
		return
	}
	hashes, err := a.source(ctx)
	if err != nil {
		log.Warnw("failed to list published hashes", "error", err)
		return
	}

	a.recent.Purge()
	for _, hash := range hashes {
		if ctx.Err() != nil {
			return
		}
		a.provide(ctx, hash)
	}
	log.Debugw("reprovide round finished", "count", len(hashes))
}

func (a *Announcer) provide(ctx context.Context, hash string) {
	c, err := HashToCid(hash)
	if err != nil {
		announcements.WithLabelValues("invalid").Inc()
		log.Warnw("cannot announce hash", "hash", hash, "error", err)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, announceTimeout)
	defer cancel()

	if err := a.router.Provide(pctx, c, true); err != nil {
		announcements.WithLabelValues("error").Inc()
		log.Warnw("failed to announce hash", "hash", hash, "cid", c, "error", err)
		return
	}

	a.recent.Add(hash, struct{}{})
	announcements.WithLabelValues("ok").Inc()
	log.Debugw("announced hash", "hash", hash, "cid", c)
}

// FindProviders looks up peers that announced hash, returning at most limit of them
func (a *Announcer) FindProviders(ctx context.Context, hash string, limit int) ([]models.NetworkPeer, error) {
	c, err := HashToCid(hash)
	if err != nil {
		return nil, err
	}

	found := []models.NetworkPeer{}
	for info := range a.router.FindProvidersAsync(ctx, c, limit) {
		found = append(found, networkPeer(info))
	}
	if err := ctx.Err(); err != nil && len(found) == 0 {
		return nil, err
	}
	return found, nil
}

func networkPeer(info peer.AddrInfo) models.NetworkPeer {
	addrs := make([]string, 0, len(info.Addrs))
	for _, a := range info.Addrs {
		addrs = append(addrs, a.String())
	}
	return models.NetworkPeer{ID: info.ID.String(), Addrs: addrs}
}
