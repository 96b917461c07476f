package p2p

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/federated-storage/marketplace/internal/hasher"
	"github.com/federated-storage/marketplace/internal/models"
)

func startLoopbackNode(t *testing.T, identityPath string) *Node {
	t.Helper()
	n, err := NewNode(NodeConfig{
		ListenAddresses: []string{"/ip4/127.0.0.1/tcp/0"},
		EnableTCP:       true,
		DHTMode:         DHTModeOff,
		IdentityKeyPath: identityPath,
	})
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { n.Close() })
	return n
}

type memContent map[string]bool

func (m memContent) Has(ctx context.Context, hash string) (bool, error) {
	return m[hash], nil
}

type fakeRouter struct {
	mu       sync.Mutex
	provided []cid.Cid
	found    []peer.AddrInfo
}

func (f *fakeRouter) Provide(ctx context.Context, c cid.Cid, announce bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provided = append(f.provided, c)
	return nil
}

func (f *fakeRouter) FindProvidersAsync(ctx context.Context, c cid.Cid, limit int) <-chan peer.AddrInfo {
	ch := make(chan peer.AddrInfo, len(f.found))
	for _, info := range f.found {
		ch <- info
	}
	close(ch)
	return ch
}

func (f *fakeRouter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.provided)
}

func TestHashToCid(t *testing.T) {
	hash := hasher.SumBytes([]byte("hello world")).Hex

	c, err := HashToCid(hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Version())
	assert.Equal(t, uint64(cid.Raw), c.Type())

	again, err := HashToCid(hash)
	require.NoError(t, err)
	assert.True(t, c.Equals(again))

	for _, bad := range []string{"", "zz", strings.Repeat("ab", 16)} {
		_, err := HashToCid(bad)
		assert.Error(t, err, bad)
	}
}

func TestAnnouncer(t *testing.T) {
	published := []string{hasher.SumBytes([]byte("a")).Hex, hasher.SumBytes([]byte("b")).Hex}
	router := &fakeRouter{}
	a := NewAnnouncer(router, func(ctx context.Context) ([]string, error) {
		return published, nil
	}, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// The first reprovide round announces everything published
	assert.Eventually(t, func() bool { return router.count() == 2 }, 5*time.Second, 10*time.Millisecond)

	// Recently announced hashes are not announced again
	a.Announce(published[0])
	fresh := hasher.SumBytes([]byte("c")).Hex
	a.Announce(fresh)
	assert.Eventually(t, func() bool { return router.count() == 3 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 3, router.count())
}

func TestAnnouncer_FindProviders(t *testing.T) {
	router := &fakeRouter{found: []peer.AddrInfo{{ID: "peer-a"}, {ID: "peer-b"}}}
	a := NewAnnouncer(router, nil, time.Hour)

	found, err := a.FindProviders(context.Background(), hasher.SumBytes([]byte("x")).Hex, 10)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, peer.ID("peer-a").String(), found[0].ID)
	assert.Empty(t, found[0].Addrs)

	_, err = a.FindProviders(context.Background(), "nope", 10)
	assert.Error(t, err)
}

func TestNode_IdentityPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")

	first := startLoopbackNode(t, path)
	id := first.ID()
	require.NoError(t, first.Close())

	second := startLoopbackNode(t, path)
	assert.Equal(t, id, second.ID())
	assert.NotEmpty(t, second.Addrs())
}

func TestNewNode_Validation(t *testing.T) {
	_, err := NewNode(NodeConfig{})
	assert.Error(t, err)

	_, err = NewNode(NodeConfig{EnableTCP: true, DHTMode: "sometimes"})
	assert.Error(t, err)
}

func TestTransfer_DownloadRequest(t *testing.T) {
	held := hasher.SumBytes([]byte("held")).Hex
	missing := hasher.SumBytes([]byte("missing")).Hex

	provider := startLoopbackNode(t, "")
	requester := startLoopbackNode(t, "")

	NewTransferService(provider.Host(), memContent{held: true})
	client := NewTransferService(requester.Host(), memContent{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, requester.Connect(ctx, provider.Addrs()[0]))

	tests := []struct {
		name       string
		hash       string
		wantStatus string
	}{
		{name: "held content is accepted", hash: held, wantStatus: models.TransferAccepted},
		{name: "missing content is declined", hash: missing, wantStatus: models.TransferDeclined},
		{name: "malformed hash is declined", hash: "not-a-hash", wantStatus: models.TransferDeclined},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := client.Dispatch(ctx, &models.DownloadIntent{
				ID:     "intent-1",
				Hash:   tt.hash,
				PeerID: provider.ID().String(),
				Fee:    0.2,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.hash, resp.Hash)
			if tt.wantStatus == models.TransferDeclined {
				assert.NotEmpty(t, resp.Reason)
			}
		})
	}
}

func TestTransfer_SelfDispatch(t *testing.T) {
	held := hasher.SumBytes([]byte("mine")).Hex
	node := startLoopbackNode(t, "")
	svc := NewTransferService(node.Host(), memContent{held: true})
	defer svc.Close()

	resp, err := svc.Dispatch(context.Background(), &models.DownloadIntent{Hash: held, PeerID: node.ID().String()})
	require.NoError(t, err)
	assert.Equal(t, models.TransferAccepted, resp.Status)
}

func TestTransfer_InvalidPeer(t *testing.T) {
	node := startLoopbackNode(t, "")
	svc := NewTransferService(node.Host(), memContent{})

	_, err := svc.Dispatch(context.Background(), &models.DownloadIntent{Hash: "h", PeerID: "P1"})
	assert.Error(t, err)
}
