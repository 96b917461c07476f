package p2p

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
)

var log = logging.Logger("p2p")

// DHT modes accepted by NodeConfig
const (
	DHTModeAuto   = "auto"
	DHTModeServer = "server"
	DHTModeClient = "client"
	DHTModeOff    = "off"
)

// Node represents a libp2p node
type Node struct {
	host   host.Host
	dht    *dht.IpfsDHT
	config NodeConfig
}

// NodeConfig holds P2P node configuration
type NodeConfig struct {
	ListenAddresses []string
	EnableTCP       bool
	EnableQUIC      bool
	BootstrapPeers  []string
	DHTMode         string
	// IdentityKeyPath persists the node key so the peer ID survives restarts.
	// Empty means a fresh key on every start.
	IdentityKeyPath string
}

// NewNode creates a new libp2p node
func NewNode(config NodeConfig) (*Node, error) {
	if !config.EnableTCP && !config.EnableQUIC {
		return nil, errors.New("at least one of tcp or quic must be enabled")
	}
	if len(config.ListenAddresses) == 0 {
		if config.EnableTCP {
			config.ListenAddresses = append(config.ListenAddresses, "/ip4/0.0.0.0/tcp/0")
		}
		if config.EnableQUIC {
			config.ListenAddresses = append(config.ListenAddresses, "/ip4/0.0.0.0/udp/0/quic-v1")
		}
	}
	if config.DHTMode == "" {
		config.DHTMode = DHTModeAuto
	}
	if _, err := dhtMode(config.DHTMode); err != nil && config.DHTMode != DHTModeOff {
		return nil, err
	}

	return &Node{
		config: config,
	}, nil
}

func dhtMode(mode string) (dht.ModeOpt, error) {
	switch mode {
	case DHTModeAuto:
		return dht.ModeAuto, nil
	case DHTModeServer:
		return dht.ModeServer, nil
	case DHTModeClient:
		return dht.ModeClient, nil
	default:
		return 0, fmt.Errorf("unsupported dht mode %q", mode)
	}
}

// Start starts the P2P node
func (n *Node) Start(ctx context.Context) error {
	priv, err := loadOrCreateIdentity(n.config.IdentityKeyPath)
	if err != nil {
		return err
	}

	// Build libp2p options
	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(n.config.ListenAddresses...),
	}
	if n.config.EnableTCP {
		opts = append(opts, libp2p.Transport(tcp.NewTCPTransport))
	}
	if n.config.EnableQUIC {
		opts = append(opts, libp2p.Transport(libp2pquic.NewTransport))
	}

	// Create host
	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}
	n.host = h

	n.connectBootstrapPeers(ctx)

	if n.config.DHTMode == DHTModeOff {
		return nil
	}

	mode, err := dhtMode(n.config.DHTMode)
	if err != nil {
		return err
	}

	// Create DHT for provider records and peer routing
	kadDHT, err := dht.New(ctx, h, dht.Mode(mode))
	if err != nil {
		return fmt.Errorf("failed to create DHT: %w", err)
	}
	n.dht = kadDHT

	// Bootstrap DHT
	if err := kadDHT.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	return nil
}

func (n *Node) connectBootstrapPeers(ctx context.Context) {
	for _, addr := range n.config.BootstrapPeers {
		if err := n.Connect(ctx, addr); err != nil {
			log.Warnw("failed to connect to bootstrap peer", "addr", addr, "error", err)
			continue
		}
		log.Infow("connected to bootstrap peer", "addr", addr)
	}
}

// loadOrCreateIdentity reads a marshalled private key from path, generating
// and saving an Ed25519 key when the file does not exist yet.
func loadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	if path == "" {
		priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate identity: %w", err)
		}
		return priv, nil
	}

	data, err := os.ReadFile(path)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse identity %s: %w", path, err)
		}
		return priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	data, err = crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create identity directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write identity: %w", err)
	}

	log.Infow("generated new node identity", "path", path)
	return priv, nil
}

// Stop stops the P2P node
func (n *Node) Stop() error {
	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			return err
		}
	}
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// Close is an alias for Stop
func (n *Node) Close() error {
	return n.Stop()
}

// Host returns the libp2p host
func (n *Node) Host() host.Host {
	return n.host
}

// DHT returns the Kademlia DHT, or nil when it is disabled
func (n *Node) DHT() *dht.IpfsDHT {
	return n.dht
}

// ID returns the peer ID
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns the full multiaddrs other peers can dial this node on
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}

	var addrs []string
	for _, addr := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", addr, n.host.ID()))
	}
	return addrs
}

// Connect connects to a peer
func (n *Node) Connect(ctx context.Context, peerAddr string) error {
	addrInfo, err := peer.AddrInfoFromString(peerAddr)
	if err != nil {
		return fmt.Errorf("failed to parse peer address: %w", err)
	}

	if err := n.host.Connect(ctx, *addrInfo); err != nil {
		return fmt.Errorf("failed to connect to peer: %w", err)
	}

	return nil
}
