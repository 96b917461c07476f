package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/federated-storage/marketplace/internal/models"
)

// DownloadRequestProtocol carries download intents from requesters to providers
const DownloadRequestProtocol = protocol.ID("/federated-market/1.0.0/download-request")

const (
	maxMessageSize = 64 * 1024
	streamTimeout  = 30 * time.Second
)

var transferRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "market_download_requests_total",
	Help: "Download requests by direction and answer",
}, []string{"direction", "status"})

// ContentChecker reports whether content for a hash is held locally
type ContentChecker interface {
	Has(ctx context.Context, hash string) (bool, error)
}

// TransferService sends download intents to providers and answers the
// intents other peers send to this node
type TransferService struct {
	host    host.Host
	content ContentChecker
}

// NewTransferService creates the service and registers the protocol handler on h
func NewTransferService(h host.Host, content ContentChecker) *TransferService {
	t := &TransferService{host: h, content: content}
	h.SetStreamHandler(DownloadRequestProtocol, t.handleStream)
	return t
}

// Close removes the protocol handler
func (t *TransferService) Close() {
	t.host.RemoveStreamHandler(DownloadRequestProtocol)
}

// Dispatch sends intent to the provider it names and returns the provider's answer
func (t *TransferService) Dispatch(ctx context.Context, intent *models.DownloadIntent) (*models.TransferResponse, error) {
	pid, err := peer.Decode(intent.PeerID)
	if err != nil {
		return nil, fmt.Errorf("invalid peer ID: %w", err)
	}

	// The daemon is often a provider of its own uploads
	if pid == t.host.ID() {
		resp := t.Respond(ctx, intent)
		transferRequests.WithLabelValues("local", resp.Status).Inc()
		return resp, nil
	}

	// Open stream
	stream, err := t.host.NewStream(ctx, pid, DownloadRequestProtocol)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(streamTimeout)
	}
	stream.SetDeadline(deadline)

	if err := json.NewEncoder(stream).Encode(intent); err != nil {
		stream.Reset()
		return nil, fmt.Errorf("failed to send download request: %w", err)
	}
	if err := stream.CloseWrite(); err != nil {
		stream.Reset()
		return nil, fmt.Errorf("failed to send download request: %w", err)
	}

	var resp models.TransferResponse
	if err := json.NewDecoder(io.LimitReader(stream, maxMessageSize)).Decode(&resp); err != nil {
		stream.Reset()
		return nil, fmt.Errorf("failed to read download response: %w", err)
	}

	transferRequests.WithLabelValues("outbound", resp.Status).Inc()
	log.Infow("download request answered", "hash", intent.Hash, "peer", pid, "status", resp.Status)
	return &resp, nil
}

// Respond decides the answer to a download intent: accepted when the
// content is held locally, declined otherwise
func (t *TransferService) Respond(ctx context.Context, intent *models.DownloadIntent) *models.TransferResponse {
	resp := &models.TransferResponse{Hash: intent.Hash}

	if err := models.ValidateHash(intent.Hash); err != nil {
		resp.Status = models.TransferDeclined
		resp.Reason = err.Error()
		return resp
	}

	has, err := t.content.Has(ctx, intent.Hash)
	switch {
	case err != nil:
		log.Warnw("failed to check content", "hash", intent.Hash, "error", err)
		resp.Status = models.TransferDeclined
		resp.Reason = "content unavailable"
	case !has:
		resp.Status = models.TransferDeclined
		resp.Reason = "content not held by this provider"
	default:
		resp.Status = models.TransferAccepted
	}
	return resp
}

func (t *TransferService) handleStream(s network.Stream) {
	defer s.Close()
	s.SetDeadline(time.Now().Add(streamTimeout))

	remote := s.Conn().RemotePeer()
	line, err := bufio.NewReader(io.LimitReader(s, maxMessageSize)).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		log.Warnw("failed to read download request", "peer", remote, "error", err)
		s.Reset()
		return
	}

	var intent models.DownloadIntent
	var resp *models.TransferResponse
	if err := json.Unmarshal(line, &intent); err != nil {
		resp = &models.TransferResponse{Status: models.TransferDeclined, Reason: "malformed request"}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), streamTimeout)
		resp = t.Respond(ctx, &intent)
		cancel()
	}

	log.Infow("download request received", "peer", remote, "hash", intent.Hash, "status", resp.Status)
	transferRequests.WithLabelValues("inbound", resp.Status).Inc()

	if err := json.NewEncoder(s).Encode(resp); err != nil {
		log.Warnw("failed to write download response", "peer", remote, "error", err)
		s.Reset()
	}
}
