package models

import (
	"time"
)

// FileRecord represents a content-addressed file registered in the marketplace
type FileRecord struct {
	Hash        string          `db:"hash" json:"hash"`
	Name        string          `db:"name" json:"name"`
	Type        string          `db:"type" json:"type"`
	Size        int64           `db:"size" json:"size"`
	Description string          `db:"description" json:"description"`
	Fee         float64         `db:"fee" json:"fee"`
	IsPublished bool            `db:"is_published" json:"is_published"`
	Reputation  int             `db:"reputation" json:"reputation"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	Providers   []ProviderEntry `json:"providers"`
}

// ProviderEntry represents one peer offering to serve a file
type ProviderEntry struct {
	PeerID string  `db:"peer_id" json:"peer_id"`
	Fee    float64 `db:"fee" json:"fee"`
}

// Listing is the marketplace view of a published file
type Listing struct {
	Record    FileRecord      `json:"record"`
	Providers []ProviderEntry `json:"providers"`
}

// NetworkPeer is a peer that announced a hash on the DHT
type NetworkPeer struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs"`
}

// DownloadIntent is a negotiated request to fetch a file from one provider
type DownloadIntent struct {
	ID          string    `json:"id"`
	Hash        string    `json:"hash"`
	PeerID      string    `json:"peer_id"`
	Fee         float64   `json:"fee"`
	FileName    string    `json:"file_name"`
	RequesterID string    `json:"requester_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Transfer response statuses
const (
	TransferAccepted = "accepted"
	TransferDeclined = "declined"
)

// TransferResponse is a provider's answer to a download intent
type TransferResponse struct {
	Status string `json:"status"`
	Hash   string `json:"hash"`
	Reason string `json:"reason,omitempty"`
}

// Clone returns a deep copy of the record
func (r *FileRecord) Clone() *FileRecord {
	c := *r
	if r.Providers != nil {
		c.Providers = make([]ProviderEntry, len(r.Providers))
		copy(c.Providers, r.Providers)
	}
	return &c
}

// DedupProviders collapses duplicate peer IDs, keeping the last entry for
// each peer at the position of its first occurrence.
func DedupProviders(entries []ProviderEntry) []ProviderEntry {
	out := make([]ProviderEntry, 0, len(entries))
	index := make(map[string]int, len(entries))
	for _, e := range entries {
		if i, ok := index[e.PeerID]; ok {
			out[i] = e
			continue
		}
		index[e.PeerID] = len(out)
		out = append(out, e)
	}
	return out
}
