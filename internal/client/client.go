package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/federated-storage/marketplace/internal/models"
	"github.com/federated-storage/marketplace/internal/services"
)

// APIError is a non-2xx answer from the market daemon
type APIError struct {
	Status  int
	Kind    string
	Message string
	Hash    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status: %d", e.Status)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// Is maps the error kind reported by the daemon onto the models sentinels
func (e *APIError) Is(target error) bool {
	switch e.Kind {
	case models.KindValidation:
		return target == models.ErrValidation
	case models.KindNotFound:
		return target == models.ErrNotFound
	case models.KindConflict:
		return target == models.ErrConflict
	case models.KindInvalidSelection:
		return target == models.ErrInvalidSelection
	case models.KindStorageFailure:
		return target == models.ErrStorageFailure
	case models.KindStoredNotRegistered:
		return target == models.ErrStoredNotRegistered
	}
	return false
}

// Client talks to the HTTP API of a market daemon
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the daemon at baseURL
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Health returns the daemon's health report
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var result map[string]any
	if err := c.do(ctx, http.MethodGet, "/health", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// UploadOptions are the optional form fields of an upload
type UploadOptions struct {
	Type        string
	Description string
	Fee         float64
}

// Upload sends the file at path to the daemon, which hashes, stores and registers it
func (c *Client) Upload(ctx context.Context, path string, opts UploadOptions) (*models.FileRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadForm(mw, filepath.Base(path), f, opts))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/files/upload", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var result struct {
		File *models.FileRecord `json:"file"`
	}
	if err := c.send(req, &result); err != nil {
		pr.Close()
		return nil, err
	}
	return result.File, nil
}

func writeUploadForm(mw *multipart.Writer, name string, content io.Reader, opts UploadOptions) error {
	fields := map[string]string{
		"type":        opts.Type,
		"description": opts.Description,
		"fee":         strconv.FormatFloat(opts.Fee, 'f', -1, 64),
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}

	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return mw.Close()
}

// RegisterFile registers content that is already in the daemon's byte store.
// It is the retry path after an upload answered stored_not_registered.
func (c *Client) RegisterFile(ctx context.Context, hash string, meta services.Metadata) (*models.FileRecord, error) {
	var result struct {
		File *models.FileRecord `json:"file"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/files/"+url.PathEscape(hash)+"/register", meta, &result); err != nil {
		return nil, err
	}
	return result.File, nil
}

// ListFiles returns every registered file, published or not
func (c *Client) ListFiles(ctx context.Context) ([]*models.FileRecord, error) {
	var result struct {
		Files []*models.FileRecord `json:"files"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/files", nil, &result); err != nil {
		return nil, err
	}
	return result.Files, nil
}

// GetFile returns the record for hash
func (c *Client) GetFile(ctx context.Context, hash string) (*models.FileRecord, error) {
	var result struct {
		File *models.FileRecord `json:"file"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/files/"+url.PathEscape(hash), nil, &result); err != nil {
		return nil, err
	}
	return result.File, nil
}

// Download copies the stored content of hash to w
func (c *Client) Download(ctx context.Context, hash string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/files/"+url.PathEscape(hash)+"/content", nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, decodeError(resp)
	}
	return io.Copy(w, resp.Body)
}

// UpdateFile changes the description and/or fee of a record. Nil fields are left unchanged.
func (c *Client) UpdateFile(ctx context.Context, hash string, description *string, fee *float64) (*models.FileRecord, error) {
	body := map[string]any{}
	if description != nil {
		body["description"] = *description
	}
	if fee != nil {
		body["fee"] = *fee
	}

	var result struct {
		File *models.FileRecord `json:"file"`
	}
	if err := c.do(ctx, http.MethodPatch, "/api/v1/files/"+url.PathEscape(hash), body, &result); err != nil {
		return nil, err
	}
	return result.File, nil
}

// DeleteFile removes a record and its stored content
func (c *Client) DeleteFile(ctx context.Context, hash string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/files/"+url.PathEscape(hash), nil, nil)
}

// TogglePublish flips the publish state of hash and returns the new state.
// With expect set, the daemon only flips when the current state equals *expect.
func (c *Client) TogglePublish(ctx context.Context, hash string, expect *bool) (bool, error) {
	path := "/api/v1/files/" + url.PathEscape(hash) + "/publish"
	if expect != nil {
		path += "?expect=" + strconv.FormatBool(*expect)
	}

	var result struct {
		IsPublished bool `json:"is_published"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, &result); err != nil {
		return false, err
	}
	return result.IsPublished, nil
}

// ListProviders returns the deduplicated provider list of hash
func (c *Client) ListProviders(ctx context.Context, hash string) ([]models.ProviderEntry, error) {
	var result struct {
		Providers []models.ProviderEntry `json:"providers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/files/"+url.PathEscape(hash)+"/providers", nil, &result); err != nil {
		return nil, err
	}
	return result.Providers, nil
}

// AddProvider adds peerID as a provider of hash, or updates its fee
func (c *Client) AddProvider(ctx context.Context, hash, peerID string, fee float64) error {
	path := "/api/v1/files/" + url.PathEscape(hash) + "/providers/" + url.PathEscape(peerID)
	return c.do(ctx, http.MethodPut, path, map[string]float64{"fee": fee}, nil)
}

// RemoveProvider removes peerID from the providers of hash
func (c *Client) RemoveProvider(ctx context.Context, hash, peerID string) error {
	path := "/api/v1/files/" + url.PathEscape(hash) + "/providers/" + url.PathEscape(peerID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// FindFile looks up a published file by exact hash
func (c *Client) FindFile(ctx context.Context, hash string) (*models.Listing, error) {
	var listing models.Listing
	if err := c.do(ctx, http.MethodGet, "/api/v1/market/files/"+url.PathEscape(hash), nil, &listing); err != nil {
		return nil, err
	}
	return &listing, nil
}

// FindPeers returns the peers that announced hash on the DHT
func (c *Client) FindPeers(ctx context.Context, hash string) ([]models.NetworkPeer, error) {
	var result struct {
		Peers []models.NetworkPeer `json:"peers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/market/files/"+url.PathEscape(hash)+"/peers", nil, &result); err != nil {
		return nil, err
	}
	return result.Peers, nil
}

// SelectProvider chooses peerID for hash and returns the negotiation outcome
func (c *Client) SelectProvider(ctx context.Context, hash, peerID, requesterID string) (*services.Negotiation, error) {
	body := map[string]string{"peer_id": peerID, "requester_id": requesterID}

	var result services.Negotiation
	if err := c.do(ctx, http.MethodPost, "/api/v1/market/files/"+url.PathEscape(hash)+"/select", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}

	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
		Hash  string `json:"hash"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &body); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}

	apiErr.Message = body.Error
	apiErr.Kind = body.Kind
	apiErr.Hash = body.Hash
	return apiErr
}

// IsKind reports whether err is an APIError of the given kind
func IsKind(err error, kind string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}
