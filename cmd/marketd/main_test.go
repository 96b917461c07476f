package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/federated-storage/marketplace/internal/bytestore"
	"github.com/federated-storage/marketplace/internal/config"
	"github.com/federated-storage/marketplace/internal/handlers"
	"github.com/federated-storage/marketplace/internal/services"
)

// setupTestServer starts the full router over a temp-dir SQLite registry
func setupTestServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "registry.db")
	cfg.Storage.BlobDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	store, closeStore, err := openRegistry(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(closeStore)

	blobs, err := bytestore.New(cfg.Storage.BlobDir, cfg.Storage.Compression)
	require.NoError(t, err)

	registry := services.NewRegistryService(store)
	h := &handlers.Handlers{
		Files:     handlers.NewFileHandler(services.NewIngestService(blobs, registry), registry),
		Providers: handlers.NewProviderHandler(registry),
		Market:    handlers.NewMarketHandler(services.NewLookupService(registry, nil, 0)),
	}

	router := newRouter(cfg, h, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func TestHealthEndpoint(t *testing.T) {
	server := setupTestServer(t, nil)

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "healthy", result["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	server := setupTestServer(t, nil)

	resp, err := http.Get(server.URL + "/api/v1/files")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "market_http_requests_total")
}

func TestConcurrentRequests(t *testing.T) {
	server := setupTestServer(t, nil)

	concurrency := 10
	done := make(chan bool, concurrency)

	for i := 0; i < concurrency; i++ {
		go func() {
			resp, err := http.Get(server.URL + "/api/v1/files")
			if resp != nil {
				resp.Body.Close()
			}
			done <- err == nil && resp.StatusCode == http.StatusOK
		}()
	}

	success := 0
	for i := 0; i < concurrency; i++ {
		if <-done {
			success++
		}
	}

	assert.Equal(t, concurrency, success, "All concurrent requests should succeed")
}

func TestCORSHeaders(t *testing.T) {
	server := setupTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodOptions, server.URL+"/api/v1/files/upload", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRequestValidation(t *testing.T) {
	server := setupTestServer(t, nil)
	hash := strings.Repeat("ab", 32)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{
			name:       "invalid json in update",
			method:     http.MethodPatch,
			path:       "/api/v1/files/" + hash,
			body:       "not valid json",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing peer in select",
			method:     http.MethodPost,
			path:       "/api/v1/market/files/" + hash + "/select",
			body:       `{"requester_id": "me"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid expect in publish",
			method:     http.MethodPost,
			path:       "/api/v1/files/" + hash + "/publish?expect=maybe",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown file",
			method:     http.MethodGet,
			path:       "/api/v1/files/" + hash,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "upload without file",
			method:     http.MethodPost,
			path:       "/api/v1/files/upload",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid method for health",
			method:     http.MethodPost,
			path:       "/health",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, server.URL+tt.path, bytes.NewBufferString(tt.body))
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}

			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestUploadFlow(t *testing.T) {
	server := setupTestServer(t, func(cfg *config.Config) {
		cfg.Server.MaxUploadBytes = 4096
	})

	upload := func(content []byte) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", "test.txt")
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/files/upload", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		w := httptest.NewRecorder()
		server.Config.Handler.ServeHTTP(w, req)
		return w
	}

	w := upload([]byte("small enough"))
	assert.Equal(t, http.StatusCreated, w.Code)

	w = upload(bytes.Repeat([]byte("x"), 64*1024))
	assert.Contains(t, []int{http.StatusRequestEntityTooLarge, http.StatusBadRequest}, w.Code)

	resp, err := http.Get(server.URL + "/api/v1/files")
	require.NoError(t, err)
	defer resp.Body.Close()

	var result struct {
		Files []json.RawMessage `json:"files"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Len(t, result.Files, 1)
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing file falls back to defaults", func(t *testing.T) {
		t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.toml"))
		t.Setenv("MARKET_SERVER_PORT", "9191")

		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, 9191, cfg.Server.Port)
		assert.Equal(t, config.DriverSQLite, cfg.Database.Driver)
	})

	t.Run("invalid settings are rejected", func(t *testing.T) {
		t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.toml"))
		t.Setenv("MARKET_DATABASE_DRIVER", "mysql")

		_, err := loadConfig()
		assert.Error(t, err)
	})
}
