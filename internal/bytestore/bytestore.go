// Package bytestore is the content-addressed blob store that keeps the raw
// bytes of ingested files on local disk, keyed by their digest.
package bytestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/federated-storage/marketplace/internal/hasher"
	"github.com/federated-storage/marketplace/internal/models"
)

var log = logging.Logger("bytestore")

// Supported at-rest encodings
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

const zstdSuffix = ".zst"

// ErrDigestMismatch is returned when the bytes offered for a hash do not hash to it
var ErrDigestMismatch = errors.New("content does not match digest")

// Store keeps blobs in a two-level fan-out directory under dir
type Store struct {
	dir         string
	compression string
}

// New creates a byte store rooted at dir
func New(dir, compression string) (*Store, error) {
	switch compression {
	case "", CompressionNone:
		compression = CompressionNone
	case CompressionZstd:
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	return &Store{dir: dir, compression: compression}, nil
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.dir, hash[:2], hash[2:4], hash)
}

// locate returns the on-disk path of hash and whether it is zstd-encoded
func (s *Store) locate(hash string) (string, bool, error) {
	base := s.path(hash)
	for _, candidate := range []struct {
		path string
		zstd bool
	}{{base, false}, {base + zstdSuffix, true}} {
		_, err := os.Stat(candidate.path)
		if err == nil {
			return candidate.path, candidate.zstd, nil
		}
		if !os.IsNotExist(err) {
			return "", false, err
		}
	}
	return "", false, os.ErrNotExist
}

// Store persists the content read from r under hash. The content is re-hashed
// while it is written and nothing is committed unless it matches hash.
// Storing a hash that is already present verifies the bytes and is a no-op.
func (s *Store) Store(ctx context.Context, hash string, r io.Reader) error {
	if err := models.ValidateHash(hash); err != nil {
		return err
	}

	dirPath := filepath.Dir(s.path(hash))
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return models.NewStorageError("create blob directory", err)
	}

	tmp, err := os.CreateTemp(dirPath, ".tmp-"+hash[:8]+"-*")
	if err != nil {
		return models.NewStorageError("create temp blob", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	verifier := hasher.NewVerifier()
	var sink io.Writer = tmp
	var enc *zstd.Encoder
	if s.compression == CompressionZstd {
		enc, err = zstd.NewWriter(tmp)
		if err != nil {
			return models.NewStorageError("create zstd encoder", err)
		}
		sink = enc
	}

	if _, err := hasher.CopyContext(ctx, io.MultiWriter(verifier, sink), r); err != nil {
		if enc != nil {
			enc.Close()
		}
		return models.NewStorageError("write blob", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return models.NewStorageError("flush zstd stream", err)
		}
	}

	if err := verifier.Check(hash); err != nil {
		return fmt.Errorf("%w: %v", ErrDigestMismatch, err)
	}

	if _, _, err := s.locate(hash); err == nil {
		log.Debugw("blob already present", "hash", hash)
		return nil
	}

	if err := tmp.Sync(); err != nil {
		return models.NewStorageError("fsync blob", err)
	}
	if err := tmp.Close(); err != nil {
		return models.NewStorageError("close blob", err)
	}

	finalPath := s.path(hash)
	if enc != nil {
		finalPath += zstdSuffix
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return models.NewStorageError("commit blob", err)
	}
	committed = true

	log.Debugw("blob stored", "hash", hash, "size", verifier.Digest().Size, "compression", s.compression)
	return nil
}

type zstdReadCloser struct {
	*zstd.Decoder
	f *os.File
}

func (z *zstdReadCloser) Close() error {
	z.Decoder.Close()
	return z.f.Close()
}

// Fetch opens the blob for hash. The caller must close the returned reader.
func (s *Store) Fetch(ctx context.Context, hash string) (io.ReadCloser, error) {
	if err := models.ValidateHash(hash); err != nil {
		return nil, models.ErrNotFound
	}

	p, compressed, err := s.locate(hash)
	if errors.Is(err, os.ErrNotExist) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.NewStorageError("stat blob", err)
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, models.NewStorageError("open blob", err)
	}
	if !compressed {
		return f, nil
	}

	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, models.NewStorageError("create zstd decoder", err)
	}
	return &zstdReadCloser{Decoder: dec, f: f}, nil
}

// Has reports whether a blob for hash is present
func (s *Store) Has(ctx context.Context, hash string) (bool, error) {
	if models.ValidateHash(hash) != nil {
		return false, nil
	}
	_, _, err := s.locate(hash)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, models.NewStorageError("stat blob", err)
	}
	return true, nil
}

// Delete removes the blob for hash. Deleting a missing blob is not an error.
func (s *Store) Delete(ctx context.Context, hash string) error {
	if models.ValidateHash(hash) != nil {
		return nil
	}
	for _, p := range []string{s.path(hash), s.path(hash) + zstdSuffix} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return models.NewStorageError("delete blob", err)
		}
	}
	return nil
}
