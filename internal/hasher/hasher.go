// Package hasher computes the canonical content digest of a file: a
// lowercase hex SHA-256 over the raw bytes, streamed so large inputs are
// never held in memory and long computations can be cancelled.
package hasher

import (
	"context"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	sha256 "github.com/minio/sha256-simd"
)

// BlockSize is the read size used when streaming content through the digest
const BlockSize = 64 * 1024

// Digest is the result of hashing a byte sequence
type Digest struct {
	Hex  string
	Size int64
}

// Sum streams r through SHA-256. It checks ctx between blocks and returns an
// error, and no digest, if r cannot be read to EOF.
func Sum(ctx context.Context, r io.Reader) (Digest, error) {
	h := sha256.New()
	n, err := copyContext(ctx, h, r)
	if err != nil {
		return Digest{}, err
	}
	return Digest{Hex: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

// SumBytes hashes an in-memory byte slice
func SumBytes(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest{Hex: hex.EncodeToString(sum[:]), Size: int64(len(data))}
}

// Verifier hashes everything written through it so the final digest can be
// compared against an expected one.
type Verifier struct {
	h hash.Hash
	n int64
}

// NewVerifier creates an empty verifier
func NewVerifier() *Verifier {
	return &Verifier{h: sha256.New()}
}

func (v *Verifier) Write(p []byte) (int, error) {
	n, _ := v.h.Write(p)
	v.n += int64(n)
	return n, nil
}

// Digest returns the digest of everything written so far
func (v *Verifier) Digest() Digest {
	return Digest{Hex: hex.EncodeToString(v.h.Sum(nil)), Size: v.n}
}

// Check returns an error if the written bytes do not hash to expected
func (v *Verifier) Check(expected string) error {
	got := v.Digest().Hex
	if got != expected {
		return fmt.Errorf("digest mismatch: expected %s, got %s", expected, got)
	}
	return nil
}

// CopyContext copies src to dst in BlockSize reads, aborting when ctx is done
func CopyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	return copyContext(ctx, dst, src)
}

func copyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, BlockSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("hash cancelled: %w", err)
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, fmt.Errorf("failed to write block: %w", werr)
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("failed to read content: %w", err)
		}
	}
}
