package hasher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSum(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected string
	}{
		{
			name:     "empty data",
			data:     []byte{},
			expected: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		{
			name:     "simple text",
			data:     []byte("hello world"),
			expected: "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
		},
		{
			name: "spans several blocks",
			data: bytes.Repeat([]byte{0x5a}, 3*BlockSize+17),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Sum(context.Background(), bytes.NewReader(tt.data))
			require.NoError(t, err)

			assert.Len(t, d.Hex, 64, "Hash should be 64 hex characters")
			assert.Equal(t, int64(len(tt.data)), d.Size)
			if tt.expected != "" {
				assert.Equal(t, tt.expected, d.Hex)
			}

			// Streaming and in-memory digests agree
			assert.Equal(t, d, SumBytes(tt.data))

			// Determinism
			d2, err := Sum(context.Background(), bytes.NewReader(tt.data))
			require.NoError(t, err)
			assert.Equal(t, d.Hex, d2.Hex)
		})
	}
}

func TestSum_DifferentInputs(t *testing.T) {
	a := SumBytes([]byte("0123456789"))
	b := SumBytes([]byte("0123456788"))
	assert.NotEqual(t, a.Hex, b.Hex)
}

type failingReader struct {
	remaining int
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.remaining == 0 {
		return 0, errors.New("device unplugged")
	}
	n := min(len(p), r.remaining)
	r.remaining -= n
	return n, nil
}

func TestSum_ReadError(t *testing.T) {
	d, err := Sum(context.Background(), &failingReader{remaining: BlockSize + 3})
	require.Error(t, err)
	assert.Empty(t, d.Hex, "no digest on a truncated read")
}

func TestSum_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, err := Sum(ctx, bytes.NewReader(make([]byte, 10)))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, d.Hex)
}

func TestVerifier(t *testing.T) {
	data := []byte("content addressed")
	want := SumBytes(data)

	v := NewVerifier()
	_, err := io.Copy(v, bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, want, v.Digest())
	assert.NoError(t, v.Check(want.Hex))
	assert.Error(t, v.Check(SumBytes([]byte("other")).Hex))
}
