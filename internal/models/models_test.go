package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupProviders(t *testing.T) {
	tests := []struct {
		name    string
		entries []ProviderEntry
		want    []ProviderEntry
	}{
		{
			name:    "empty",
			entries: nil,
			want:    []ProviderEntry{},
		},
		{
			name: "no duplicates",
			entries: []ProviderEntry{
				{PeerID: "P1", Fee: 0.2},
				{PeerID: "P2", Fee: 0.5},
			},
			want: []ProviderEntry{
				{PeerID: "P1", Fee: 0.2},
				{PeerID: "P2", Fee: 0.5},
			},
		},
		{
			name: "last write wins",
			entries: []ProviderEntry{
				{PeerID: "P1", Fee: 0.2},
				{PeerID: "P2", Fee: 0.5},
				{PeerID: "P1", Fee: 0.9},
			},
			want: []ProviderEntry{
				{PeerID: "P1", Fee: 0.9},
				{PeerID: "P2", Fee: 0.5},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DedupProviders(tt.entries))
		})
	}
}

func TestFileRecord_Validate(t *testing.T) {
	valid := strings.Repeat("ab", 32)

	tests := []struct {
		name    string
		record  FileRecord
		wantErr bool
	}{
		{name: "valid", record: FileRecord{Hash: valid, Size: 10, Fee: 0.1}},
		{name: "empty hash", record: FileRecord{Hash: "", Size: 10}, wantErr: true},
		{name: "short hash", record: FileRecord{Hash: "abcd", Size: 10}, wantErr: true},
		{name: "uppercase hash", record: FileRecord{Hash: strings.ToUpper(valid), Size: 10}, wantErr: true},
		{name: "negative size", record: FileRecord{Hash: valid, Size: -1}, wantErr: true},
		{name: "negative fee", record: FileRecord{Hash: valid, Fee: -0.5}, wantErr: true},
		{name: "nan fee", record: FileRecord{Hash: valid, Fee: math.NaN()}, wantErr: true},
		{
			name:    "provider without peer id",
			record:  FileRecord{Hash: valid, Providers: []ProviderEntry{{PeerID: "", Fee: 1}}},
			wantErr: true,
		},
		{
			name:    "provider negative fee",
			record:  FileRecord{Hash: valid, Providers: []ProviderEntry{{PeerID: "P1", Fee: -1}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("disk full")

	storageErr := NewStorageError("write blob", cause)
	assert.ErrorIs(t, storageErr, ErrStorageFailure)
	assert.ErrorIs(t, storageErr, cause)
	assert.NotErrorIs(t, storageErr, ErrNotFound)

	regErr := &RegistrationError{Hash: "abc", Err: storageErr}
	assert.ErrorIs(t, regErr, ErrStoredNotRegistered)
	assert.ErrorIs(t, regErr, ErrStorageFailure)

	var target *RegistrationError
	assert.True(t, errors.As(regErr, &target))
	assert.Equal(t, "abc", target.Hash)
}

func TestFileRecord_Clone(t *testing.T) {
	rec := &FileRecord{Hash: "h", Providers: []ProviderEntry{{PeerID: "P1", Fee: 1}}}
	c := rec.Clone()
	c.Providers[0].Fee = 2

	assert.Equal(t, 1.0, rec.Providers[0].Fee)
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: &ValidationError{Field: "hash", Reason: "empty"}, want: KindValidation},
		{err: ErrNotFound, want: KindNotFound},
		{err: fmt.Errorf("%w: raced", ErrConflict), want: KindConflict},
		{err: ErrInvalidSelection, want: KindInvalidSelection},
		{err: NewStorageError("write", errors.New("io")), want: KindStorageFailure},
		{err: &RegistrationError{Hash: "h", Err: NewStorageError("write", errors.New("io"))}, want: KindStoredNotRegistered},
		{err: errors.New("boom"), want: KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}
