package models

import (
	"errors"
	"fmt"
	"math"
)

// Error kinds shared by the registry, the services and the HTTP layer
var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInvalidSelection    = errors.New("invalid selection")
	ErrStorageFailure      = errors.New("storage failure")
	ErrStoredNotRegistered = errors.New("stored but not registered")
)

// HashLength is the length of a hex-encoded SHA-256 digest
const HashLength = 64

// ValidationError describes malformed input
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is reports ErrValidation as the error kind
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StorageError wraps a failure of the registry backing store or the byte store
type StorageError struct {
	Op  string
	Err error
}

// NewStorageError wraps err as a storage failure of op
func NewStorageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is reports ErrStorageFailure as the error kind
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFailure
}

// RegistrationError is returned when bytes were stored but the registry write failed.
// The caller can retry registration for Hash without re-uploading.
type RegistrationError struct {
	Hash string
	Err  error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("file %s stored but not registered: %v", e.Hash, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// Is reports ErrStoredNotRegistered as the error kind
func (e *RegistrationError) Is(target error) bool {
	return target == ErrStoredNotRegistered
}

// ValidateHash checks that hash is a lowercase hex SHA-256 digest
func ValidateHash(hash string) error {
	if hash == "" {
		return &ValidationError{Field: "hash", Reason: "must not be empty"}
	}
	if len(hash) != HashLength {
		return &ValidationError{Field: "hash", Reason: fmt.Sprintf("must be %d hex characters", HashLength)}
	}
	for _, c := range hash {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return &ValidationError{Field: "hash", Reason: "must be lowercase hexadecimal"}
		}
	}
	return nil
}

// ValidateFee checks that a fee is a finite non-negative number
func ValidateFee(field string, fee float64) error {
	if math.IsNaN(fee) || math.IsInf(fee, 0) {
		return &ValidationError{Field: field, Reason: "must be a finite number"}
	}
	if fee < 0 {
		return &ValidationError{Field: field, Reason: "must not be negative"}
	}
	return nil
}

// ValidateProvider checks a single provider entry
func ValidateProvider(p ProviderEntry) error {
	if p.PeerID == "" {
		return &ValidationError{Field: "peer_id", Reason: "must not be empty"}
	}
	return ValidateFee("provider fee", p.Fee)
}

// Validate checks the record fields a registry write depends on
func (r *FileRecord) Validate() error {
	if err := ValidateHash(r.Hash); err != nil {
		return err
	}
	if r.Size < 0 {
		return &ValidationError{Field: "size", Reason: "must not be negative"}
	}
	if err := ValidateFee("fee", r.Fee); err != nil {
		return err
	}
	for _, p := range r.Providers {
		if err := ValidateProvider(p); err != nil {
			return err
		}
	}
	return nil
}

// Error kind names reported to API clients
const (
	KindValidation          = "validation"
	KindNotFound            = "not_found"
	KindConflict            = "conflict"
	KindInvalidSelection    = "invalid_selection"
	KindStorageFailure      = "storage_failure"
	KindStoredNotRegistered = "stored_not_registered"
	KindInternal            = "internal"
	KindBusy                = "busy"
)

// Kind returns the machine-readable kind of err
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidSelection):
		return KindInvalidSelection
	case errors.Is(err, ErrStoredNotRegistered):
		return KindStoredNotRegistered
	case errors.Is(err, ErrStorageFailure):
		return KindStorageFailure
	default:
		return KindInternal
	}
}
