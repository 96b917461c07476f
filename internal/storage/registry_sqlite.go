package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/federated-storage/marketplace/internal/models"
)

// SQLiteStore is the registry store backed by a local SQLite file
type SQLiteStore struct {
	db *SQLiteDB
}

// NewSQLiteStore creates a registry store on top of db
func NewSQLiteStore(db *SQLiteDB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const selectFile = `SELECT hash, name, type, size, description, fee, is_published, reputation, created_at FROM files`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*models.FileRecord, error) {
	rec := &models.FileRecord{Providers: []models.ProviderEntry{}}
	var createdAt int64
	if err := row.Scan(&rec.Hash, &rec.Name, &rec.Type, &rec.Size, &rec.Description, &rec.Fee,
		&rec.IsPublished, &rec.Reputation, &createdAt); err != nil {
		return nil, err
	}
	rec.CreatedAt = fromMillis(createdAt)
	return rec, nil
}

// Put inserts rec or fully replaces the stored record and its provider set
func (s *SQLiteStore) Put(ctx context.Context, rec *models.FileRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	providers := models.DedupProviders(rec.Providers)
	now := nowMillis()

	tx, err := s.db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return models.NewStorageError("begin transaction", err)
	}
	defer tx.Rollback()

	var createdAt int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO files (hash, name, type, size, description, fee, is_published, reputation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (hash) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			description = excluded.description,
			fee = excluded.fee,
			is_published = excluded.is_published,
			reputation = excluded.reputation
		WHERE files.size = excluded.size
		RETURNING created_at
	`, rec.Hash, rec.Name, rec.Type, rec.Size, rec.Description, rec.Fee, rec.IsPublished, rec.Reputation, now).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: size of %s cannot change", models.ErrConflict, rec.Hash)
	}
	if err != nil {
		return models.NewStorageError("write file record", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM providers WHERE hash = ?`, rec.Hash); err != nil {
		return models.NewStorageError("clear providers", err)
	}
	for _, p := range providers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO providers (hash, peer_id, fee, updated_at) VALUES (?, ?, ?, ?)
		`, rec.Hash, p.PeerID, p.Fee, now); err != nil {
			return models.NewStorageError("write provider", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.NewStorageError("commit file record", err)
	}

	rec.CreatedAt = fromMillis(createdAt)
	rec.Providers = providers
	return nil
}

// Get returns the record for hash with its providers, read from one snapshot
func (s *SQLiteStore) Get(ctx context.Context, hash string) (*models.FileRecord, error) {
	tx, err := s.db.Read.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, models.NewStorageError("begin transaction", err)
	}
	defer tx.Rollback()

	rec, err := scanFile(tx.QueryRowContext(ctx, selectFile+` WHERE hash = ?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.NewStorageError("read file record", err)
	}

	rec.Providers, err = sqliteProviders(ctx, tx, hash)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func sqliteProviders(ctx context.Context, tx *sql.Tx, hash string) ([]models.ProviderEntry, error) {
	rows, err := tx.QueryContext(ctx, `SELECT peer_id, fee FROM providers WHERE hash = ? ORDER BY id`, hash)
	if err != nil {
		return nil, models.NewStorageError("read providers", err)
	}
	defer rows.Close()

	providers := []models.ProviderEntry{}
	for rows.Next() {
		var p models.ProviderEntry
		if err := rows.Scan(&p.PeerID, &p.Fee); err != nil {
			return nil, models.NewStorageError("scan provider", err)
		}
		providers = append(providers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewStorageError("read providers", err)
	}
	return providers, nil
}

// Delete removes the record for hash and its providers
func (s *SQLiteStore) Delete(ctx context.Context, hash string) error {
	res, err := s.db.Conn.ExecContext(ctx, `DELETE FROM files WHERE hash = ?`, hash)
	if err != nil {
		return models.NewStorageError("delete file record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.NewStorageError("delete file record", err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListAll returns every record ordered by hash, read from one snapshot
func (s *SQLiteStore) ListAll(ctx context.Context) ([]*models.FileRecord, error) {
	tx, err := s.db.Read.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, models.NewStorageError("begin transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, selectFile+` ORDER BY hash`)
	if err != nil {
		return nil, models.NewStorageError("list file records", err)
	}

	records := []*models.FileRecord{}
	byHash := make(map[string]*models.FileRecord)
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			rows.Close()
			return nil, models.NewStorageError("scan file record", err)
		}
		records = append(records, rec)
		byHash[rec.Hash] = rec
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, models.NewStorageError("list file records", err)
	}

	prows, err := tx.QueryContext(ctx, `SELECT hash, peer_id, fee FROM providers ORDER BY hash, id`)
	if err != nil {
		return nil, models.NewStorageError("list providers", err)
	}
	defer prows.Close()

	for prows.Next() {
		var hash string
		var p models.ProviderEntry
		if err := prows.Scan(&hash, &p.PeerID, &p.Fee); err != nil {
			return nil, models.NewStorageError("scan provider", err)
		}
		if rec, ok := byHash[hash]; ok {
			rec.Providers = append(rec.Providers, p)
		}
	}
	if err := prows.Err(); err != nil {
		return nil, models.NewStorageError("list providers", err)
	}

	return records, nil
}

// TogglePublish flips the publish state of hash in one statement. When expect is
// set the flip only happens if the current state equals *expect.
func (s *SQLiteStore) TogglePublish(ctx context.Context, hash string, expect *bool) (bool, error) {
	var want sql.NullBool
	if expect != nil {
		want = sql.NullBool{Bool: *expect, Valid: true}
	}

	var published bool
	err := s.db.Conn.QueryRowContext(ctx, `
		UPDATE files SET is_published = NOT is_published
		WHERE hash = ? AND (? IS NULL OR is_published = ?)
		RETURNING is_published
	`, hash, want, want).Scan(&published)
	if err == nil {
		return published, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, models.NewStorageError("toggle publish state", err)
	}

	var current bool
	err = s.db.Conn.QueryRowContext(ctx, `SELECT is_published FROM files WHERE hash = ?`, hash).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, models.ErrNotFound
	}
	if err != nil {
		return false, models.NewStorageError("read publish state", err)
	}
	return current, fmt.Errorf("%w: %s is_published is %t", models.ErrConflict, hash, current)
}

// UpdateMetadata changes the mutable description and fee of hash
func (s *SQLiteStore) UpdateMetadata(ctx context.Context, hash string, description *string, fee *float64) error {
	if fee != nil {
		if err := models.ValidateFee("fee", *fee); err != nil {
			return err
		}
	}

	res, err := s.db.Conn.ExecContext(ctx, `
		UPDATE files SET description = COALESCE(?, description), fee = COALESCE(?, fee)
		WHERE hash = ?
	`, description, fee, hash)
	if err != nil {
		return models.NewStorageError("update metadata", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.NewStorageError("update metadata", err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// UpsertProvider adds p to the providers of hash or replaces its fee
func (s *SQLiteStore) UpsertProvider(ctx context.Context, hash string, p models.ProviderEntry) error {
	if err := models.ValidateProvider(p); err != nil {
		return err
	}

	return s.withRecord(ctx, hash, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO providers (hash, peer_id, fee, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (hash, peer_id) DO UPDATE SET fee = excluded.fee, updated_at = excluded.updated_at
		`, hash, p.PeerID, p.Fee, nowMillis()); err != nil {
			return models.NewStorageError("write provider", err)
		}
		return nil
	})
}

// ListProviders returns the providers of hash in registration order
func (s *SQLiteStore) ListProviders(ctx context.Context, hash string) ([]models.ProviderEntry, error) {
	tx, err := s.db.Read.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, models.NewStorageError("begin transaction", err)
	}
	defer tx.Rollback()

	if err := sqliteRecordExists(ctx, tx, hash); err != nil {
		return nil, err
	}
	return sqliteProviders(ctx, tx, hash)
}

// DeleteProvider removes peerID from the providers of hash. Removing an
// absent provider is not an error.
func (s *SQLiteStore) DeleteProvider(ctx context.Context, hash, peerID string) error {
	return s.withRecord(ctx, hash, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM providers WHERE hash = ? AND peer_id = ?`, hash, peerID); err != nil {
			return models.NewStorageError("delete provider", err)
		}
		return nil
	})
}

func (s *SQLiteStore) withRecord(ctx context.Context, hash string, fn func(*sql.Tx) error) error {
	tx, err := s.db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return models.NewStorageError("begin transaction", err)
	}
	defer tx.Rollback()

	if err := sqliteRecordExists(ctx, tx, hash); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return models.NewStorageError("commit transaction", err)
	}
	return nil
}

func sqliteRecordExists(ctx context.Context, tx *sql.Tx, hash string) error {
	var found string
	err := tx.QueryRowContext(ctx, `SELECT hash FROM files WHERE hash = ?`, hash).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return models.NewStorageError("read file record", err)
	}
	return nil
}
