package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/federated-storage/marketplace/internal/models"
)

// PostgresStore is the registry store backed by PostgreSQL
type PostgresStore struct {
	db *DB
}

// NewPostgresStore creates a registry store on top of db
func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var snapshotTx = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

// Put inserts rec or fully replaces the stored record and its provider set
func (s *PostgresStore) Put(ctx context.Context, rec *models.FileRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	providers := models.DedupProviders(rec.Providers)
	now := nowMillis()

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return models.NewStorageError("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var createdAt int64
	err = tx.QueryRow(ctx, `
		INSERT INTO files (hash, name, type, size, description, fee, is_published, reputation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
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
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: size of %s cannot change", models.ErrConflict, rec.Hash)
	}
	if err != nil {
		return models.NewStorageError("write file record", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM providers WHERE hash = $1`, rec.Hash); err != nil {
		return models.NewStorageError("clear providers", err)
	}
	for _, p := range providers {
		if _, err := tx.Exec(ctx, `
			INSERT INTO providers (hash, peer_id, fee, updated_at) VALUES ($1, $2, $3, $4)
		`, rec.Hash, p.PeerID, p.Fee, now); err != nil {
			return models.NewStorageError("write provider", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.NewStorageError("commit file record", err)
	}

	rec.CreatedAt = fromMillis(createdAt)
	rec.Providers = providers
	return nil
}

// Get returns the record for hash with its providers, read from one snapshot
func (s *PostgresStore) Get(ctx context.Context, hash string) (*models.FileRecord, error) {
	tx, err := s.db.Pool.BeginTx(ctx, snapshotTx)
	if err != nil {
		return nil, models.NewStorageError("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var rec models.FileRecord
	var createdAt int64
	err = tx.QueryRow(ctx, `
		SELECT hash, name, type, size, description, fee, is_published, reputation, created_at
		FROM files WHERE hash = $1
	`, hash).Scan(&rec.Hash, &rec.Name, &rec.Type, &rec.Size, &rec.Description, &rec.Fee,
		&rec.IsPublished, &rec.Reputation, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.NewStorageError("read file record", err)
	}
	rec.CreatedAt = fromMillis(createdAt)

	rec.Providers, err = s.providers(ctx, tx, hash)
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

func (s *PostgresStore) providers(ctx context.Context, tx pgx.Tx, hash string) ([]models.ProviderEntry, error) {
	rows, err := tx.Query(ctx, `SELECT peer_id, fee FROM providers WHERE hash = $1 ORDER BY id`, hash)
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
func (s *PostgresStore) Delete(ctx context.Context, hash string) error {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM files WHERE hash = $1`, hash)
	if err != nil {
		return models.NewStorageError("delete file record", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListAll returns every record ordered by hash, read from one snapshot
func (s *PostgresStore) ListAll(ctx context.Context) ([]*models.FileRecord, error) {
	tx, err := s.db.Pool.BeginTx(ctx, snapshotTx)
	if err != nil {
		return nil, models.NewStorageError("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT hash, name, type, size, description, fee, is_published, reputation, created_at
		FROM files ORDER BY hash
	`)
	if err != nil {
		return nil, models.NewStorageError("list file records", err)
	}

	records := []*models.FileRecord{}
	byHash := make(map[string]*models.FileRecord)
	for rows.Next() {
		rec := &models.FileRecord{Providers: []models.ProviderEntry{}}
		var createdAt int64
		if err := rows.Scan(&rec.Hash, &rec.Name, &rec.Type, &rec.Size, &rec.Description, &rec.Fee,
			&rec.IsPublished, &rec.Reputation, &createdAt); err != nil {
			rows.Close()
			return nil, models.NewStorageError("scan file record", err)
		}
		rec.CreatedAt = fromMillis(createdAt)
		records = append(records, rec)
		byHash[rec.Hash] = rec
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, models.NewStorageError("list file records", err)
	}

	prows, err := tx.Query(ctx, `SELECT hash, peer_id, fee FROM providers ORDER BY hash, id`)
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
func (s *PostgresStore) TogglePublish(ctx context.Context, hash string, expect *bool) (bool, error) {
	var published bool
	err := s.db.Pool.QueryRow(ctx, `
		UPDATE files SET is_published = NOT is_published
		WHERE hash = $1 AND ($2::boolean IS NULL OR is_published = $2::boolean)
		RETURNING is_published
	`, hash, expect).Scan(&published)
	if err == nil {
		return published, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, models.NewStorageError("toggle publish state", err)
	}

	var current bool
	err = s.db.Pool.QueryRow(ctx, `SELECT is_published FROM files WHERE hash = $1`, hash).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, models.ErrNotFound
	}
	if err != nil {
		return false, models.NewStorageError("read publish state", err)
	}
	return current, fmt.Errorf("%w: %s is_published is %t", models.ErrConflict, hash, current)
}

// UpdateMetadata changes the mutable description and fee of hash
func (s *PostgresStore) UpdateMetadata(ctx context.Context, hash string, description *string, fee *float64) error {
	if fee != nil {
		if err := models.ValidateFee("fee", *fee); err != nil {
			return err
		}
	}

	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE files SET
			description = COALESCE($2::text, description),
			fee = COALESCE($3::double precision, fee)
		WHERE hash = $1
	`, hash, description, fee)
	if err != nil {
		return models.NewStorageError("update metadata", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// UpsertProvider adds p to the providers of hash or replaces its fee
func (s *PostgresStore) UpsertProvider(ctx context.Context, hash string, p models.ProviderEntry) error {
	if err := models.ValidateProvider(p); err != nil {
		return err
	}

	return s.withRecord(ctx, hash, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO providers (hash, peer_id, fee, updated_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (hash, peer_id) DO UPDATE SET fee = excluded.fee, updated_at = excluded.updated_at
		`, hash, p.PeerID, p.Fee, nowMillis()); err != nil {
			return models.NewStorageError("write provider", err)
		}
		return nil
	})
}

// ListProviders returns the providers of hash in registration order
func (s *PostgresStore) ListProviders(ctx context.Context, hash string) ([]models.ProviderEntry, error) {
	tx, err := s.db.Pool.BeginTx(ctx, snapshotTx)
	if err != nil {
		return nil, models.NewStorageError("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := recordExists(ctx, tx, hash); err != nil {
		return nil, err
	}
	return s.providers(ctx, tx, hash)
}

// DeleteProvider removes peerID from the providers of hash. Removing an
// absent provider is not an error.
func (s *PostgresStore) DeleteProvider(ctx context.Context, hash, peerID string) error {
	return s.withRecord(ctx, hash, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM providers WHERE hash = $1 AND peer_id = $2`, hash, peerID); err != nil {
			return models.NewStorageError("delete provider", err)
		}
		return nil
	})
}

// withRecord runs fn in a transaction after locking the record row of hash
func (s *PostgresStore) withRecord(ctx context.Context, hash string, fn func(pgx.Tx) error) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return models.NewStorageError("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var locked string
	err = tx.QueryRow(ctx, `SELECT hash FROM files WHERE hash = $1 FOR UPDATE`, hash).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return models.NewStorageError("lock file record", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.NewStorageError("commit transaction", err)
	}
	return nil
}

func recordExists(ctx context.Context, tx pgx.Tx, hash string) error {
	var found string
	err := tx.QueryRow(ctx, `SELECT hash FROM files WHERE hash = $1`, hash).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return models.NewStorageError("read file record", err)
	}
	return nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
