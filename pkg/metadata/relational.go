package metadata

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// schema mirrors the three-table layout the original MySQL manager
// used (file_metadata, file_location, file_upload_lock), translated to
// Postgres DDL: the pack carries no MySQL driver, so this backend
// speaks Postgres through lib/pq while keeping the "mysql" config mode
// name the original commands refer to.
const schema = `
CREATE TABLE IF NOT EXISTS file_metadata (
	storage_id TEXT PRIMARY KEY,
	file_hash  TEXT NOT NULL,
	filename   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS file_metadata_hash_idx ON file_metadata (file_hash);

CREATE TABLE IF NOT EXISTS file_location (
	file_hash    TEXT NOT NULL,
	datanode_addr TEXT NOT NULL,
	UNIQUE (file_hash, datanode_addr)
);

CREATE TABLE IF NOT EXISTS file_upload_lock (
	file_hash TEXT PRIMARY KEY,
	node_id   TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// SQLStore is the relational metadata backend, used when several name
// services share one database for cluster-wide consistency of the
// upload lock and committed-file index.
type SQLStore struct {
	db *sql.DB
}

func OpenSQLStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open relational metadata store")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping relational metadata store")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "apply metadata schema")
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) QueryByHash(ctx context.Context, hash string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT m.storage_id, m.file_hash, m.filename, m.created_at, l.datanode_addr
		FROM file_metadata m
		JOIN file_location l ON l.file_hash = m.file_hash
		WHERE m.file_hash = $1
		LIMIT 1`, hash)

	var rec Record
	if err := row.Scan(&rec.StorageID, &rec.Hash, &rec.Filename, &rec.CreatedAt, &rec.Location); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "query by hash")
	}
	return &rec, nil
}

func (s *SQLStore) QueryHashByStorageID(ctx context.Context, storageID string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT file_hash FROM file_metadata WHERE storage_id = $1`, storageID)

	var hash string
	if err := row.Scan(&hash); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", errors.Wrap(err, "query hash by storage id")
	}
	return hash, nil
}

func (s *SQLStore) LogAddFile(ctx context.Context, rec Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO file_metadata (storage_id, file_hash, filename, created_at) VALUES ($1, $2, $3, $4)`,
		rec.StorageID, rec.Hash, rec.Filename, rec.CreatedAt); err != nil {
		return errors.Wrap(err, "insert file_metadata")
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO file_location (file_hash, datanode_addr) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		rec.Hash, rec.Location); err != nil {
		return errors.Wrap(err, "insert file_location")
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM file_upload_lock WHERE file_hash = $1`, rec.Hash); err != nil {
		return errors.Wrap(err, "release upload lock on commit")
	}

	return tx.Commit()
}

func (s *SQLStore) TryAcquireUploadLock(ctx context.Context, hash, nodeID string, ttl time.Duration) (bool, error) {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM file_upload_lock WHERE file_hash = $1 AND expires_at < now()`, hash); err != nil {
		return false, errors.Wrap(err, "sweep expired upload lock")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_upload_lock (file_hash, node_id, expires_at) VALUES ($1, $2, $3)`,
		hash, nodeID, time.Now().Add(ttl))
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "insert upload lock")
	}
	return true, nil
}

func (s *SQLStore) ReleaseUploadLock(ctx context.Context, hash, nodeID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM file_upload_lock WHERE file_hash = $1 AND node_id = $2`, hash, nodeID)
	if err != nil {
		return errors.Wrap(err, "release upload lock")
	}
	return nil
}

func (s *SQLStore) Recover(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.storage_id, m.file_hash, m.filename, m.created_at, l.datanode_addr
		FROM file_metadata m
		JOIN file_location l ON l.file_hash = m.file_hash`)
	if err != nil {
		return nil, errors.Wrap(err, "recover metadata")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.StorageID, &rec.Hash, &rec.Filename, &rec.CreatedAt, &rec.Location); err != nil {
			return nil, errors.Wrap(err, "scan recovered record")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
