package database

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
)

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS kv_store (
  k          VARCHAR(191)  NOT NULL,
  v          MEDIUMBLOB    NOT NULL,
  expires_at DATETIME(6)   NULL,
  updated_at TIMESTAMP(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
  PRIMARY KEY (k),
  KEY idx_kv_store_expires_at (expires_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS kv_store (
  k          TEXT        PRIMARY KEY,
  v          BYTEA       NOT NULL,
  expires_at TIMESTAMPTZ NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const postgresIndex = `CREATE INDEX IF NOT EXISTS idx_kv_store_expires_at ON kv_store (expires_at)`

// MigrateMySQL creates the kv_store table when missing. The binary
// collation keeps key comparison and LIKE prefix scans case-sensitive.
func MigrateMySQL(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, mysqlSchema)
	return err
}

// MigratePostgres creates the kv_store table when missing.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return err
	}
	_, err := pool.Exec(ctx, postgresIndex)
	return err
}

// PurgeExpiredMySQL deletes rows whose TTL has passed and returns how
// many were removed.
func PurgeExpiredMySQL(ctx context.Context, db *sql.DB) (int64, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at <= UTC_TIMESTAMP(6)`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeExpiredPostgres is the PostgreSQL counterpart of PurgeExpiredMySQL.
func PurgeExpiredPostgres(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
	tag, err := pool.Exec(ctx, `DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
