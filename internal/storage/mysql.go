package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQL is a Store backed by the kv_store table (see database.MigrateMySQL).
// Expiry is enforced on read; expired rows are reclaimed lazily by
// PutIfAbsent and by database.PurgeExpired.
type MySQL struct {
	db *sql.DB
}

// NewMySQL wraps an open pool.
func NewMySQL(db *sql.DB) *MySQL { return &MySQL{db: db} }

// expiry converts a ttl into the nullable expires_at column value.
func expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := time.Now().UTC().Add(ttl)
	return &t
}

// likePrefix escapes LIKE wildcards in prefix and appends %.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func (m *MySQL) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := m.db.QueryRowContext(ctx,
		`SELECT v FROM kv_store WHERE k = ? AND (expires_at IS NULL OR expires_at > UTC_TIMESTAMP(6))`,
		key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

func (m *MySQL) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO kv_store (k, v, expires_at) VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE v = VALUES(v), expires_at = VALUES(expires_at)`,
		key, value, expiry(ttl))
	return err
}

// PutIfAbsent inserts, or takes over a row that has already expired, in
// a single statement, mirroring the Postgres upsert. expires_at must be
// assigned last so both conditions see the old value. Affected rows are
// 1 for an insert, 2 for a takeover and 0 when a live row was kept.
func (m *MySQL) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	res, err := m.db.ExecContext(ctx,
		`INSERT INTO kv_store (k, v, expires_at) VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE
		   v = IF(expires_at IS NOT NULL AND expires_at <= UTC_TIMESTAMP(6), VALUES(v), v),
		   expires_at = IF(expires_at IS NOT NULL AND expires_at <= UTC_TIMESTAMP(6), VALUES(expires_at), expires_at)`,
		key, value, expiry(ttl))
	if lostRace(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1 || n == 2, nil
}

// lostRace reports InnoDB deadlock and lock-wait timeouts. Under
// create-if-absent they only mean another writer is on the same key.
func lostRace(err error) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	return me.Number == 1213 || me.Number == 1205
}

func (m *MySQL) DeleteIfEqual(ctx context.Context, key string, expected []byte) (bool, error) {
	res, err := m.db.ExecContext(ctx, `DELETE FROM kv_store WHERE k = ? AND v = ?`, key, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (m *MySQL) Delete(ctx context.Context, key string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM kv_store WHERE k = ?`, key)
	return err
}

func (m *MySQL) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT k FROM kv_store
		 WHERE k LIKE ? AND (expires_at IS NULL OR expires_at > UTC_TIMESTAMP(6))
		 ORDER BY k`,
		likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
