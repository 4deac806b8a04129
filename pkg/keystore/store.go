package keystore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrStorageUnavailable wraps I/O level failures of the embedded store.
	ErrStorageUnavailable = errors.New("key store unavailable")
	// ErrCorruptRecord wraps records whose stored value cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt key store record")
)

// Store is the durable catalogue of upstream API keys and billing balances.
// Keys are addressed by (upstream_id, key_hash) where key_hash is a SHA-256
// digest of the secret; the secret itself is the stored value so the working
// set can be rebuilt on startup.
type Store struct {
	db *sql.DB
}

type AddResult struct {
	Inserted int
	Existed  int
	// Secrets that were newly inserted (not previously present).
	InsertedKeys []string
}

func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", ErrStorageUnavailable, err)
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL",
		filepath.Join(dataDir, "keys.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrStorageUnavailable, err)
	}
	// Single writer; sqlite serializes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS upstream_keys (
	upstream_id   TEXT NOT NULL,
	key_hash      TEXT NOT NULL,
	secret        TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	PRIMARY KEY (upstream_id, key_hash)
);
CREATE TABLE IF NOT EXISTS billing_balances (
	api_key       TEXT PRIMARY KEY,
	balance       INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL
);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: init schema: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// AddKeys inserts the given secrets for an upstream. Duplicates, both within
// the batch and against stored keys, collapse to a single record.
func (s *Store) AddKeys(upstreamID string, secrets []string) (AddResult, error) {
	var res AddResult
	tx, err := s.db.Begin()
	if err != nil {
		return res, fmt.Errorf("%w: begin: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()
	now := time.Now().UnixMilli()
	seen := map[string]struct{}{}
	for _, secret := range secrets {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			continue
		}
		h := hashSecret(secret)
		if _, dup := seen[h]; dup {
			res.Existed++
			continue
		}
		seen[h] = struct{}{}
		r, err := tx.Exec(
			`INSERT OR IGNORE INTO upstream_keys (upstream_id, key_hash, secret, created_at_ms) VALUES (?, ?, ?, ?)`,
			upstreamID, h, secret, now)
		if err != nil {
			return AddResult{}, fmt.Errorf("%w: insert: %v", ErrStorageUnavailable, err)
		}
		n, _ := r.RowsAffected()
		if n > 0 {
			res.Inserted++
			res.InsertedKeys = append(res.InsertedKeys, secret)
		} else {
			res.Existed++
		}
	}
	if err := tx.Commit(); err != nil {
		return AddResult{}, fmt.Errorf("%w: commit: %v", ErrStorageUnavailable, err)
	}
	return res, nil
}

// ReplaceKeys swaps the full key set of an upstream in one transaction.
// Readers never observe a partial swap.
func (s *Store) ReplaceKeys(upstreamID string, secrets []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM upstream_keys WHERE upstream_id = ?`, upstreamID); err != nil {
		return fmt.Errorf("%w: clear: %v", ErrStorageUnavailable, err)
	}
	now := time.Now().UnixMilli()
	for _, secret := range secrets {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			continue
		}
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO upstream_keys (upstream_id, key_hash, secret, created_at_ms) VALUES (?, ?, ?, ?)`,
			upstreamID, hashSecret(secret), secret, now); err != nil {
			return fmt.Errorf("%w: insert: %v", ErrStorageUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) DeleteKeys(upstreamID string, secrets []string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()
	removed := 0
	for _, secret := range secrets {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			continue
		}
		r, err := tx.Exec(`DELETE FROM upstream_keys WHERE upstream_id = ? AND key_hash = ?`,
			upstreamID, hashSecret(secret))
		if err != nil {
			return 0, fmt.Errorf("%w: delete: %v", ErrStorageUnavailable, err)
		}
		n, _ := r.RowsAffected()
		removed += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrStorageUnavailable, err)
	}
	return removed, nil
}

// DeleteUpstream removes every key belonging to an upstream.
func (s *Store) DeleteUpstream(upstreamID string) error {
	if _, err := s.db.Exec(`DELETE FROM upstream_keys WHERE upstream_id = ?`, upstreamID); err != nil {
		return fmt.Errorf("%w: delete upstream: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// LoadKeys returns the secrets of one upstream in stable (key_hash) order.
func (s *Store) LoadKeys(upstreamID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT secret FROM upstream_keys WHERE upstream_id = ? ORDER BY key_hash`, upstreamID)
	if err != nil {
		return nil, fmt.Errorf("%w: scan: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var secret string
		if err := rows.Scan(&secret); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		if secret == "" {
			return nil, fmt.Errorf("%w: empty secret for upstream %s", ErrCorruptRecord, upstreamID)
		}
		out = append(out, secret)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan: %v", ErrStorageUnavailable, err)
	}
	return out, nil
}

// ScanKeys walks the whole key namespace in (upstream_id, key_hash) order.
func (s *Store) ScanKeys(fn func(upstreamID, secret string) error) error {
	rows, err := s.db.Query(
		`SELECT upstream_id, secret FROM upstream_keys ORDER BY upstream_id, key_hash`)
	if err != nil {
		return fmt.Errorf("%w: scan: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, secret string
		if err := rows.Scan(&id, &secret); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		if err := fn(id, secret); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: scan: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) CountKeys(upstreamID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM upstream_keys WHERE upstream_id = ?`, upstreamID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrStorageUnavailable, err)
	}
	return n, nil
}

func (s *Store) setBalance(apiKey string, balance int64) error {
	_, err := s.db.Exec(
		`INSERT INTO billing_balances (api_key, balance, updated_at_ms) VALUES (?, ?, ?)
		 ON CONFLICT(api_key) DO UPDATE SET balance = excluded.balance, updated_at_ms = excluded.updated_at_ms`,
		apiKey, balance, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: set balance: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) loadBalances() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT api_key, balance FROM billing_balances`)
	if err != nil {
		return nil, fmt.Errorf("%w: scan balances: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var key string
		var balance int64
		if err := rows.Scan(&key, &balance); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		out[key] = balance
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan balances: %v", ErrStorageUnavailable, err)
	}
	return out, nil
}
