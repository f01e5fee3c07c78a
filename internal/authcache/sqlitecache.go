package authcache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Use modernc.org/sqlite for pure Go SQLite (CGO-free)

	"github.com/drover-project/drover/internal/types"
)

// SQLiteCache stores the credential in a single-row sqlite table. Useful
// when several tools on one host share a token store and need transactional
// replacement.
type SQLiteCache struct {
	db   *sql.DB
	path string
}

// NewSQLiteCache opens (creating if needed) a sqlite-backed credential cache
func NewSQLiteCache(path string) (*SQLiteCache, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite cache path must not be empty")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to cache database: %w", err)
	}

	cache := &SQLiteCache{db: db, path: path}
	if err := cache.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	// 数据库文件仅限属主访问
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to restrict cache permissions: %w", err)
	}

	return cache, nil
}

// initSchema creates the credential table
func (c *SQLiteCache) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credential (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		payload TEXT NOT NULL,
		expire REAL NOT NULL
	);`
	_, err := c.db.Exec(schema)
	return err
}

// Get returns the stored credential, or nil when absent or expired
func (c *SQLiteCache) Get() (*Credential, error) {
	var payload string
	err := c.db.QueryRow(`SELECT payload FROM credential WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.WrapError(types.ErrCacheCorrupt, err, "cannot read credential from %s", c.path)
	}

	var cred Credential
	if err := json.Unmarshal([]byte(payload), &cred); err != nil {
		return nil, types.WrapError(types.ErrCacheCorrupt, err, "malformed credential in %s", c.path)
	}

	if !cred.Usable(time.Now()) {
		return nil, nil
	}
	return &cred, nil
}

// Set stores the credential, replacing any previous row. Set(nil) deletes
// the stored row.
func (c *SQLiteCache) Set(cred *Credential) error {
	if cred == nil {
		if _, err := c.db.Exec(`DELETE FROM credential WHERE id = 1`); err != nil {
			return fmt.Errorf("failed to clear credential: %w", err)
		}
		return nil
	}

	payload, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	_, err = c.db.Exec(
		`INSERT INTO credential (id, payload, expire) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, expire = excluded.expire`,
		string(payload), cred.Expire,
	)
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Close releases the database handle
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
