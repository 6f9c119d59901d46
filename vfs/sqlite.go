package vfs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLiteArea is a persistent writable area stored in a single SQLite file.
type SQLiteArea struct {
	prefix string
	path   string

	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteArea returns an area persisted at dbPath. The database is opened
// on Mount.
func NewSQLiteArea(prefix, dbPath string) *SQLiteArea {
	return &SQLiteArea{prefix: prefix, path: dbPath}
}

// Prefix returns the mount point.
func (a *SQLiteArea) Prefix() string {
	return a.prefix
}

// ReadOnly is always false.
func (a *SQLiteArea) ReadOnly() bool {
	return false
}

// Mount opens (and creates if needed) the database and its table.
func (a *SQLiteArea) Mount(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		return nil
	}
	db, err := openSQLite(ctx, a.path)
	if err != nil {
		return wrap("mount", a.prefix, err)
	}
	a.db = db
	return nil
}

func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(pctx, `CREATE TABLE IF NOT EXISTS files (
  path       TEXT PRIMARY KEY,
  data       BLOB NOT NULL,
  updated_at TEXT NOT NULL
);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap sqlite: %w", err)
	}
	return db, nil
}

func (a *SQLiteArea) conn(ctx context.Context) (*sql.DB, error) {
	if err := a.Mount(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.db, nil
}

func (a *SQLiteArea) abs(p string) string {
	return a.prefix + "/" + p
}

// ReadFile returns the content stored at p.
func (a *SQLiteArea) ReadFile(ctx context.Context, p string) ([]byte, error) {
	db, err := a.conn(ctx)
	if err != nil {
		return nil, err
	}
	p = Clean(p)
	var data []byte
	err = db.QueryRowContext(ctx, `SELECT data FROM files WHERE path = ?`, p).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewStorageError(ErrNotFound, "read", a.abs(p), nil)
	}
	if err != nil {
		return nil, wrap("read", a.abs(p), err)
	}
	return data, nil
}

// WriteFile upserts data at p.
func (a *SQLiteArea) WriteFile(ctx context.Context, p string, data []byte) error {
	db, err := a.conn(ctx)
	if err != nil {
		return err
	}
	p = Clean(p)
	if data == nil {
		data = []byte{}
	}
	_, err = db.ExecContext(ctx, `INSERT INTO files(path, data, updated_at) VALUES(?, ?, ?)
ON CONFLICT(path) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		p, data, time.Now().UTC().Format(time.RFC3339Nano))
	return wrap("write", a.abs(p), err)
}

// Exists reports whether p holds content.
func (a *SQLiteArea) Exists(ctx context.Context, p string) (bool, error) {
	db, err := a.conn(ctx)
	if err != nil {
		return false, err
	}
	var n int
	err = db.QueryRowContext(ctx, `SELECT COUNT(1) FROM files WHERE path = ?`, Clean(p)).Scan(&n)
	if err != nil {
		return false, wrap("exists", a.abs(Clean(p)), err)
	}
	return n > 0, nil
}

// List returns the immediate children of dir.
func (a *SQLiteArea) List(ctx context.Context, dir string) ([]string, error) {
	db, err := a.conn(ctx)
	if err != nil {
		return nil, err
	}
	dir = Clean(dir)
	pattern := "%"
	if dir != "" {
		pattern = escapeLike(dir) + "/%"
	}
	rows, err := db.QueryContext(ctx, `SELECT path FROM files WHERE path LIKE ? ESCAPE '\'`, pattern)
	if err != nil {
		return nil, wrap("list", a.abs(dir), err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, wrap("list", a.abs(dir), err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list", a.abs(dir), err)
	}
	return children(keys, dir), nil
}

// Close closes the database.
func (a *SQLiteArea) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
