package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Storage is the set of named caches available to a worker.
// Every cache holds []byte values, which represent HTTP responses,
// keyed by request identity.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the cache with the given name, creating it if it does not exist.
	Open(ctx context.Context, name string) (Cache, error)
	// Has reports whether a cache with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Keys returns the names of all caches, in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the named cache and all of its entries.
	// It reports whether the cache existed; deleting a missing cache is not an error.
	Delete(ctx context.Context, name string) (bool, error)
	// Close releases the underlying database.
	Close() error
}

// Cache is a handle to a single named cache.
// Writes to a handle whose cache has been deleted are discarded.
type Cache interface {
	Name() string
	// Match returns the entry stored under key.
	// The boolean is false if there is no such entry.
	Match(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the entry, replacing any previous entry with the same key.
	Put(ctx context.Context, entry Entry) error
	// PutAll stores all entries in a single transaction.
	// Either every entry is stored or none is.
	PutAll(ctx context.Context, entries []Entry) error
	// Keys returns all keys in the cache.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the entry stored under key.
	Delete(ctx context.Context, key string) (bool, error)
}

type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	log        zerolog.Logger
}

// NewSQLiteStorage opens the cache storage with the given filename as the db.
// If file name is empty, a new private in-memory db is opened.
func NewSQLiteStorage(filename string, logger *zerolog.Logger) (*SQLiteStorage, error) {
	if filename == "" {
		filename = "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", filename)
	}
	// a single connection keeps in-memory dbs alive and avoids SQLITE_BUSY between writers
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS caches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			cache_id INTEGER NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (cache_id, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "init schema")
		}
	}

	var log zerolog.Logger
	if logger == nil {
		log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		log = *logger
	}

	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
		log:        log.With().Str("component", "storage").Logger(),
	}, nil
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Cache, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)",
		name, time.Now().Unix())
	if err != nil {
		return nil, errors.Wrapf(err, "create cache %q", name)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, "SELECT id FROM caches WHERE name = ?", name).Scan(&id); err != nil {
		return nil, errors.Wrapf(err, "open cache %q", name)
	}
	s.log.Trace().Str("cache", name).Int64("id", id).Msg("Opened cache")
	return &sqliteCache{s: s, id: id, name: name}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE name = ?", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "lookup cache %q", name)
	}
	return true, nil
}

func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, "SELECT name FROM caches ORDER BY id ASC")
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.WithStack(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM entries WHERE cache_id IN (SELECT id FROM caches WHERE name = ?)", name); err != nil {
		return false, errors.Wrapf(err, "delete entries of %q", name)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM caches WHERE name = ?", name)
	if err != nil {
		return false, errors.Wrapf(err, "delete cache %q", name)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.WithStack(err)
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrapf(err, "delete cache %q", name)
	}
	s.log.Trace().Str("cache", name).Bool("existed", rows > 0).Msg("Deleted cache")
	return rows > 0, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	values := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return values, errors.WithStack(err)
		}
		values = append(values, v)
	}
	return values, errors.WithStack(rows.Err())
}

type sqliteCache struct {
	s    *SQLiteStorage
	id   int64
	name string
}

func (c *sqliteCache) Name() string {
	return c.name
}

func (c *sqliteCache) Match(ctx context.Context, key string) (Entry, bool, error) {
	entry := Entry{Key: key}
	var storedAt int64
	err := c.s.db.QueryRowContext(ctx,
		"SELECT stored_at, bytes FROM entries WHERE cache_id = ? AND key = ?",
		c.id, key).Scan(&storedAt, &entry.Bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, "match %q in %q", key, c.name)
	}
	entry.StoredAt = time.Unix(storedAt, 0)
	return entry, true, nil
}

func (c *sqliteCache) Put(ctx context.Context, entry Entry) error {
	return c.PutAll(ctx, []Entry{entry})
}

func (c *sqliteCache) PutAll(ctx context.Context, entries []Entry) error {
	c.s.writeMutex.Lock()
	defer c.s.writeMutex.Unlock()
	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	defer tx.Rollback()

	// selecting the cache id drops writes to a cache deleted after it was opened
	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO entries
		(cache_id, key, stored_at, bytes) SELECT id, ?, ?, ? FROM caches WHERE id = ?`)
	if err != nil {
		return errors.WithStack(err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if e.StoredAt.IsZero() {
			e.StoredAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, e.Key, e.StoredAt.Unix(), e.Bytes, c.id); err != nil {
			return errors.Wrapf(err, "put %q in %q", e.Key, c.name)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit %d entries to %q", len(entries), c.name)
	}
	c.s.log.Trace().Str("cache", c.name).Int("entries", len(entries)).Msg("Wrote to cache")
	return nil
}

func (c *sqliteCache) Keys(ctx context.Context) ([]string, error) {
	return c.s.queryStrings(ctx, "SELECT key FROM entries WHERE cache_id = ? ORDER BY key", c.id)
}

func (c *sqliteCache) Delete(ctx context.Context, key string) (bool, error) {
	c.s.writeMutex.Lock()
	defer c.s.writeMutex.Unlock()
	result, err := c.s.db.ExecContext(ctx, "DELETE FROM entries WHERE cache_id = ? AND key = ?", c.id, key)
	if err != nil {
		return false, errors.Wrapf(err, "delete %q from %q", key, c.name)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return rows > 0, nil
}
