package manifest

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"

	"github.com/driftbox/driftbox/internal/db"
)

const hashCacheSchema = `
CREATE TABLE IF NOT EXISTS hash_cache (
    path      TEXT PRIMARY KEY,
    size      INTEGER NOT NULL,
    mtime_ns  INTEGER NOT NULL,
    checksum  TEXT NOT NULL
);
`

const hashCacheLRUSize = 8192

type hashCacheRow struct {
	Path     string `db:"path"`
	Size     int64  `db:"size"`
	MtimeNS  int64  `db:"mtime_ns"`
	Checksum string `db:"checksum"`
}

// HashCache memoizes file checksums keyed by (path, size, mtime). A stale
// size or mtime invalidates the entry, so a matching hit can be trusted
// without re-reading the file. Backed by SQLite with an LRU in front.
type HashCache struct {
	db  *sqlx.DB
	lru *lru.Cache[string, hashCacheRow]
}

// OpenHashCache opens (or creates) the cache database at path.
func OpenHashCache(path string) (*HashCache, error) {
	sqlDB, err := db.NewSqliteDB(db.WithPath(path))
	if err != nil {
		return nil, fmt.Errorf("open hash cache: %w", err)
	}
	if _, err := sqlDB.Exec(hashCacheSchema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("init hash cache schema: %w", err)
	}

	memCache, err := lru.New[string, hashCacheRow](hashCacheLRUSize)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &HashCache{db: sqlDB, lru: memCache}, nil
}

// Lookup returns the cached checksum for path when size and mtime still
// match.
func (c *HashCache) Lookup(path string, size int64, mtime time.Time) (string, bool) {
	mtimeNS := mtime.UnixNano()

	if row, ok := c.lru.Get(path); ok {
		if row.Size == size && row.MtimeNS == mtimeNS {
			return row.Checksum, true
		}
		return "", false
	}

	var row hashCacheRow
	err := c.db.Get(&row, "SELECT path, size, mtime_ns, checksum FROM hash_cache WHERE path = ?", path)
	if err != nil {
		return "", false
	}
	c.lru.Add(path, row)

	if row.Size == size && row.MtimeNS == mtimeNS {
		return row.Checksum, true
	}
	return "", false
}

// Store records the checksum for path at the given size and mtime.
func (c *HashCache) Store(path string, size int64, mtime time.Time, checksum string) error {
	row := hashCacheRow{Path: path, Size: size, MtimeNS: mtime.UnixNano(), Checksum: checksum}

	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO hash_cache (path, size, mtime_ns, checksum) VALUES (?, ?, ?, ?)",
		row.Path, row.Size, row.MtimeNS, row.Checksum,
	)
	if err != nil {
		return fmt.Errorf("store hash cache entry: %w", err)
	}

	c.lru.Add(path, row)
	return nil
}

// Forget drops the entry for path.
func (c *HashCache) Forget(path string) error {
	c.lru.Remove(path)
	_, err := c.db.Exec("DELETE FROM hash_cache WHERE path = ?", path)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return nil
}

// Close releases the underlying database.
func (c *HashCache) Close() error {
	return c.db.Close()
}
