// Package cache is a bounded disk cache for raw message bodies, fronting the
// S3 archive. Extraction re-runs and admin re-ingestion read the same bodies
// shortly after sync writes them; serving those from local disk keeps S3
// round trips off the hot path.
//
// Files live under <path>/data sharded by content hash. A SQLite index tracks
// size and last access so the purge loop can evict least-recently-used
// entries once the cache exceeds its capacity.
package cache

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

	_ "modernc.org/sqlite"

	"github.com/migadu/rolo/config"
	"github.com/migadu/rolo/logger"
	"github.com/migadu/rolo/pkg/metrics"
)

const (
	dataDir        = "data"
	indexDB        = "cache_index.db"
	purgeBatchSize = 1000
)

// ErrNotCached is returned by Get on a cache miss.
var ErrNotCached = errors.New("not cached")

type Cache struct {
	basePath      string
	capacity      int64
	maxObjectSize int64
	purgeInterval time.Duration

	db *sql.DB
	mu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New opens the cache at cfg.Path, creating directories and the index schema
// as needed.
func New(cfg config.LocalCacheConfig) (*Cache, error) {
	basePath := filepath.Clean(strings.TrimSpace(cfg.Path))
	if basePath == "" || basePath == "." {
		return nil, fmt.Errorf("cache path cannot be empty")
	}
	capacity, err := cfg.GetCapacity()
	if err != nil {
		return nil, fmt.Errorf("invalid cache capacity: %w", err)
	}
	maxObjectSize, err := cfg.GetMaxObjectSize()
	if err != nil {
		return nil, fmt.Errorf("invalid cache max_object_size: %w", err)
	}
	purgeInterval, err := cfg.GetPurgeInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid cache purge_interval: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(basePath, dataDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache data path: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(basePath, indexDB))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("failed to enable WAL on cache index", "error", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_index (
			hash TEXT PRIMARY KEY,
			size INTEGER NOT NULL,
			accessed_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cache_accessed ON cache_index(accessed_at);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache index ping failed: %w", err)
	}

	return &Cache{
		basePath:      basePath,
		capacity:      capacity,
		maxObjectSize: maxObjectSize,
		purgeInterval: purgeInterval,
		db:            db,
		stopCh:        make(chan struct{}),
	}, nil
}

func (c *Cache) pathFor(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(c.basePath, dataDir, hash)
	}
	return filepath.Join(c.basePath, dataDir, hash[:2], hash)
}

// Get returns the cached body for a content hash and refreshes its LRU
// position. A file missing from disk but present in the index is healed by
// dropping the index row.
func (c *Cache) Get(hash string) ([]byte, error) {
	data, err := os.ReadFile(c.pathFor(hash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			metrics.CacheMisses.Inc()
			c.mu.Lock()
			_, _ = c.db.Exec(`DELETE FROM cache_index WHERE hash = ?`, hash)
			c.mu.Unlock()
			return nil, ErrNotCached
		}
		return nil, err
	}

	metrics.CacheHits.Inc()
	c.mu.Lock()
	_, _ = c.db.Exec(`UPDATE cache_index SET accessed_at = ? WHERE hash = ?`, time.Now(), hash)
	c.mu.Unlock()
	return data, nil
}

// Put caches a body. Oversized objects are skipped silently; the archive is
// authoritative and the cache is free to hold nothing.
func (c *Cache) Put(hash string, data []byte) error {
	if int64(len(data)) > c.maxObjectSize {
		logger.Debug("object exceeds cache size limit, skipping",
			"hash", hash, "size", len(data))
		return nil
	}

	path := c.pathFor(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Write-then-rename keeps readers from ever seeing a torn file.
	tempFile, err := os.CreateTemp(filepath.Dir(path), "put-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil && !os.IsExist(err) {
		return fmt.Errorf("failed to move cache file into place: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.Exec(`
		INSERT INTO cache_index (hash, size, accessed_at) VALUES (?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET size = excluded.size, accessed_at = excluded.accessed_at`,
		hash, len(data), time.Now())
	if err != nil {
		return fmt.Errorf("failed to track cache file: %w", err)
	}
	return nil
}

// Exists consults the index only, avoiding filesystem races.
func (c *Cache) Exists(hash string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var count int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM cache_index WHERE hash = ?`, hash).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to query cache index: %w", err)
	}
	return count > 0, nil
}

// Delete drops one entry. Missing files count as deleted.
func (c *Cache) Delete(hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.pathFor(hash)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}
	if _, err := c.db.Exec(`DELETE FROM cache_index WHERE hash = ?`, hash); err != nil {
		return fmt.Errorf("failed to remove cache index entry: %w", err)
	}
	return nil
}

// Size returns the total bytes tracked by the index.
func (c *Cache) Size() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var size sql.NullInt64
	if err := c.db.QueryRow(`SELECT SUM(size) FROM cache_index`).Scan(&size); err != nil {
		return 0, err
	}
	return size.Int64, nil
}

// StartPurgeLoop evicts least-recently-used entries on a timer whenever the
// cache is over capacity.
func (c *Cache) StartPurgeLoop(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.purgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.purge(); err != nil {
					logger.Error("cache purge failed", "error", err)
				}
			}
		}
	}()
}

func (c *Cache) purge() error {
	size, err := c.Size()
	if err != nil {
		return err
	}
	metrics.CacheSizeBytes.Set(float64(size))
	if size <= c.capacity {
		return nil
	}

	toFree := size - c.capacity
	var freed int64
	var evicted int

	for freed < toFree {
		hashes, sizes, err := c.oldestEntries(purgeBatchSize)
		if err != nil {
			return err
		}
		if len(hashes) == 0 {
			break
		}
		for i, hash := range hashes {
			if err := c.Delete(hash); err != nil {
				logger.Warn("failed to evict cache entry", "hash", hash, "error", err)
				continue
			}
			freed += sizes[i]
			evicted++
			if freed >= toFree {
				break
			}
		}
	}

	metrics.CacheEvictions.Add(float64(evicted))
	metrics.CacheSizeBytes.Set(float64(size - freed))
	logger.Info("cache purged", "evicted", evicted, "freed_bytes", freed)
	return nil
}

func (c *Cache) oldestEntries(limit int) ([]string, []int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query(
		`SELECT hash, size FROM cache_index ORDER BY accessed_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var hashes []string
	var sizes []int64
	for rows.Next() {
		var hash string
		var size int64
		if err := rows.Scan(&hash, &size); err != nil {
			return nil, nil, err
		}
		hashes = append(hashes, hash)
		sizes = append(sizes, size)
	}
	return hashes, sizes, rows.Err()
}

// Close stops the purge loop and closes the index.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
