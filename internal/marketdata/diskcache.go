package marketdata

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aristath/order-supervisor/internal/domain"
)

// DiskCache is the auxiliary per-ticker historical-bar store: a small,
// cgo-backed SQLite database kept separate from internal/storage's primary
// (pure-Go) database, so a restart does not force every ticker to be
// re-fetched from the broker before the first analysis tick can run.
type DiskCache struct {
	db *sql.DB
}

// OpenDiskCache opens (creating if absent) the cache database at path.
func OpenDiskCache(path string) (*DiskCache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("marketdata: open history cache: %w", err)
	}
	db.SetMaxOpenConns(1) // mattn/go-sqlite3 serializes writes per connection anyway
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS history_cache (
		cache_key  TEXT PRIMARY KEY,
		bars       TEXT NOT NULL,
		fetched_at DATETIME NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("marketdata: create history cache table: %w", err)
	}
	return &DiskCache{db: db}, nil
}

// Close releases the underlying database handle.
func (c *DiskCache) Close() error {
	return c.db.Close()
}

// Get returns the cached series for key, if one was ever persisted. Callers
// still apply their own TTL check against fetchedAt.
func (c *DiskCache) Get(key historyKey) (bars []domain.Bar, fetchedAt time.Time, ok bool) {
	var raw string
	err := c.db.QueryRow(`SELECT bars, fetched_at FROM history_cache WHERE cache_key = ?`, key.String()).
		Scan(&raw, &fetchedAt)
	if err != nil {
		return nil, time.Time{}, false
	}
	if err := json.Unmarshal([]byte(raw), &bars); err != nil {
		return nil, time.Time{}, false
	}
	return bars, fetchedAt, true
}

// Put persists bars for key, overwriting whatever was previously stored.
// Failures are swallowed: the disk cache is a best-effort accelerator, never
// a dependency the in-memory path can fail on.
func (c *DiskCache) Put(key historyKey, bars []domain.Bar, fetchedAt time.Time) {
	raw, err := json.Marshal(bars)
	if err != nil {
		return
	}
	_, _ = c.db.Exec(`INSERT INTO history_cache (cache_key, bars, fetched_at) VALUES (?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET bars = excluded.bars, fetched_at = excluded.fetched_at`,
		key.String(), string(raw), fetchedAt)
}

func (k historyKey) String() string {
	return fmt.Sprintf("%s|%d|%s|%t", k.ticker, k.days, k.interval, k.includeToday)
}
