package ctf

import (
	"bytes"
	"database/sql"
	"encoding/gob"
	"fmt"

	_ "modernc.org/sqlite"
)

// Cache persists decoded dictionaries keyed by module name and BTF file
// mtime, so repeated handle-opens against an unchanged kernel skip
// re-parsing multi-megabyte BTF blobs (spec §6, performance note in the
// DOMAIN STACK wiring for this package).
type Cache struct {
	db *sql.DB
}

// OpenCache opens (creating if necessary) a sqlite-backed dictionary
// cache at path.
func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ctf: opening cache: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS dict_cache (
	module TEXT NOT NULL,
	mtime  INTEGER NOT NULL,
	blob   BLOB NOT NULL,
	PRIMARY KEY (module, mtime)
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ctf: creating cache schema: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the cache's underlying database handle.
func (c *Cache) Close() error { return c.db.Close() }

// gobDict is the serializable shape of a Dict: the parent chain is not
// persisted (the vmlinux base dictionary is always decoded fresh and
// passed back in on Load), only this module's own types.
type gobDict struct {
	Module string
	Types  []Type
	ByName map[string]ID
}

// Store saves dict (module-local types only) under (module, mtime),
// replacing any prior entry for that module at a different mtime.
func (c *Cache) Store(module string, mtime int64, dict *Dict) error {
	var buf bytes.Buffer
	g := gobDict{Module: dict.Module, Types: dict.types, ByName: dict.byName}
	if err := gob.NewEncoder(&buf).Encode(g); err != nil {
		return fmt.Errorf("ctf: encoding dict for cache: %w", err)
	}
	if _, err := c.db.Exec(`DELETE FROM dict_cache WHERE module = ?`, module); err != nil {
		return fmt.Errorf("ctf: evicting stale cache entry: %w", err)
	}
	if _, err := c.db.Exec(`INSERT INTO dict_cache (module, mtime, blob) VALUES (?, ?, ?)`,
		module, mtime, buf.Bytes()); err != nil {
		return fmt.Errorf("ctf: storing cache entry: %w", err)
	}
	return nil
}

// Load returns the cached dictionary for (module, mtime) if present,
// re-parented to parent. ok is false on any cache miss, including a
// stale mtime.
func (c *Cache) Load(module string, mtime int64, parent *Dict) (dict *Dict, ok bool, err error) {
	row := c.db.QueryRow(`SELECT blob FROM dict_cache WHERE module = ? AND mtime = ?`, module, mtime)
	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("ctf: reading cache entry: %w", err)
	}
	var g gobDict
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&g); err != nil {
		return nil, false, fmt.Errorf("ctf: decoding cached dict: %w", err)
	}
	d := &Dict{Module: g.Module, Parent: parent, types: g.Types, byName: g.ByName}
	return d, true, nil
}
