package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/core-tools/hsu-mgmt/pkg/errors"

	// SQLite driver
	_ "modernc.org/sqlite"
)

const (
	kindMap = "map"
	kindRef = "ref"
)

const schema = `
CREATE TABLE IF NOT EXISTS store_entries (
	store      TEXT NOT NULL,
	kind       TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (store, kind, key)
);
CREATE INDEX IF NOT EXISTS idx_store_entries_store ON store_entries(store);
`

// SQLiteConfig configures the SQLite backend
type SQLiteConfig struct {
	Path         string        `yaml:"path" toml:"path" validate:"required"`
	BusyTimeout  time.Duration `yaml:"busy_timeout" toml:"busy_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns" toml:"max_open_conns" validate:"gte=0"`
}

// SQLiteStorage persists maps and references as JSON rows. Reads are served
// from an in-process mirror loaded on first access; writes go through to the
// database before the mirror is updated.
type SQLiteStorage struct {
	db    *sql.DB
	mutex sync.Mutex
	maps  map[string]*sqliteMap
	refs  map[string]*sqliteRef
}

// NewSQLiteStorage opens (creating when needed) the database at cfg.Path
func NewSQLiteStorage(ctx context.Context, cfg SQLiteConfig) (*SQLiteStorage, error) {
	if cfg.Path == "" {
		return nil, errors.NewValidationError("database path is required", nil)
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 1
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", cfg.Path, cfg.BusyTimeout.Milliseconds())
	if cfg.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.NewIOError("failed to open database", err).WithContext("path", cfg.Path)
	}
	// A single connection keeps ":memory:" databases shared and serialises writers
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.NewIOError("failed to ping database", err).WithContext("path", cfg.Path)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.NewIOError("failed to create schema", err)
	}

	return &SQLiteStorage{
		db:   db,
		maps: make(map[string]*sqliteMap),
		refs: make(map[string]*sqliteRef),
	}, nil
}

func (s *SQLiteStorage) GetMap(name string) Map {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	m, exists := s.maps[name]
	if !exists {
		m = &sqliteMap{db: s.db, name: name}
		s.maps[name] = m
	}
	return m
}

func (s *SQLiteStorage) GetRef(name string) Ref {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	r, exists := s.refs[name]
	if !exists {
		r = &sqliteRef{db: s.db, name: name}
		s.refs[name] = r
	}
	return r
}

func (s *SQLiteStorage) Remove(name string) error {
	s.mutex.Lock()
	m := s.maps[name]
	r := s.refs[name]
	delete(s.maps, name)
	delete(s.refs, name)
	s.mutex.Unlock()

	if _, err := s.db.Exec(`DELETE FROM store_entries WHERE store = ?`, name); err != nil {
		return errors.NewIOError("failed to remove store", err).WithContext("store", name)
	}
	if m != nil {
		m.reset()
	}
	if r != nil {
		r.reset()
	}
	return nil
}

func (s *SQLiteStorage) Names() []string {
	rows, err := s.db.Query(`SELECT DISTINCT store FROM store_entries`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func encodeValue(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", errors.NewValidationError(fmt.Sprintf("value of type %T cannot be stored", value), err)
	}
	return string(data), nil
}

func decodeValue(data string) any {
	var value any
	if err := json.Unmarshal([]byte(data), &value); err != nil {
		return data
	}
	return value
}

func upsert(db *sql.DB, store, kind, key, value string) error {
	_, err := db.Exec(`
		INSERT INTO store_entries (store, kind, key, value, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (store, kind, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		store, kind, key, value, time.Now().UnixMilli())
	if err != nil {
		return errors.NewIOError("failed to write entry", err).WithContext("store", store).WithContext("key", key)
	}
	return nil
}

type sqliteMap struct {
	db      *sql.DB
	name    string
	mutex   sync.Mutex
	entries map[string]any
}

// load fills the mirror on first access; caller holds the mutex
func (m *sqliteMap) load() {
	if m.entries != nil {
		return
	}
	m.entries = make(map[string]any)
	rows, err := m.db.Query(`SELECT key, value FROM store_entries WHERE store = ? AND kind = ?`, m.name, kindMap)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err == nil {
			m.entries[key] = decodeValue(value)
		}
	}
}

func (m *sqliteMap) reset() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.entries = nil
}

func (m *sqliteMap) Get(key string) (any, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.load()
	v, ok := m.entries[key]
	return v, ok
}

func (m *sqliteMap) Put(key string, value any) error {
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.load()
	if err := upsert(m.db, m.name, kindMap, key, encoded); err != nil {
		return err
	}
	m.entries[key] = value
	return nil
}

func (m *sqliteMap) Delete(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.load()
	_, err := m.db.Exec(`DELETE FROM store_entries WHERE store = ? AND kind = ? AND key = ?`, m.name, kindMap, key)
	if err != nil {
		return errors.NewIOError("failed to delete entry", err).WithContext("store", m.name).WithContext("key", key)
	}
	delete(m.entries, key)
	return nil
}

func (m *sqliteMap) Replace(entries map[string]any) error {
	encoded := make(map[string]string, len(entries))
	for k, v := range entries {
		data, err := encodeValue(v)
		if err != nil {
			return err
		}
		encoded[k] = data
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	tx, err := m.db.Begin()
	if err != nil {
		return errors.NewIOError("failed to begin transaction", err)
	}
	if _, err := tx.Exec(`DELETE FROM store_entries WHERE store = ? AND kind = ?`, m.name, kindMap); err != nil {
		_ = tx.Rollback()
		return errors.NewIOError("failed to clear store", err).WithContext("store", m.name)
	}
	now := time.Now().UnixMilli()
	for k, v := range encoded {
		if _, err := tx.Exec(`INSERT INTO store_entries (store, kind, key, value, updated_at) VALUES (?, ?, ?, ?, ?)`,
			m.name, kindMap, k, v, now); err != nil {
			_ = tx.Rollback()
			return errors.NewIOError("failed to write entry", err).WithContext("store", m.name).WithContext("key", k)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.NewIOError("failed to commit transaction", err)
	}
	m.entries = copyEntries(entries)
	return nil
}

func (m *sqliteMap) Snapshot() map[string]any {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.load()
	return copyEntries(m.entries)
}

func (m *sqliteMap) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.load()
	return len(m.entries)
}

type sqliteRef struct {
	db     *sql.DB
	name   string
	mutex  sync.Mutex
	loaded bool
	value  any
	set    bool
}

func (r *sqliteRef) load() {
	if r.loaded {
		return
	}
	r.loaded = true
	var value string
	err := r.db.QueryRow(`SELECT value FROM store_entries WHERE store = ? AND kind = ? AND key = ''`,
		r.name, kindRef).Scan(&value)
	if err == nil {
		r.value = decodeValue(value)
		r.set = true
	}
}

func (r *sqliteRef) reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.loaded, r.value, r.set = false, nil, false
}

func (r *sqliteRef) Get() (any, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.load()
	return r.value, r.set
}

func (r *sqliteRef) Set(value any) error {
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if err := upsert(r.db, r.name, kindRef, "", encoded); err != nil {
		return err
	}
	r.loaded, r.value, r.set = true, value, true
	return nil
}

func (r *sqliteRef) Clear() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	_, err := r.db.Exec(`DELETE FROM store_entries WHERE store = ? AND kind = ?`, r.name, kindRef)
	if err != nil {
		return errors.NewIOError("failed to clear reference", err).WithContext("store", r.name)
	}
	r.loaded, r.value, r.set = true, nil, false
	return nil
}
