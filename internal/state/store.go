// Package state persists the agent's desired-state documents.
//
// The store provides:
// - Persistent storage via SQLite with WAL mode (pure Go driver, no CGO)
// - A change log with a monotonic version, so operators can see what a
//   transition or import wrote
// - An in-memory implementation for tests and dry runs
//
// Data bags are JSON documents kept in one bucket; see Bags for the typed
// accessors the reconciliation pass and the redundancy controller use.
package state

import (
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"grimm.is/vrouter/internal/clock"
	"grimm.is/vrouter/internal/errors"
)

// Common errors
var (
	ErrNotFound    = errors.New(errors.KindNotFound, "key not found")
	ErrStoreClosed = errors.New(errors.KindInternal, "store is closed")
)

// ChangeType represents the type of state change.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change is one recorded write.
type Change struct {
	Version   uint64     `json:"version"`
	Bucket    string     `json:"bucket"`
	Key       string     `json:"key"`
	Type      ChangeType `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
}

// Store is the state storage interface.
type Store interface {
	Get(bucket, key string) ([]byte, error)
	Set(bucket, key string, value []byte) error
	Delete(bucket, key string) error
	List(bucket string) (map[string][]byte, error)

	GetJSON(bucket, key string, v interface{}) error
	SetJSON(bucket, key string, v interface{}) error

	GetChangesSince(version uint64) ([]Change, error)
	CurrentVersion() uint64

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	mu      sync.Mutex
	version uint64
	closed  bool
	clock   clock.Clock
}

// Options configures the SQLite store.
type Options struct {
	Path    string // Database file path (":memory:" for in-memory)
	WALMode bool
	Clock   clock.Clock
}

// DefaultOptions returns sensible defaults.
func DefaultOptions(path string) Options {
	return Options{Path: path, WALMode: true}
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed store.
func NewSQLiteStore(opts Options) (*SQLiteStore, error) {
	dsn := opts.Path
	if opts.WALMode && opts.Path != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to open database")
	}
	// A single connection keeps ":memory:" databases alive and serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "failed to connect to database")
	}

	clk := opts.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}
	s := &SQLiteStore{db: db, clock: clk}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "failed to initialize schema")
	}
	if err := s.loadVersion(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "failed to load version")
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS entries (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB,
			version INTEGER NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (bucket, key)
		);

		CREATE TABLE IF NOT EXISTS changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			change_type TEXT NOT NULL,
			version INTEGER NOT NULL,
			timestamp DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_changes_version ON changes(version);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) loadVersion() error {
	var version sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(version) FROM changes").Scan(&version); err != nil {
		return err
	}
	if version.Valid {
		s.version = uint64(version.Int64)
	}
	return nil
}

// Get retrieves a value by bucket and key.
func (s *SQLiteStore) Get(bucket, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var value []byte
	err := s.db.QueryRow("SELECT value FROM entries WHERE bucket = ? AND key = ?", bucket, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "get %s/%s", bucket, key)
	}
	return value, nil
}

// Set stores a value.
func (s *SQLiteStore) Set(bucket, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	now := s.clock.Now()
	version := s.version + 1

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "begin")
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow("SELECT 1 FROM entries WHERE bucket = ? AND key = ?", bucket, key).Scan(&exists)
	if err != nil && err != sql.ErrNoRows {
		return errors.Wrapf(err, errors.KindInternal, "set %s/%s", bucket, key)
	}
	changeType := ChangeInsert
	if err == nil {
		changeType = ChangeUpdate
	}

	_, err = tx.Exec(`
		INSERT INTO entries (bucket, key, value, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			value = excluded.value,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, bucket, key, value, version, now)
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "set %s/%s", bucket, key)
	}

	if err := recordChangeTx(tx, Change{Version: version, Bucket: bucket, Key: key, Type: changeType, Timestamp: now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.KindInternal, "commit")
	}
	s.version = version
	return nil
}

// Delete removes a key. Deleting a missing key returns ErrNotFound.
func (s *SQLiteStore) Delete(bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "begin")
	}
	defer tx.Rollback()

	result, err := tx.Exec("DELETE FROM entries WHERE bucket = ? AND key = ?", bucket, key)
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "delete %s/%s", bucket, key)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}

	version := s.version + 1
	if err := recordChangeTx(tx, Change{Version: version, Bucket: bucket, Key: key, Type: ChangeDelete, Timestamp: s.clock.Now()}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.KindInternal, "commit")
	}
	s.version = version
	return nil
}

// List returns every key and value in a bucket.
func (s *SQLiteStore) List(bucket string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query("SELECT key, value FROM entries WHERE bucket = ?", bucket)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "list %s", bucket)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, errors.Wrapf(err, errors.KindInternal, "list %s", bucket)
		}
		out[key] = value
	}
	return out, rows.Err()
}

// GetJSON retrieves and unmarshals a JSON value.
func (s *SQLiteStore) GetJSON(bucket, key string, v interface{}) error {
	return getJSON(s, bucket, key, v)
}

// SetJSON marshals and stores a value as JSON.
func (s *SQLiteStore) SetJSON(bucket, key string, v interface{}) error {
	return setJSON(s, bucket, key, v)
}

func recordChangeTx(tx *sql.Tx, c Change) error {
	_, err := tx.Exec(`
		INSERT INTO changes (bucket, key, change_type, version, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, c.Bucket, c.Key, string(c.Type), c.Version, c.Timestamp)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "record change")
	}
	return nil
}

// GetChangesSince returns all changes after the given version, oldest first.
func (s *SQLiteStore) GetChangesSince(version uint64) ([]Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT bucket, key, change_type, version, timestamp
		FROM changes
		WHERE version > ?
		ORDER BY version ASC
	`, version)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "read changes")
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		var changeType string
		if err := rows.Scan(&c.Bucket, &c.Key, &changeType, &c.Version, &c.Timestamp); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "read changes")
		}
		c.Type = ChangeType(changeType)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// CurrentVersion returns the latest change version.
func (s *SQLiteStore) CurrentVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// MemoryStore is a Store held in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string]map[string][]byte
	changes []Change
	clock   clock.Clock
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte), clock: clock.Default()}
}

func (m *MemoryStore) Get(bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[bucket][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Set(bucket, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[bucket]
	if !ok {
		b = make(map[string][]byte)
		m.data[bucket] = b
	}
	t := ChangeInsert
	if _, ok := b[key]; ok {
		t = ChangeUpdate
	}
	b[key] = append([]byte(nil), value...)
	m.record(bucket, key, t)
	return nil
}

func (m *MemoryStore) Delete(bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[bucket][key]; !ok {
		return ErrNotFound
	}
	delete(m.data[bucket], key)
	m.record(bucket, key, ChangeDelete)
	return nil
}

func (m *MemoryStore) List(bucket string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.data[bucket]))
	for k, v := range m.data[bucket] {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *MemoryStore) GetJSON(bucket, key string, v interface{}) error {
	return getJSON(m, bucket, key, v)
}

func (m *MemoryStore) SetJSON(bucket, key string, v interface{}) error {
	return setJSON(m, bucket, key, v)
}

func (m *MemoryStore) record(bucket, key string, t ChangeType) {
	m.changes = append(m.changes, Change{
		Version:   uint64(len(m.changes) + 1),
		Bucket:    bucket,
		Key:       key,
		Type:      t,
		Timestamp: m.clock.Now(),
	})
}

func (m *MemoryStore) GetChangesSince(version uint64) ([]Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Change
	for _, c := range m.changes {
		if c.Version > version {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *MemoryStore) CurrentVersion() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.changes))
}

func (m *MemoryStore) Close() error { return nil }

func getJSON(s Store, bucket, key string, v interface{}) error {
	data, err := s.Get(bucket, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, errors.KindInvalidDesired, "decode %s/%s", bucket, key)
	}
	return nil
}

func setJSON(s Store, bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "encode %s/%s", bucket, key)
	}
	return s.Set(bucket, key, data)
}
