package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

// Journal records dispatched purges.
//
// Implementations must be thread-safe!
type Journal interface {
	// Record stores an entry. An empty ID is replaced by a new UUID.
	Record(entry Entry) error
	// Recent returns up to limit entries, newest first.
	Recent(limit int) ([]Entry, error)
}

// Entry is one PURGE call sent to the accelerator.
type Entry struct {
	ID     string    `json:"id"`
	At     time.Time `json:"at"`
	Server string    `json:"server"`
	Tags   []string  `json:"tags"`
	// Success is false when the call failed or returned a non-2xx status.
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func withID(entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	return entry
}

type MemJournal struct {
	mutex   *sync.RWMutex
	entries []Entry
	// zero means unbounded
	max int
}

// NewMemJournal returns an in-memory journal keeping at most max entries.
// A max of zero keeps everything.
func NewMemJournal(max int) *MemJournal {
	return &MemJournal{
		mutex: &sync.RWMutex{},
		max:   max,
	}
}

func (m *MemJournal) Record(entry Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.entries = append(m.entries, withID(entry))
	if m.max > 0 && len(m.entries) > m.max {
		m.entries = m.entries[len(m.entries)-m.max:]
	}
	return nil
}

func (m *MemJournal) Recent(limit int) ([]Entry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries := make([]Entry, 0, len(m.entries))
	for i := len(m.entries) - 1; i >= 0; i-- {
		if limit > 0 && len(entries) == limit {
			break
		}
		entries = append(entries, m.entries[i])
	}
	return entries, nil
}

type SQLiteJournal struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteJournal opens a journal with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteJournal(filename string) (*SQLiteJournal, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS purges (
		id TEXT PRIMARY KEY,
		at INTEGER,
		server TEXT,
		tags TEXT, -- JSON array
		success INTEGER,
		error TEXT
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal table: %w", err)
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS at_idx ON purges (at)")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal index: %w", err)
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	return &SQLiteJournal{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteJournal) Record(entry Entry) error {
	entry = withID(entry)
	tags, err := json.Marshal(entry.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.Exec(`INSERT OR REPLACE INTO purges
		(id, at, server, tags, success, error) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.At.UnixNano(), entry.Server, string(tags), entry.Success, entry.Error)
	return err
}

func (s *SQLiteJournal) Recent(limit int) ([]Entry, error) {
	query := "SELECT id, at, server, tags, success, error FROM purges ORDER BY at DESC"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var entry Entry
		var at int64
		var tags string
		if err := rows.Scan(&entry.ID, &at, &entry.Server, &tags, &entry.Success, &entry.Error); err != nil {
			return entries, err
		}
		entry.At = time.Unix(0, at)
		if err := json.Unmarshal([]byte(tags), &entry.Tags); err != nil {
			return entries, fmt.Errorf("decode tags of %s: %w", entry.ID, err)
		}
		entries = append(entries, entry)
	}
	// rows with the same timestamp keep a stable order
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].At.After(entries[j].At) })
	return entries, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteJournal) Close() error {
	return s.db.Close()
}
