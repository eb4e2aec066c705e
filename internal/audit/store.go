package audit

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// ErrNotFound is returned when an entry doesn't exist.
var ErrNotFound = errors.New("entry not found")

// Store appends hash-chained entries to SQLite.
type Store struct {
	db       *sql.DB
	mu       sync.Mutex
	lastHash string
	lastSeq  uint64
}

// OpenStore opens or creates a log store at the given path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer keeps sequence numbers and the chain consistent.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	store := &Store{db: db}
	if err := store.loadLastEntry(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS requests (
			seq       INTEGER PRIMARY KEY,
			ts        TEXT NOT NULL,
			client    TEXT NOT NULL,
			role      TEXT NOT NULL,
			status    INTEGER NOT NULL,
			prev_hash TEXT NOT NULL,
			data      TEXT NOT NULL,
			hash      TEXT NOT NULL UNIQUE
		);
		CREATE INDEX IF NOT EXISTS idx_requests_ts ON requests(ts);
		CREATE INDEX IF NOT EXISTS idx_requests_role ON requests(role);
	`)
	if err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	return nil
}

func (s *Store) loadLastEntry() error {
	row := s.db.QueryRow(`
		SELECT seq, hash FROM requests ORDER BY seq DESC LIMIT 1
	`)
	var seq uint64
	var hash string
	err := row.Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // Empty store
	}
	if err != nil {
		return fmt.Errorf("loading last entry: %w", err)
	}
	s.lastSeq = seq
	s.lastHash = hash
	return nil
}

// Append adds a new entry to the store, returning the created entry.
func (s *Store) Append(ts time.Time, rec Record) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := newEntry(s.lastSeq+1, s.lastHash, ts, rec)

	_, err := s.db.Exec(`
		INSERT INTO requests (seq, ts, client, role, status, prev_hash, data, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.Sequence, entry.Timestamp.Format(time.RFC3339Nano),
		rec.Client, rec.Role, rec.Status, entry.PrevHash, string(entry.recordJSON), entry.Hash)
	if err != nil {
		return nil, fmt.Errorf("inserting entry: %w", err)
	}

	s.lastSeq = entry.Sequence
	s.lastHash = entry.Hash

	return entry, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get retrieves an entry by sequence number.
func (s *Store) Get(seq uint64) (*Entry, error) {
	row := s.db.QueryRow(`
		SELECT seq, ts, prev_hash, data, hash
		FROM requests WHERE seq = ?
	`, seq)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// Count returns the total number of entries.
func (s *Store) Count() (uint64, error) {
	var count uint64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM requests`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting entries: %w", err)
	}
	return count, nil
}

// Range retrieves entries from startSeq to endSeq (inclusive).
func (s *Store) Range(startSeq, endSeq uint64) ([]*Entry, error) {
	return s.query(`
		SELECT seq, ts, prev_hash, data, hash
		FROM requests WHERE seq >= ? AND seq <= ?
		ORDER BY seq
	`, startSeq, endSeq)
}

// Recent returns up to limit of the newest entries, oldest first. A
// non-empty role restricts the result to that role name.
func (s *Store) Recent(limit int, role string) ([]*Entry, error) {
	entries, err := s.query(`
		SELECT seq, ts, prev_hash, data, hash
		FROM requests WHERE (? = '' OR role = ?)
		ORDER BY seq DESC LIMIT ?
	`, role, role, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// ChainResult is the outcome of VerifyChain.
type ChainResult struct {
	Valid      bool   `json:"valid"`
	EntryCount uint64 `json:"entry_count"`
	Error      string `json:"error,omitempty"`
}

// VerifyChain walks every entry and checks sequence continuity, the link to
// the previous hash, and each entry's own hash.
func (s *Store) VerifyChain() (*ChainResult, error) {
	rows, err := s.db.Query(`
		SELECT seq, ts, prev_hash, data, hash FROM requests ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	result := &ChainResult{Valid: true}
	expectSeq := FirstSequence
	prevHash := ""
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result.EntryCount++

		switch {
		case e.Sequence != expectSeq:
			result.Valid = false
			result.Error = fmt.Sprintf("sequence gap: expected %d, found %d", expectSeq, e.Sequence)
		case e.PrevHash != prevHash:
			result.Valid = false
			result.Error = fmt.Sprintf("broken link at seq %d", e.Sequence)
		case !e.Verify():
			result.Valid = false
			result.Error = fmt.Sprintf("hash mismatch at seq %d", e.Sequence)
		}
		if !result.Valid {
			return result, nil
		}
		expectSeq++
		prevHash = e.Hash
	}
	return result, rows.Err()
}

func (s *Store) query(q string, args ...any) ([]*Entry, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var tsStr, dataStr string
	err := row.Scan(&e.Sequence, &tsStr, &e.PrevHash, &dataStr, &e.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning entry: %w", err)
	}

	e.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		return nil, fmt.Errorf("entry %d: parsing timestamp: %w", e.Sequence, err)
	}
	e.recordJSON = []byte(dataStr)
	if err := json.Unmarshal(e.recordJSON, &e.Record); err != nil {
		return nil, fmt.Errorf("entry %d: decoding record: %w", e.Sequence, err)
	}
	return &e, nil
}
