// Package sqlite is the SQLite-backed session store, selected with
// sessions.backend: "sqlite". Records are stored as JSON rows; transcript
// addressing stays on the filesystem, identical to the file store.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/switchboard/internal/sessions"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	key        TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Store implements sessions.StoreAPI on SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex // single writer, same discipline as the file store

	// files handles transcript addressing, shared with the file store.
	files *sessions.Store
}

var _ sessions.StoreAPI = (*Store)(nil)

// Open creates (or opens) the database under dir.
func Open(dir string) (*Store, error) {
	db, err := sql.Open("sqlite", filepath.Join(dir, "sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc sqlite: serialize access
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init session db: %w", err)
	}
	return &Store{db: db, files: sessions.NewStore(dir)}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Load returns all sessions.
func (s *Store) Load() (map[string]sessions.Session, error) {
	rows, err := s.db.Query(`SELECT key, data FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sessions.Session)
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, err
		}
		var sess sessions.Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			continue // skip unreadable rows, never fail the whole load
		}
		out[key] = sess
	}
	return out, rows.Err()
}

// Get returns one session.
func (s *Store) Get(key string) (sessions.Session, bool, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM sessions WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return sessions.Session{}, false, nil
	}
	if err != nil {
		return sessions.Session{}, false, err
	}
	var sess sessions.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return sessions.Session{}, false, err
	}
	return sess, true, nil
}

// Mutate runs fn under the single writer. I/O failures are fatal to the
// call.
func (s *Store) Mutate(key string, fn func(cur *sessions.Session) *sessions.Session) (sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok, err := s.Get(key)
	if err != nil {
		return sessions.Session{}, err
	}
	var curPtr *sessions.Session
	if ok {
		clone := cur
		curPtr = &clone
	}

	next := fn(curPtr)
	if next == nil {
		_, err := s.db.Exec(`DELETE FROM sessions WHERE key = ?`, key)
		return sessions.Session{}, err
	}

	next.UpdatedAt = time.Now()
	data, err := json.Marshal(next)
	if err != nil {
		return sessions.Session{}, err
	}
	_, err = s.db.Exec(`
INSERT INTO sessions (key, data, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key, string(data), next.UpdatedAt.UnixMilli())
	if err != nil {
		return sessions.Session{}, err
	}
	return *next, nil
}

// Delete removes a session row.
func (s *Store) Delete(key string) error {
	_, err := s.Mutate(key, func(*sessions.Session) *sessions.Session { return nil })
	return err
}

// Transcript addressing is shared with the file store.

func (s *Store) TranscriptPath(sessionID, agentID string) string {
	return s.files.TranscriptPath(sessionID, agentID)
}

func (s *Store) ResolveTranscriptCandidates(sessionID, agentID string) []string {
	return s.files.ResolveTranscriptCandidates(sessionID, agentID)
}

func (s *Store) OpenTranscript(sessionID, agentID string) string {
	return s.files.OpenTranscript(sessionID, agentID)
}

func (s *Store) Archive(sessionID, agentID string, reason sessions.ArchiveReason) {
	s.files.Archive(sessionID, agentID, reason)
}
