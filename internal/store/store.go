// Package store is the sqlite-backed persistence layer: the finished
// recording index and the ResumeState table that survives a server
// restart (SPEC_FULL.md C4/C6 additions; spec.md §8 Open Question on
// eviction policy, resolved as a bounded LRU).
//
// Modeled on internal/database/database.go's sql.Open("sqlite", ...) +
// WAL-pragma + migration pattern, with the camera/motion-detection
// schema replaced by the recording-index and resume-state schema this
// system actually needs.
package store

import (
	"database/sql"
	"fmt"
	"log"

	_ "modernc.org/sqlite"
)

// ResumeCap is the bounded LRU size for ResumeState (spec.md §8 OQ2,
// DESIGN.md Open Question decision #2).
const ResumeCap = 64

// Recording is one finished recording's metadata.
type Recording struct {
	ID            int64
	Path          string
	StartedAtMS   int64
	StoppedAtMS   int64
	DurationMS    int64
	Width, Height int
	HadAudio      bool
}

// ResumeState is the persisted form of spec.md §3's ResumeState record:
// a session_id's prior requested config and when it was last touched.
type ResumeState struct {
	SessionID     string
	Width, Height int
	BitrateBPS    int
	FPS           int
	TimestampMS   int64
}

// Store wraps the sqlite database backing both tables.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open opens (creating if necessary) the sqlite database at path and
// runs its migration. path may be ":memory:" for tests.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS recordings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL,
			started_at_ms INTEGER NOT NULL,
			stopped_at_ms INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			had_audio INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS resume_states (
			session_id TEXT PRIMARY KEY,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			bitrate_bps INTEGER NOT NULL,
			fps INTEGER NOT NULL,
			timestamp_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_resume_states_timestamp ON resume_states(timestamp_ms)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordFinishedRecording inserts a completed recording's metadata.
func (s *Store) RecordFinishedRecording(r Recording) error {
	_, err := s.db.Exec(
		`INSERT INTO recordings (path, started_at_ms, stopped_at_ms, duration_ms, width, height, had_audio)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Path, r.StartedAtMS, r.StoppedAtMS, r.DurationMS, r.Width, r.Height, boolToInt(r.HadAudio),
	)
	if err != nil {
		return fmt.Errorf("store: record finished recording: %w", err)
	}
	return nil
}

// ListRecordings returns the most recent recordings, newest first,
// capped at limit.
func (s *Store) ListRecordings(limit int) ([]Recording, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, path, started_at_ms, stopped_at_ms, duration_ms, width, height, had_audio
		 FROM recordings ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list recordings: %w", err)
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		var r Recording
		var hadAudio int
		if err := rows.Scan(&r.ID, &r.Path, &r.StartedAtMS, &r.StoppedAtMS, &r.DurationMS, &r.Width, &r.Height, &hadAudio); err != nil {
			return nil, fmt.Errorf("store: scan recording: %w", err)
		}
		r.HadAudio = hadAudio != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveResumeState upserts a session's resume state and enforces the
// bounded-LRU cap, evicting the least-recently-touched entries beyond
// ResumeCap.
func (s *Store) SaveResumeState(rs ResumeState) error {
	_, err := s.db.Exec(
		`INSERT INTO resume_states (session_id, width, height, bitrate_bps, fps, timestamp_ms)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   width=excluded.width, height=excluded.height, bitrate_bps=excluded.bitrate_bps,
		   fps=excluded.fps, timestamp_ms=excluded.timestamp_ms`,
		rs.SessionID, rs.Width, rs.Height, rs.BitrateBPS, rs.FPS, rs.TimestampMS,
	)
	if err != nil {
		return fmt.Errorf("store: save resume state: %w", err)
	}
	return s.evictExcess()
}

func (s *Store) evictExcess() error {
	_, err := s.db.Exec(
		`DELETE FROM resume_states WHERE session_id IN (
			SELECT session_id FROM resume_states ORDER BY timestamp_ms DESC LIMIT -1 OFFSET ?
		)`, ResumeCap,
	)
	if err != nil {
		return fmt.Errorf("store: evict resume states: %w", err)
	}
	return nil
}

// GetResumeState fetches a session's resume state, ok=false if absent.
func (s *Store) GetResumeState(sessionID string) (ResumeState, bool, error) {
	row := s.db.QueryRow(
		`SELECT session_id, width, height, bitrate_bps, fps, timestamp_ms
		 FROM resume_states WHERE session_id = ?`, sessionID,
	)
	var rs ResumeState
	err := row.Scan(&rs.SessionID, &rs.Width, &rs.Height, &rs.BitrateBPS, &rs.FPS, &rs.TimestampMS)
	if err == sql.ErrNoRows {
		return ResumeState{}, false, nil
	}
	if err != nil {
		return ResumeState{}, false, fmt.Errorf("store: get resume state: %w", err)
	}
	return rs, true, nil
}

// DeleteResumeState removes a session's resume state once consumed or
// superseded by a fresh negotiation.
func (s *Store) DeleteResumeState(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM resume_states WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("store: delete resume state: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
