// Package db keeps a SQLite index of capture sessions and written frames.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"evolve-car-go/internal/types"
)

type DB struct {
	*sql.DB
}

// Session is one capture run as stored in the index.
type Session struct {
	ID        string
	StartedAt time.Time
	EndedAt   *time.Time
	Host      string
	Port      int
	AgentID   types.ActorID
	Placement types.Transform
}

func NewDB(path string) (*DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id                TEXT PRIMARY KEY,
			started_at        TIMESTAMP NOT NULL,
			ended_at          TIMESTAMP,
			host              TEXT,
			port              INTEGER,
			agent_id          INTEGER,
			placement         TEXT
		);
		CREATE TABLE IF NOT EXISTS frames (
			session_id        TEXT NOT NULL,
			tag               TEXT NOT NULL,
			seq               INTEGER NOT NULL,
			path              TEXT NOT NULL,
			sim_frame         INTEGER,
			sim_time          DOUBLE,
			written_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, tag, seq),
			FOREIGN KEY(session_id) REFERENCES sessions(id)
		);
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) RecordSession(s Session) error {
	placement, err := json.Marshal(s.Placement)
	if err != nil {
		return fmt.Errorf("encode placement: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO sessions (id, started_at, host, port, agent_id, placement)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			placement = excluded.placement`,
		s.ID, s.StartedAt.UTC(), s.Host, s.Port, int64(s.AgentID), string(placement),
	)
	if err != nil {
		return fmt.Errorf("record session %s: %w", s.ID, err)
	}
	return nil
}

func (db *DB) EndSession(id string, endedAt time.Time) error {
	res, err := db.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ?`, endedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end session %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

func (db *DB) GetSession(id string) (Session, error) {
	var (
		s         Session
		ended     sql.NullTime
		agentID   int64
		placement string
	)
	err := db.QueryRow(`
		SELECT id, started_at, ended_at, host, port, agent_id, placement
		FROM sessions WHERE id = ?`, id,
	).Scan(&s.ID, &s.StartedAt, &ended, &s.Host, &s.Port, &agentID, &placement)
	if err != nil {
		return Session{}, err
	}
	if ended.Valid {
		t := ended.Time
		s.EndedAt = &t
	}
	s.AgentID = types.ActorID(agentID)
	if err := json.Unmarshal([]byte(placement), &s.Placement); err != nil {
		return Session{}, fmt.Errorf("decode placement: %w", err)
	}
	return s, nil
}

func (db *DB) RecordFrame(r types.FrameRecord) error {
	_, err := db.Exec(`
		INSERT INTO frames (session_id, tag, seq, path, sim_frame, sim_time, written_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.Tag, int64(r.Seq), r.Path, int64(r.SimFrame), r.SimTime, r.WrittenAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record frame %s/%d: %w", r.Tag, r.Seq, err)
	}
	return nil
}

// FrameCounts returns the number of indexed frames per tag for a session.
func (db *DB) FrameCounts(sessionID string) (map[string]int64, error) {
	rows, err := db.Query(`
		SELECT tag, COUNT(*) FROM frames
		WHERE session_id = ?
		GROUP BY tag`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var tag string
		var n int64
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, err
		}
		counts[tag] = n
	}
	return counts, rows.Err()
}
