// Package sqlite is the primary audit store: queryable events plus the
// integrity chain state.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentsh/execgate/pkg/types"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			ts_unix_ns INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			command_id TEXT,
			agent TEXT,
			type TEXT NOT NULL,
			policy_decision TEXT,
			approval_decision TEXT,
			command TEXT,
			path TEXT,
			payload_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_events_command_ts ON events(command_id, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(type, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_events_agent_ts ON events(agent, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_events_path ON events(path);`,
		`CREATE TABLE IF NOT EXISTS audit_chain (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			sequence INTEGER NOT NULL,
			prev_hash TEXT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	if ev.ID == "" {
		return fmt.Errorf("event missing id")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	agent, _ := ev.Fields["agent"].(string)
	var policyDecision, approvalDecision string
	if ev.Policy != nil {
		policyDecision = string(ev.Policy.Decision)
		if ev.Policy.Approval != nil {
			approvalDecision = string(ev.Policy.Approval.Decision)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events(
			event_id, ts_unix_ns, session_id, command_id, agent, type,
			policy_decision, approval_decision, command, path, payload_json
		) VALUES(?,?,?,?,?,?,?,?,?,?,?);`,
		ev.ID,
		ev.Timestamp.UTC().UnixNano(),
		ev.SessionID,
		nullable(ev.CommandID),
		nullable(agent),
		ev.Type,
		nullable(policyDecision),
		nullable(approvalDecision),
		nullable(ev.Command),
		nullable(ev.Path),
		string(b),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// QueryEvents filters events. Results are ordered by timestamp, ties broken
// by insertion order.
func (s *Store) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	where := []string{"1=1"}
	var args []any

	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.CommandID != "" {
		where = append(where, "command_id = ?")
		args = append(args, q.CommandID)
	}
	if q.Agent != "" {
		where = append(where, "agent = ?")
		args = append(args, q.Agent)
	}
	if len(q.Types) > 0 {
		place := make([]string, 0, len(q.Types))
		for _, t := range q.Types {
			place = append(place, "?")
			args = append(args, t)
		}
		where = append(where, "type IN ("+strings.Join(place, ",")+")")
	}
	if q.Since != nil {
		where = append(where, "ts_unix_ns >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}
	if q.Until != nil {
		where = append(where, "ts_unix_ns <= ?")
		args = append(args, q.Until.UTC().UnixNano())
	}
	if q.Decision != nil {
		where = append(where, "policy_decision = ?")
		args = append(args, string(*q.Decision))
	}
	if q.PathLike != "" {
		where = append(where, "path LIKE ?")
		args = append(args, q.PathLike)
	}
	if q.TextLike != "" {
		where = append(where, "payload_json LIKE ?")
		args = append(args, q.TextLike)
	}

	order := "DESC"
	if q.Asc {
		order = "ASC"
	}
	limit := q.Limit
	if limit <= 0 || limit > 5000 {
		limit = 200
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload_json FROM events WHERE `+strings.Join(where, " AND ")+
			` ORDER BY ts_unix_ns `+order+`, seq `+order+` LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return scanEvents(rows)
}

// AllEvents returns every event in insertion order, for chain verification.
func (s *Store) AllEvents(ctx context.Context) ([]types.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload_json FROM events ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]types.Event, error) {
	defer rows.Close()
	var out []types.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev types.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return out, nil
}

func (s *Store) LoadChainState(ctx context.Context) (int64, string, error) {
	var seq int64
	var prev string
	err := s.db.QueryRowContext(ctx, `SELECT sequence, prev_hash FROM audit_chain WHERE id = 1`).Scan(&seq, &prev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("read audit chain: %w", err)
	}
	return seq, prev, nil
}

func (s *Store) SaveChainState(ctx context.Context, seq int64, prevHash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_chain(id, sequence, prev_hash) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET sequence = excluded.sequence, prev_hash = excluded.prev_hash`,
		seq, prevHash)
	if err != nil {
		return fmt.Errorf("save audit chain: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
