package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/mocap.relay/internal/mocap/record"
)

// ErrSessionNotFound is returned for an unknown session ID.
var ErrSessionNotFound = errors.New("session not found")

// StartSession inserts an open session row.
func (db *DB) StartSession(ctx context.Context, s record.Session) error {
	if s.ID == "" {
		return errors.New("session ID is required")
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, server_host, server_port, protocol_version, udp_port, components, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Target.Host, s.Target.Port, s.Version, s.UDPPort,
		strings.Join(s.Components, " "), s.StartedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to start session %s: %w", s.ID, err)
	}
	return nil
}

// EndSession closes an open session. Ending an already closed session keeps
// the first end time and reason.
func (db *DB) EndSession(ctx context.Context, id string, endedAt time.Time, reason string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ?, end_reason = ?
		WHERE session_id = ? AND ended_at IS NULL`,
		endedAt.UnixNano(), reason, id,
	)
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", id, err)
	}
	if n == 0 {
		if _, err := db.GetSession(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

const sessionColumns = `session_id, server_host, server_port, protocol_version, udp_port,
	components, started_at, ended_at, end_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (record.Session, error) {
	var (
		s          record.Session
		components string
		startedAt  int64
		endedAt    sql.NullInt64
		reason     sql.NullString
	)
	err := row.Scan(&s.ID, &s.Target.Host, &s.Target.Port, &s.Version, &s.UDPPort,
		&components, &startedAt, &endedAt, &reason)
	if err != nil {
		return s, err
	}
	if components != "" {
		s.Components = strings.Fields(components)
	}
	s.StartedAt = time.Unix(0, startedAt)
	if endedAt.Valid {
		s.EndedAt = time.Unix(0, endedAt.Int64)
	}
	s.EndReason = reason.String
	return s, nil
}

// GetSession returns one session.
func (db *DB) GetSession(ctx context.Context, id string) (record.Session, error) {
	row := db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return s, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return s, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	return s, nil
}

// ListSessions returns the most recent sessions first. limit <= 0 returns all.
func (db *DB) ListSessions(ctx context.Context, limit int) ([]record.Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []record.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CloseOpenSessions ends sessions left open by a previous process, for
// example after a crash. It returns the number closed.
func (db *DB) CloseOpenSessions(ctx context.Context, endedAt time.Time, reason string) (int64, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, end_reason = ? WHERE ended_at IS NULL`,
		endedAt.UnixNano(), reason)
	if err != nil {
		return 0, fmt.Errorf("failed to close open sessions: %w", err)
	}
	return res.RowsAffected()
}
