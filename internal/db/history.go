package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/telemetrix/internal/telemetry"
)

// RecordSession stores a finished session. Recording the same session id
// twice replaces the earlier row.
func (db *DB) RecordSession(ctx context.Context, e telemetry.HistoryEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO session_history (
			session_id, started_at_ms, ended_at_ms, grade, frame_count,
			high_speed_count, sharp_turn_count, export_path, reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.StartedAt.UnixMilli(), e.EndedAt.UnixMilli(), string(e.Grade), e.FrameCount,
		e.HighSpeedCount, e.SharpTurnCount, e.ExportPath, string(e.Reason),
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", e.ID, err)
	}
	return nil
}

// ListSessions returns up to limit sessions, newest first. A limit of zero
// or less returns every session.
func (db *DB) ListSessions(ctx context.Context, limit int) ([]telemetry.HistoryEntry, error) {
	query := `
		SELECT session_id, started_at_ms, ended_at_ms, grade, frame_count,
			high_speed_count, sharp_turn_count, export_path, reason
		FROM session_history
		ORDER BY ended_at_ms DESC, started_at_ms DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	entries := []telemetry.HistoryEntry{}
	for rows.Next() {
		var (
			id, grade, reason  string
			startedMs, endedMs int64
			e                  telemetry.HistoryEntry
		)
		if err := rows.Scan(&id, &startedMs, &endedMs, &grade, &e.FrameCount,
			&e.HighSpeedCount, &e.SharpTurnCount, &e.ExportPath, &reason); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse session id %q: %w", id, err)
		}
		e.StartedAt = time.UnixMilli(startedMs).UTC()
		e.EndedAt = time.UnixMilli(endedMs).UTC()
		e.Grade = telemetry.Grade(grade)
		e.Reason = telemetry.StopReason(reason)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
