// Package ledger keeps the bookkeeping of one flash session in an in-memory
// SQLite database: which device identities were flashed and how every attempt
// went. Nothing outlives Close.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kbflash/kbflash/pkg/errors"
	appfsm "github.com/kbflash/kbflash/pkg/fsm"
)

// Ledger records one session.
type Ledger struct {
	db        *sql.DB
	sessionID string
}

// Open creates an empty ledger for sessionID.
func Open(ctx context.Context, sessionID string) (*Ledger, error) {
	slog.Debug("ledger_init", "session_id", sessionID)

	db, err := sql.Open("sqlite", "file::memory:")
	if err != nil {
		slog.Error("ledger_open_failed", "session_id", sessionID, "error", err)
		return nil, errors.Wrap(err, "failed to open ledger")
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		slog.Error("ledger_schema_failed", "session_id", sessionID, "error", err)
		return nil, errors.Wrap(err, "failed to create ledger schema")
	}

	return &Ledger{db: db, sessionID: sessionID}, nil
}

// Close discards the ledger.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// SessionID returns the session the ledger belongs to.
func (l *Ledger) SessionID() string {
	return l.sessionID
}

// IsFlashed reports whether identity was already flashed in this session.
func (l *Ledger) IsFlashed(ctx context.Context, identity string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM flashed_devices WHERE identity = ?`, identity).Scan(&n)
	if err != nil {
		slog.Error("ledger_query_failed", "identity", identity, "error", err)
		return false, errors.Wrap(err, "failed to query flashed devices")
	}
	return n > 0, nil
}

// MarkFlashed adds identity to the flashed set. Marking twice is a no-op.
func (l *Ledger) MarkFlashed(ctx context.Context, identity, devicePath, runID string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO flashed_devices (identity, device_path, run_id) VALUES (?, ?, ?)`,
		identity, devicePath, runID)
	if err != nil {
		slog.Error("ledger_mark_flashed_failed", "identity", identity, "error", err)
		return errors.Wrap(err, "failed to mark device flashed")
	}
	slog.Debug("ledger_device_flashed", "session_id", l.sessionID, "identity", identity, "device", devicePath)
	return nil
}

// Record stores one attempt.
func (l *Ledger) Record(ctx context.Context, res appfsm.AttemptResult) error {
	status := StatusFailed
	if res.Success {
		status = StatusSuccess
	}

	mountPaths, _ := json.Marshal(res.MountPaths)
	messages, _ := json.Marshal(res.Messages)
	errs, _ := json.Marshal(res.Errors)

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO attempts (run_id, device_path, identity, summary, status, final_state,
		                      mount_attempts, copy_attempts, mount_paths, clean_unmount,
		                      messages, errors, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, res.Path, res.Identity, res.Device, status, res.FinalState,
		res.MountAttempts, res.CopyAttempts, string(mountPaths), res.CleanUnmount,
		string(messages), string(errs), res.Duration.Milliseconds())
	if err != nil {
		slog.Error("ledger_record_failed", "run_id", res.RunID, "error", err)
		return errors.Wrap(err, "failed to record attempt")
	}
	return nil
}

// Attempts returns every recorded attempt in insertion order.
func (l *Ledger) Attempts(ctx context.Context) ([]appfsm.AttemptResult, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, device_path, identity, summary, status, final_state,
		       mount_attempts, copy_attempts, mount_paths, clean_unmount,
		       messages, errors, duration_ms
		FROM attempts ORDER BY id`)
	if err != nil {
		slog.Error("ledger_list_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list attempts")
	}
	defer rows.Close()

	var out []appfsm.AttemptResult
	for rows.Next() {
		var (
			res                        appfsm.AttemptResult
			summary, finalState        sql.NullString
			mountPaths, messages, errs sql.NullString
			status                     string
			durationMS                 int64
		)
		if err := rows.Scan(&res.RunID, &res.Path, &res.Identity, &summary, &status, &finalState,
			&res.MountAttempts, &res.CopyAttempts, &mountPaths, &res.CleanUnmount,
			&messages, &errs, &durationMS); err != nil {
			slog.Error("ledger_scan_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan attempt")
		}
		res.Device = summary.String
		res.FinalState = finalState.String
		res.Success = status == StatusSuccess
		res.Duration = time.Duration(durationMS) * time.Millisecond
		decodeList(mountPaths, &res.MountPaths)
		decodeList(messages, &res.Messages)
		decodeList(errs, &res.Errors)
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return out, nil
}

// Totals counts successful and failed attempts.
func (l *Ledger) Totals(ctx context.Context) (Totals, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM attempts GROUP BY status`)
	if err != nil {
		return Totals{}, errors.Wrap(err, "failed to count attempts")
	}
	defer rows.Close()

	var t Totals
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Totals{}, errors.Wrap(err, "failed to scan totals")
		}
		switch status {
		case StatusSuccess:
			t.Flashed = n
		case StatusFailed:
			t.Failed = n
		}
	}
	return t, rows.Err()
}

func decodeList(s sql.NullString, dst *[]string) {
	if !s.Valid || s.String == "" || s.String == "null" {
		return
	}
	if err := json.Unmarshal([]byte(s.String), dst); err != nil {
		slog.Warn("ledger_decode_failed", "error", err)
	}
}
