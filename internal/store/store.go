// Package store keeps the build history in sqlite and hands out build
// numbers when the host pipeline does not provide one.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

type Build struct {
	UUID          string
	BuildNumber   int
	InProgress    bool
	Success       *bool
	ExitCode      *int
	FailureReason *string
	Started       time.Time
	Stopped       *time.Time
}

type BuildRow struct {
	Build
	ID int
}

func (b BuildRow) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#%d uuid: %q, started: %s", b.BuildNumber, b.UUID, b.Started.Format(time.RFC3339))
	switch {
	case b.InProgress:
		sb.WriteString(", in progress")
	case b.Success != nil && *b.Success:
		sb.WriteString(", success")
	default:
		sb.WriteString(", failed")
	}
	if b.ExitCode != nil {
		fmt.Fprintf(&sb, ", exit_code: %d", *b.ExitCode)
	}
	if b.FailureReason != nil {
		fmt.Fprintf(&sb, ", failure_reason: %q", *b.FailureReason)
	}
	return sb.String()
}

// InitDB opens dbPath and creates the schema. A single connection is used,
// so ":memory:" databases behave like files.
func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS builds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			build_number INTEGER NOT NULL,
			in_progress BOOLEAN NOT NULL,
			success BOOLEAN DEFAULT NULL,
			exit_code INTEGER DEFAULT NULL,
			failure_reason TEXT DEFAULT NULL,
			started INTEGER NOT NULL,
			stopped INTEGER DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Start records that a build identified by uuid is in progress and returns
// its build number. A buildNumber <= 0 is replaced by the next free one.
// Starting a build in progress again is not an error, a finished one returns
// ErrAlreadyFinished.
func Start(ctx context.Context, db *sql.DB, uuid string, buildNumber int) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer rollback(ctx, tx, uuid)

	var inProgress bool
	var number int
	row := tx.QueryRowContext(ctx,
		`SELECT in_progress, build_number FROM builds WHERE uuid=?`, uuid,
	)
	err = row.Scan(&inProgress, &number)
	switch {
	case err == nil && inProgress:
		return number, nil
	case err == nil && !inProgress:
		return 0, ErrAlreadyFinished
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("executing sql query failed: %w", err)
	}

	if buildNumber <= 0 {
		row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(build_number), 0) + 1 FROM builds`)
		if err := row.Scan(&buildNumber); err != nil {
			return 0, fmt.Errorf("executing sql query failed: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO builds (uuid, build_number, in_progress, started) VALUES (?,?,?,?);`,
		uuid, buildNumber, true, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction failed: %w", err)
	}
	return buildNumber, nil
}

// Get returns a build identified by uuid or ErrNotFound.
func Get(ctx context.Context, db *sql.DB, uuid string) (BuildRow, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, uuid, build_number, in_progress, success, exit_code, failure_reason, started, stopped
		 FROM builds WHERE uuid=?`, uuid,
	)
	b, err := scanRow(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return BuildRow{}, ErrNotFound
	case err != nil:
		return BuildRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return b, nil
}

// List returns up to limit builds, the latest first.
func List(ctx context.Context, db *sql.DB, limit int) ([]BuildRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, uuid, build_number, in_progress, success, exit_code, failure_reason, started, stopped
		 FROM builds ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []BuildRow
	for rows.Next() {
		b, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		ret = append(ret, b)
	}
	return ret, rows.Err()
}

// FinishOK marks the build as succeeded.
func FinishOK(ctx context.Context, db *sql.DB, uuid string, exitCode int) error {
	return finish(ctx, db, uuid, true, &exitCode, nil)
}

// FinishErr marks the build as failed. exitCode is nil when the process did
// not exit on its own (staging error, launch error or cancellation).
func FinishErr(ctx context.Context, db *sql.DB, uuid string, exitCode *int, reason string) error {
	return finish(ctx, db, uuid, false, exitCode, &reason)
}

func finish(ctx context.Context, db *sql.DB, uuid string, success bool, exitCode *int, reason *string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var inProgress bool
	row := tx.QueryRowContext(ctx,
		`SELECT in_progress FROM builds WHERE uuid=?`, uuid,
	)
	err = row.Scan(&inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE builds
		 SET
			in_progress = false,
			success = ?,
			exit_code = ?,
			failure_reason = ?,
			stopped = ?
		WHERE uuid = ?;
		`, success, exitCode, reason, time.Now().UTC().UnixMilli(), uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

func Delete(ctx context.Context, db *sql.DB, uuid string) error {
	result, err := db.ExecContext(ctx,
		`DELETE FROM builds WHERE uuid=?`, uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}

	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (BuildRow, error) {
	var b BuildRow
	var started int64
	var stopped *int64
	err := s.Scan(
		&b.ID,
		&b.UUID,
		&b.BuildNumber,
		&b.InProgress,
		&b.Success,
		&b.ExitCode,
		&b.FailureReason,
		&started,
		&stopped,
	)
	if err != nil {
		return BuildRow{}, err
	}
	b.Started = time.UnixMilli(started).UTC()
	if stopped != nil {
		t := time.UnixMilli(*stopped).UTC()
		b.Stopped = &t
	}
	return b, nil
}

func rollback(ctx context.Context, tx *sql.Tx, uuid string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("uuid", uuid))
	}
}
