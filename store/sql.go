// Copyright 2026 The wbtcd Authors
// This file is part of the wbtcd library.
//
// The wbtcd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The wbtcd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the wbtcd library. If not, see <http://www.gnu.org/licenses/>.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// Supported database/sql drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

const wrapSchema = `
CREATE TABLE IF NOT EXISTS wrap_records (
	id                 %s,
	native_tx_id       TEXT NOT NULL UNIQUE,
	wallet_id          TEXT NOT NULL,
	recipient_address  TEXT NOT NULL,
	deposit_sat        BIGINT NOT NULL,
	minted_token_sat   BIGINT NOT NULL DEFAULT 0,
	state              TEXT NOT NULL,
	mint_tx_hash       TEXT NOT NULL DEFAULT '',
	exception_history  TEXT NOT NULL DEFAULT '{}',
	attempts           INTEGER NOT NULL DEFAULT 0,
	last_error_at      TIMESTAMP,
	created_at         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS wrap_records_state_idx ON wrap_records (state);
CREATE INDEX IF NOT EXISTS wrap_records_wallet_idx ON wrap_records (wallet_id);
`

const unwrapSchema = `
CREATE TABLE IF NOT EXISTS unwrap_records (
	id                        %s,
	burn_tx_hash              TEXT NOT NULL UNIQUE,
	wallet_id                 TEXT NOT NULL,
	native_recipient_address  TEXT NOT NULL,
	burn_sat                  BIGINT NOT NULL,
	eth_sender                TEXT NOT NULL,
	state                     TEXT NOT NULL,
	native_tx_id              TEXT NOT NULL DEFAULT '',
	sent_native_sat           BIGINT NOT NULL DEFAULT 0,
	exception_history         TEXT NOT NULL DEFAULT '{}',
	attempts                  INTEGER NOT NULL DEFAULT 0,
	last_error_at             TIMESTAMP,
	created_at                TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS unwrap_records_state_idx ON unwrap_records (state);
CREATE INDEX IF NOT EXISTS unwrap_records_wallet_idx ON unwrap_records (wallet_id);
CREATE INDEX IF NOT EXISTS unwrap_records_sender_idx ON unwrap_records (eth_sender);
`

// DB implements Store over database/sql. Postgres is the production
// driver; SQLite serves single-host deployments and development, the
// same split the holder tracker uses.
type DB struct {
	db     *sql.DB
	driver string
}

// Open connects and ensures the schema exists.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	s := &DB{db: db, driver: driver}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) init(ctx context.Context) error {
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		idCol = "BIGSERIAL PRIMARY KEY"
	}
	for _, schema := range []string{wrapSchema, unwrapSchema} {
		for _, stmt := range strings.Split(fmt.Sprintf(schema, idCol), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("store: init schema: %w", err)
			}
		}
	}
	return nil
}

// rebind rewrites ?-style placeholders for the active driver.
func (s *DB) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func marshalHistory(h map[string]int) string {
	if len(h) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func unmarshalHistory(raw string) map[string]int {
	if raw == "" || raw == "{}" {
		return nil
	}
	var h map[string]int
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil
	}
	return h
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

func (s *DB) InsertWrap(ctx context.Context, rec *WrapRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO wrap_records
		(native_tx_id, wallet_id, recipient_address, deposit_sat, minted_token_sat,
		 state, mint_tx_hash, exception_history, attempts, last_error_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{
		rec.NativeTxID, rec.WalletID, rec.RecipientAddress, rec.DepositSat, rec.MintedTokenSat,
		string(rec.State), rec.MintTxHash, marshalHistory(rec.ExceptionHistory),
		rec.Attempts, nullTime(rec.LastErrorAt), rec.CreatedAt.UTC(),
	}
	if s.driver == DriverPostgres {
		err := s.db.QueryRowContext(ctx, s.rebind(q+" RETURNING id"), args...).Scan(&rec.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("store: insert wrap: %w", err)
		}
		return nil
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("store: insert wrap: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

func (s *DB) InsertUnwrap(ctx context.Context, rec *UnwrapRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO unwrap_records
		(burn_tx_hash, wallet_id, native_recipient_address, burn_sat, eth_sender,
		 state, native_tx_id, sent_native_sat, exception_history, attempts, last_error_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{
		rec.BurnTxHash, rec.WalletID, rec.NativeRecipientAddress, rec.BurnSat, rec.EthSender,
		string(rec.State), rec.NativeTxID, rec.SentNativeSat, marshalHistory(rec.ExceptionHistory),
		rec.Attempts, nullTime(rec.LastErrorAt), rec.CreatedAt.UTC(),
	}
	if s.driver == DriverPostgres {
		err := s.db.QueryRowContext(ctx, s.rebind(q+" RETURNING id"), args...).Scan(&rec.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("store: insert unwrap: %w", err)
		}
		return nil
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("store: insert unwrap: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

const wrapCols = `id, native_tx_id, wallet_id, recipient_address, deposit_sat,
	minted_token_sat, state, mint_tx_hash, exception_history, attempts, last_error_at, created_at`

func scanWrap(row interface{ Scan(...any) error }) (*WrapRecord, error) {
	var (
		rec     WrapRecord
		state   string
		history string
		lastErr sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.NativeTxID, &rec.WalletID, &rec.RecipientAddress,
		&rec.DepositSat, &rec.MintedTokenSat, &state, &rec.MintTxHash,
		&history, &rec.Attempts, &lastErr, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.State = State(state)
	rec.ExceptionHistory = unmarshalHistory(history)
	rec.LastErrorAt = timePtr(lastErr)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

const unwrapCols = `id, burn_tx_hash, wallet_id, native_recipient_address, burn_sat,
	eth_sender, state, native_tx_id, sent_native_sat, exception_history, attempts, last_error_at, created_at`

func scanUnwrap(row interface{ Scan(...any) error }) (*UnwrapRecord, error) {
	var (
		rec     UnwrapRecord
		state   string
		history string
		lastErr sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.BurnTxHash, &rec.WalletID, &rec.NativeRecipientAddress,
		&rec.BurnSat, &rec.EthSender, &state, &rec.NativeTxID, &rec.SentNativeSat,
		&history, &rec.Attempts, &lastErr, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.State = State(state)
	rec.ExceptionHistory = unmarshalHistory(history)
	rec.LastErrorAt = timePtr(lastErr)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func (s *DB) WrapByNativeTxID(ctx context.Context, nativeTxID string) (*WrapRecord, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+wrapCols+` FROM wrap_records WHERE native_tx_id = ?`), nativeTxID)
	rec, err := scanWrap(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *DB) UnwrapByBurnTxHash(ctx context.Context, burnTxHash string) (*UnwrapRecord, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+unwrapCols+` FROM unwrap_records WHERE burn_tx_hash = ?`), burnTxHash)
	rec, err := scanUnwrap(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *DB) wraps(ctx context.Context, q string, arg any) ([]*WrapRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []*WrapRecord
	for rows.Next() {
		rec, err := scanWrap(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *DB) unwraps(ctx context.Context, q string, arg any) ([]*UnwrapRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []*UnwrapRecord
	for rows.Next() {
		rec, err := scanUnwrap(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *DB) WrapsByWallet(ctx context.Context, walletID string) ([]*WrapRecord, error) {
	return s.wraps(ctx, `SELECT `+wrapCols+` FROM wrap_records WHERE wallet_id = ? ORDER BY id`, walletID)
}

func (s *DB) UnwrapsByWallet(ctx context.Context, walletID string) ([]*UnwrapRecord, error) {
	return s.unwraps(ctx, `SELECT `+unwrapCols+` FROM unwrap_records WHERE wallet_id = ? ORDER BY id`, walletID)
}

func (s *DB) WrapsInState(ctx context.Context, st State) ([]*WrapRecord, error) {
	return s.wraps(ctx, `SELECT `+wrapCols+` FROM wrap_records WHERE state = ? ORDER BY id`, string(st))
}

func (s *DB) UnwrapsInState(ctx context.Context, st State) ([]*UnwrapRecord, error) {
	return s.unwraps(ctx, `SELECT `+unwrapCols+` FROM unwrap_records WHERE state = ? ORDER BY id`, string(st))
}

func (s *DB) CountUnwrapsBySender(ctx context.Context, sender string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM unwrap_records WHERE eth_sender = ?`), sender).Scan(&n)
	return n, err
}

// UpdateWrap persists rec with a compare-and-set on the previous state.
// The WHERE id AND state clause is the row lock equivalent for the
// single-writer engines: a sweep that lost the race observes ErrStale
// and drops the record until the next tick.
func (s *DB) UpdateWrap(ctx context.Context, rec *WrapRecord, from State) error {
	if !ValidWrapTransition(from, rec.State) {
		return fmt.Errorf("%w: wrap %s -> %s", ErrBadTransition, from, rec.State)
	}
	const q = `UPDATE wrap_records SET
		minted_token_sat = ?, state = ?, mint_tx_hash = ?,
		exception_history = ?, attempts = ?, last_error_at = ?
		WHERE id = ? AND state = ?`
	res, err := s.db.ExecContext(ctx, s.rebind(q),
		rec.MintedTokenSat, string(rec.State), rec.MintTxHash,
		marshalHistory(rec.ExceptionHistory), rec.Attempts, nullTime(rec.LastErrorAt),
		rec.ID, string(from))
	if err != nil {
		return fmt.Errorf("store: update wrap: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

func (s *DB) UpdateUnwrap(ctx context.Context, rec *UnwrapRecord, from State) error {
	if !ValidUnwrapTransition(from, rec.State) {
		return fmt.Errorf("%w: unwrap %s -> %s", ErrBadTransition, from, rec.State)
	}
	const q = `UPDATE unwrap_records SET
		state = ?, native_tx_id = ?, sent_native_sat = ?,
		exception_history = ?, attempts = ?, last_error_at = ?
		WHERE id = ? AND state = ?`
	res, err := s.db.ExecContext(ctx, s.rebind(q),
		string(rec.State), rec.NativeTxID, rec.SentNativeSat,
		marshalHistory(rec.ExceptionHistory), rec.Attempts, nullTime(rec.LastErrorAt),
		rec.ID, string(from))
	if err != nil {
		return fmt.Errorf("store: update unwrap: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

func (s *DB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *DB) Close() error { return s.db.Close() }
