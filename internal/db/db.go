// Package db provides SQLite storage for the agent's local state.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roam/roam-agent/internal/connection"
	"github.com/roam/roam-agent/internal/hotspot"
)

// Well-known keys in the kv table.
const (
	KeyDeviceID      = "roam_device_id"
	KeyRemainingTime = "roam_remaining_seconds"
)

// DB represents the database connection.
type DB struct {
	conn *sql.DB
}

// Open opens the SQLite database and creates tables if needed.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if err := createTables(conn); err != nil {
		conn.Close()
		return nil, err
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func createTables(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS connection_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			is_active INTEGER NOT NULL DEFAULT 0,
			hotspot_json TEXT,
			session_token TEXT,
			expires_at_ms INTEGER,
			duration_minutes INTEGER DEFAULT 0,
			started_at_ms INTEGER,
			payment_ref TEXT,
			updated_at DATETIME
		);
	`)
	return err
}

// Get returns the value stored under key and whether it exists.
func (db *DB) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set stores value under key.
func (db *DB) Set(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now())
	return err
}

// SaveRemaining records the last-known remaining session time.
func (db *DB) SaveRemaining(remaining time.Duration) error {
	seconds := int64(remaining / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	return db.Set(context.Background(), KeyRemainingTime, strconv.FormatInt(seconds, 10))
}

// LastRemaining returns the last recorded remaining time, or 0.
func (db *DB) LastRemaining(ctx context.Context) (time.Duration, error) {
	value, ok, err := db.Get(ctx, KeyRemainingTime)
	if err != nil || !ok {
		return 0, err
	}
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid remaining time %q: %w", value, err)
	}
	return time.Duration(seconds) * time.Second, nil
}

// SaveState replaces the persisted connection snapshot.
func (db *DB) SaveState(s connection.State) error {
	if !s.Active {
		_, err := db.conn.Exec(`
			INSERT INTO connection_state (id, is_active, hotspot_json, session_token, expires_at_ms, duration_minutes, started_at_ms, payment_ref, updated_at)
			VALUES (1, 0, NULL, NULL, NULL, 0, NULL, NULL, ?)
			ON CONFLICT(id) DO UPDATE SET is_active = 0, hotspot_json = NULL, session_token = NULL,
				expires_at_ms = NULL, duration_minutes = 0, started_at_ms = NULL, payment_ref = NULL,
				updated_at = excluded.updated_at
		`, time.Now())
		return err
	}

	var hotspotJSON sql.NullString
	if s.Hotspot != nil {
		data, err := json.Marshal(s.Hotspot)
		if err != nil {
			return fmt.Errorf("failed to encode hotspot: %w", err)
		}
		hotspotJSON = sql.NullString{String: string(data), Valid: true}
	}

	var startedAt sql.NullInt64
	if !s.ConnectionStartTime.IsZero() {
		startedAt = sql.NullInt64{Int64: s.ConnectionStartTime.UnixMilli(), Valid: true}
	}

	_, err := db.conn.Exec(`
		INSERT INTO connection_state (id, is_active, hotspot_json, session_token, expires_at_ms, duration_minutes, started_at_ms, payment_ref, updated_at)
		VALUES (1, 1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET is_active = 1, hotspot_json = excluded.hotspot_json,
			session_token = excluded.session_token, expires_at_ms = excluded.expires_at_ms,
			duration_minutes = excluded.duration_minutes, started_at_ms = excluded.started_at_ms,
			payment_ref = excluded.payment_ref, updated_at = excluded.updated_at
	`, hotspotJSON, s.SessionToken, s.ExpiresAt.UnixMilli(), s.DurationMinutes, startedAt, s.PaymentRef, time.Now())
	return err
}

// LoadState returns the persisted connection snapshot, or an inactive
// state when none was saved.
func (db *DB) LoadState(ctx context.Context) (connection.State, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT is_active, hotspot_json, session_token, expires_at_ms, duration_minutes, started_at_ms, payment_ref
		FROM connection_state WHERE id = 1
	`)

	var active bool
	var hotspotJSON, token, paymentRef sql.NullString
	var expiresAt, startedAt sql.NullInt64
	var duration int
	err := row.Scan(&active, &hotspotJSON, &token, &expiresAt, &duration, &startedAt, &paymentRef)
	if errors.Is(err, sql.ErrNoRows) {
		return connection.State{}, nil
	}
	if err != nil {
		return connection.State{}, err
	}
	if !active || !token.Valid || !expiresAt.Valid {
		return connection.State{}, nil
	}

	s := connection.State{
		Active:          true,
		SessionToken:    token.String,
		ExpiresAt:       time.UnixMilli(expiresAt.Int64),
		DurationMinutes: duration,
	}
	if hotspotJSON.Valid {
		var h hotspot.Hotspot
		if err := json.Unmarshal([]byte(hotspotJSON.String), &h); err != nil {
			return connection.State{}, fmt.Errorf("failed to decode hotspot: %w", err)
		}
		s.Hotspot = &h
	}
	if startedAt.Valid {
		s.ConnectionStartTime = time.UnixMilli(startedAt.Int64)
	}
	if paymentRef.Valid {
		s.PaymentRef = paymentRef.String
	}
	return s, nil
}
