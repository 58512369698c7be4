package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// GetFact returns the value stored under key. ok is false when the fact has
// never been written.
func GetFact(ctx context.Context, q Querier, key string) (value string, ok bool, err error) {
	var v sql.NullString
	err = q.QueryRowContext(ctx, `SELECT value FROM local_system_facts WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read fact %s: %w", key, err)
	}
	return v.String, true, nil
}

// SetFact writes value under key, replacing any previous value.
func SetFact(ctx context.Context, q Querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO local_system_facts (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write fact %s: %w", key, err)
	}
	return nil
}

// GetTickFact reads an integer fact, returning def when it is unset or empty.
func GetTickFact(ctx context.Context, q Querier, key string, def int64) (int64, error) {
	v, ok, err := GetFact(ctx, q, key)
	if err != nil {
		return 0, err
	}
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("fact %s holds non-numeric tick %q: %w", key, v, err)
	}
	return n, nil
}

// SetTickFact writes an integer fact.
func SetTickFact(ctx context.Context, q Querier, key string, tick int64) error {
	return SetFact(ctx, q, key, strconv.FormatInt(tick, 10))
}

// GetFact reads a fact from the pool.
func (db *DB) GetFact(ctx context.Context, key string) (string, bool, error) {
	return GetFact(ctx, db.conn, key)
}

// SetFact writes a fact through the pool.
func (db *DB) SetFact(ctx context.Context, key, value string) error {
	return SetFact(ctx, db.conn, key, value)
}

// Facts returns every stored fact.
func (db *DB) Facts(ctx context.Context) (map[string]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT key, value FROM local_system_facts ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}
	defer rows.Close()

	facts := make(map[string]string)
	for rows.Next() {
		var key string
		var value sql.NullString
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		facts[key] = value.String
	}
	return facts, rows.Err()
}
