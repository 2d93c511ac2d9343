package db

import (
	"fmt"
	"time"
)

// PendingRow is a journaled pending order.
type PendingRow struct {
	Key         string
	Instrument  string
	Action      string
	Lots        int
	BrokerID    string
	SubmittedAt time.Time
	HTTPStatus  int
	Attempts    int
}

// FilledRow is a journaled fill.
type FilledRow struct {
	Key        string
	Instrument string
	Action     string
	Lots       int
	BrokerID   string
	FillPrice  float64
	FilledAt   time.Time
}

// InsertPending journals a dispatched order.
func (d *Database) InsertPending(r PendingRow) error {
	_, err := d.DB.Exec(`
		INSERT OR REPLACE INTO pending_orders
			(idempotency_key, instrument, action, lots, broker_id, submitted_at, http_status, attempts, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending')
	`, r.Key, r.Instrument, r.Action, r.Lots, r.BrokerID, r.SubmittedAt.UTC(), r.HTTPStatus, r.Attempts)
	if err != nil {
		return fmt.Errorf("insert pending order: %w", err)
	}
	return nil
}

// RecordFill journals a fill and retires the pending row.
func (d *Database) RecordFill(r FilledRow) error {
	tx, err := d.DB.Begin()
	if err != nil {
		return fmt.Errorf("begin fill tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO filled_orders
			(idempotency_key, instrument, action, lots, broker_id, fill_price, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.Key, r.Instrument, r.Action, r.Lots, r.BrokerID, r.FillPrice, r.FilledAt.UTC()); err != nil {
		return fmt.Errorf("insert filled order: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE pending_orders SET status = 'filled' WHERE idempotency_key = ?`, r.Key,
	); err != nil {
		return fmt.Errorf("retire pending order: %w", err)
	}
	return tx.Commit()
}

// LoadPending returns all still-pending journal rows, oldest first.
func (d *Database) LoadPending() ([]PendingRow, error) {
	rows, err := d.DB.Query(`
		SELECT idempotency_key, instrument, action, lots, broker_id, submitted_at, http_status, attempts
		FROM pending_orders
		WHERE status = 'pending'
		ORDER BY submitted_at
	`)
	if err != nil {
		return nil, fmt.Errorf("load pending orders: %w", err)
	}
	defer rows.Close()

	var out []PendingRow
	for rows.Next() {
		var r PendingRow
		if err := rows.Scan(&r.Key, &r.Instrument, &r.Action, &r.Lots, &r.BrokerID, &r.SubmittedAt, &r.HTTPStatus, &r.Attempts); err != nil {
			return nil, fmt.Errorf("scan pending order: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
