package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Scheduled-message delivery states. pending -> sending is the exclusive
// entry gate for delivery; sending -> sent|failed on completion.
const (
	StatusPending = "pending"
	StatusSending = "sending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// ScheduledMessage is one row of the scheduled-message table.
type ScheduledMessage struct {
	ID           string
	Recipient    string
	Payload      string
	ScheduledFor time.Time
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateScheduled inserts a new pending scheduled message.
func (s *SQLiteStore) CreateScheduled(ctx context.Context, msg *ScheduledMessage) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_messages (id, recipient, payload, scheduled_for, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Recipient, msg.Payload, msg.ScheduledFor.UnixMilli(),
		StatusPending, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to create scheduled message: %w", err)
	}
	return nil
}

// ClaimScheduled atomically transitions a message pending -> sending.
// Returns false if the row was not in pending state - meaning another
// trigger (timer or sweep) already claimed it. This conditional update is
// the entire at-most-once delivery mechanism.
func (s *SQLiteStore) ClaimScheduled(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_messages SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusSending, time.Now().UnixMilli(), id, StatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim scheduled message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return n == 1, nil
}

// FinishScheduled records the delivery outcome for a claimed message.
func (s *SQLiteStore) FinishScheduled(ctx context.Context, id string, delivered bool) error {
	status := StatusSent
	if !delivered {
		status = StatusFailed
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_messages SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status, time.Now().UnixMilli(), id, StatusSending)
	if err != nil {
		return fmt.Errorf("failed to finish scheduled message: %w", err)
	}
	return nil
}

// DueScheduled returns messages still pending at or before now. Used by the
// periodic sweep to re-discover work after a restart.
func (s *SQLiteStore) DueScheduled(ctx context.Context, now time.Time) ([]ScheduledMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient, payload, scheduled_for, status, created_at, updated_at
		FROM scheduled_messages
		WHERE status = ? AND scheduled_for <= ?
		ORDER BY scheduled_for`,
		StatusPending, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query due messages: %w", err)
	}
	defer rows.Close()

	return scanScheduled(rows)
}

// GetScheduled returns a single scheduled message by id.
func (s *SQLiteStore) GetScheduled(ctx context.Context, id string) (*ScheduledMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, recipient, payload, scheduled_for, status, created_at, updated_at
		FROM scheduled_messages WHERE id = ?`, id)

	var m ScheduledMessage
	var schedFor, created, updated int64
	err := row.Scan(&m.ID, &m.Recipient, &m.Payload, &schedFor, &m.Status, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scheduled message: %w", err)
	}
	m.ScheduledFor = time.UnixMilli(schedFor)
	m.CreatedAt = time.UnixMilli(created)
	m.UpdatedAt = time.UnixMilli(updated)
	return &m, nil
}

func scanScheduled(rows *sql.Rows) ([]ScheduledMessage, error) {
	var msgs []ScheduledMessage
	for rows.Next() {
		var m ScheduledMessage
		var schedFor, created, updated int64
		if err := rows.Scan(&m.ID, &m.Recipient, &m.Payload, &schedFor, &m.Status, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled message: %w", err)
		}
		m.ScheduledFor = time.UnixMilli(schedFor)
		m.CreatedAt = time.UnixMilli(created)
		m.UpdatedAt = time.UnixMilli(updated)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
