package db

import (
	"context"
	"fmt"
	"time"
)

// Transfer is one completed or failed transfer attempt.
type Transfer struct {
	ID              int64
	ProfileID       int64
	Role            string
	FileName        string
	FileSize        uint64
	BytesMoved      uint64
	Duration        time.Duration
	Retransmissions uint64
	Rejects         uint64
	Timeouts        uint64
	Status          string
	CreatedAt       time.Time
}

// Transfer status values
const (
	TransferStatusOK     = "ok"
	TransferStatusFailed = "failed"
)

// TransferStore records and queries transfer history.
type TransferStore interface {
	Record(ctx context.Context, tr *Transfer) error
	ListRecent(ctx context.Context, limit int) ([]*Transfer, error)
}

// Transfers returns a TransferStore for this database.
func (db *DB) Transfers() TransferStore {
	return &transferStore{db: db}
}

type transferStore struct {
	db *DB
}

func (s *transferStore) Record(ctx context.Context, tr *Transfer) error {
	result, err := s.db.sql.ExecContext(ctx, `
		INSERT INTO transfers (profile_id, role, file_name, file_size, bytes_moved,
			duration_ms, retransmissions, rejects, timeouts, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tr.ProfileID, tr.Role, tr.FileName, tr.FileSize, tr.BytesMoved,
		tr.Duration.Milliseconds(), tr.Retransmissions, tr.Rejects, tr.Timeouts, tr.Status)
	if err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	tr.ID, err = result.LastInsertId()
	return err
}

func (s *transferStore) ListRecent(ctx context.Context, limit int) ([]*Transfer, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.sql.QueryContext(ctx, `
		SELECT id, profile_id, role, file_name, file_size, bytes_moved,
			duration_ms, retransmissions, rejects, timeouts, status, created_at
		FROM transfers ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var transfers []*Transfer
	for rows.Next() {
		tr := &Transfer{}
		var durationMs int64
		var createdAt string
		if err := rows.Scan(&tr.ID, &tr.ProfileID, &tr.Role, &tr.FileName, &tr.FileSize,
			&tr.BytesMoved, &durationMs, &tr.Retransmissions, &tr.Rejects, &tr.Timeouts,
			&tr.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		tr.Duration = time.Duration(durationMs) * time.Millisecond
		tr.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
		transfers = append(transfers, tr)
	}
	return transfers, rows.Err()
}
