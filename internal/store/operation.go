package store

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/convsync/internal/model"
)

// SaveOperation inserts or replaces a bulk operation record.
func (db *DB) SaveOperation(ctx context.Context, op model.BulkOperation) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO bulk_operations (id, kind, target_count, undo_token, created_at, expires_at, duration_ms, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			target_count = excluded.target_count,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		op.ID, string(op.Kind), op.TargetCount, op.UndoToken, millis(op.CreatedAt), millis(op.ExpiresAt),
		op.Duration.Milliseconds(), string(op.State), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save operation %s: %w", op.ID, err)
	}
	return nil
}

// SetOperationState moves an operation to state. Unknown ids are ignored.
func (db *DB) SetOperationState(ctx context.Context, id string, state model.OperationState) error {
	_, err := db.ExecContext(ctx, `UPDATE bulk_operations SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), time.Now().UnixMilli(), id)
	return err
}

// ListOperations returns the newest operations first.
func (db *DB) ListOperations(ctx context.Context, limit int) ([]model.BulkOperation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, kind, target_count, undo_token, created_at, expires_at, duration_ms, state
		FROM bulk_operations
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ops []model.BulkOperation
	for rows.Next() {
		var (
			op                  model.BulkOperation
			kind, state         string
			created, expires, d int64
		)
		if err := rows.Scan(&op.ID, &kind, &op.TargetCount, &op.UndoToken, &created, &expires, &d, &state); err != nil {
			return nil, err
		}
		op.Kind = model.OperationKind(kind)
		op.State = model.OperationState(state)
		op.CreatedAt = fromMillis(created)
		op.ExpiresAt = fromMillis(expires)
		op.Duration = time.Duration(d) * time.Millisecond
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// ExpireStaleOperations marks active operations whose window closed before
// now as expired and returns how many changed.
func (db *DB) ExpireStaleOperations(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE bulk_operations SET state = 'expired', updated_at = ?
		WHERE state = 'active' AND expires_at <= ?`,
		time.Now().UnixMilli(), now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
