package model

import "time"

// UndoWindow is how long a bulk delete stays reversible after it completes.
const UndoWindow = 30 * time.Second

// OperationKind is the kind of bulk mutation.
type OperationKind string

const (
	OperationDelete   OperationKind = "delete"
	OperationMarkRead OperationKind = "mark-read"
)

// OperationState tracks an operation's undo lifecycle.
type OperationState string

const (
	OperationActive   OperationState = "active"
	OperationRedeemed OperationState = "redeemed"
	OperationExpired  OperationState = "expired"
)

// BulkOperation is the record of a successful bulk mutation.
type BulkOperation struct {
	ID          string
	Kind        OperationKind
	TargetCount int
	UndoToken   string // delete only
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Duration    time.Duration // server-reported processing time
	State       OperationState
}

// NewBulkOperation stamps the creation time and the fixed undo expiry.
func NewBulkOperation(id string, kind OperationKind, count int, token string, createdAt time.Time) BulkOperation {
	return BulkOperation{
		ID:          id,
		Kind:        kind,
		TargetCount: count,
		UndoToken:   token,
		CreatedAt:   createdAt,
		ExpiresAt:   createdAt.Add(UndoWindow),
		State:       OperationActive,
	}
}

// Undoable reports whether the operation can still be redeemed at now.
func (op BulkOperation) Undoable(now time.Time) bool {
	return op.Kind == OperationDelete &&
		op.UndoToken != "" &&
		op.State == OperationActive &&
		now.Before(op.ExpiresAt)
}
