package bus

import "time"

// Event kinds, grouped by namespace prefix.
const (
	KindStateChanged = "connection.state_changed"

	KindNewMessage   = "push.new_message"
	KindTypingStatus = "push.typing_status"
	KindMessageRead  = "push.message_read"

	KindSubscriptionAdded   = "subscription.added"
	KindSubscriptionRemoved = "subscription.removed"

	KindMessagesReplaced      = "cache.messages_replaced"
	KindConversationsReplaced = "cache.conversations_replaced"

	KindTypingChanged = "typing.changed"
	KindUnreadChanged = "unread.changed"
	KindReadMarked    = "read.marked"

	KindUndoExpired      = "bulk.undo_expired"
	KindOperationApplied = "bulk.operation_applied"

	KindSendAck    = "message.send_ack"
	KindSendFailed = "message.send_failed"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
