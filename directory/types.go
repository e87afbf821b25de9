package directory

import "time"

// User is a durable record of every actor the bot has seen. Upserted on each
// inbound event, never deleted.
type User struct {
	ID          int64     `db:"id"`
	DisplayName string    `db:"display_name"`
	Username    string    `db:"username"`
	IsAdmin     bool      `db:"is_admin"`
	LastSeen    time.Time `db:"last_seen"`
}

// RecordKind classifies a relay record.
type RecordKind string

const (
	KindForward        RecordKind = "forward"
	KindReply          RecordKind = "reply"
	KindBroadcast      RecordKind = "broadcast"
	KindAdminAnonymous RecordKind = "admin_anonymous"
)

// RelayRecord is an append-only audit row written once per relay action.
// Content is a lossy text projection of the original message.
type RelayRecord struct {
	ID         int64      `db:"id"`
	SenderID   int64      `db:"sender_id"`
	ReceiverID int64      `db:"receiver_id"`
	Kind       RecordKind `db:"kind"`
	Content    string     `db:"content"`
	CreatedAt  time.Time  `db:"created_at"`
}

// Block is a persisted (owner, target) moderation pair. Append-only.
type Block struct {
	OwnerID   int64     `db:"owner_id"`
	TargetID  int64     `db:"target_id"`
	CreatedAt time.Time `db:"created_at"`
}

// Recognised settings keys.
const (
	KeyForceJoinEnabled = "force_join_enabled"
	KeyForceJoinChannel = "force_join_channel"
	KeyForceJoinLink    = "force_join_link"
)
