package mirror

import (
	"time"

	"gorm.io/gorm"
)

// All entities are keyed by the Discord snowflake ID. Snowflakes are stored
// as strings to match the wire format and avoid 64-bit JSON truncation.

type Server struct {
	ID        string `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Name         string
	OwnerID      string
	MemberCount  int
	ChannelCount int
	Active       bool `gorm:"default:true"`
	Stub         bool
}

type Channel struct {
	ID        string `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	ServerID string `gorm:"index"`
	Name     string
	Type     string `gorm:"index"`
	ParentID string
	Position int
	Deleted  bool `gorm:"index"`
	Stub     bool
}

type User struct {
	ID        string `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Username      string
	DisplayName   string
	Discriminator string
	AvatarURL     string
	Bot           bool
	Stub          bool
}

type Message struct {
	ID        string `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	ChannelID string `gorm:"index;index:idx_messages_channel_ts,priority:1"`
	AuthorID  string `gorm:"index;index:idx_messages_author_ts,priority:1"`
	Content   string
	Timestamp time.Time `gorm:"index;index:idx_messages_channel_ts,priority:2;index:idx_messages_author_ts,priority:2"`
	EditedAt  *time.Time

	Pinned          bool
	AttachmentCount int
	EmbedCount      int
	Deleted         bool `gorm:"index"`
	Stub            bool
}

// version is the timestamp used for last-writer-wins merges: the edit time
// when the message has been edited, otherwise the original timestamp.
func (m *Message) version() time.Time {
	if m.EditedAt != nil {
		return *m.EditedAt
	}
	return m.Timestamp
}

// MessageTombstone remembers a delete that arrived before the message row
// itself (a live delete racing a backfill insert), so a later insert of the
// same id lands already deleted.
type MessageTombstone struct {
	ID        string `gorm:"primaryKey"`
	CreatedAt time.Time
}

type Reaction struct {
	MessageID string `gorm:"primaryKey"`
	UserID    string `gorm:"primaryKey"`
	Emoji     string `gorm:"primaryKey"`
	CreatedAt time.Time
}

// ChannelCursor tracks backfill progress through a channel's history,
// oldest-to-newest. LastMessageID is the newest message already paged.
type ChannelCursor struct {
	gorm.Model
	ChannelID     string `gorm:"uniqueIndex"`
	LastMessageID string
	CaughtUp      bool
	PagesSeen     int
	MessagesSeen  int
}

// GatewayEvent is an observability row recorded per processed gateway event.
// Correctness never depends on it; rows are swept after a TTL.
type GatewayEvent struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time

	LocalSeq int64  `gorm:"index"`
	Kind     string `gorm:"index"`
	EntityID string `gorm:"index"`
	Source   string
	Error    string
	Time     int64 `gorm:"index"`
}
