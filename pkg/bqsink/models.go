package bqsink

import (
	"time"
)

// Record is one applied message fact. Tables are suffixed by date, so the
// schema stays append-only.
type Record struct {
	CreatedAt time.Time `bigquery:"created_at"`

	LocalSeq  int64  `bigquery:"local_seq"`
	ChannelID string `bigquery:"channel_id"`
	MessageID string `bigquery:"message_id"`
	AuthorID  string `bigquery:"author_id"`
	Action    string `bigquery:"action"`
	Content   string `bigquery:"content"`
}
