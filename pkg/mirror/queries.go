package mirror

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// MessagesFilter narrows a recent-messages query. Zero values are ignored.
type MessagesFilter struct {
	ChannelID      string
	AuthorID       string
	Since          time.Time
	Until          time.Time
	IncludeDeleted bool
	Limit          int
}

// RecentMessages returns messages newest-first. Reads only ever observe
// fully committed deltas since every write path commits one transaction
// per event.
func (s *Store) RecentMessages(ctx context.Context, f MessagesFilter) ([]Message, error) {
	if f.Limit < 1 {
		f.Limit = 100
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}

	q := s.db.WithContext(ctx).Model(&Message{})
	if f.ChannelID != "" {
		q = q.Where("channel_id = ?", f.ChannelID)
	}
	if f.AuthorID != "" {
		q = q.Where("author_id = ?", f.AuthorID)
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("timestamp < ?", f.Until)
	}
	if !f.IncludeDeleted {
		q = q.Where("deleted = ?", false)
	}

	var messages []Message
	err := q.Order("timestamp DESC").Limit(f.Limit).Find(&messages).Error
	return messages, err
}

func (s *Store) ListServers(ctx context.Context) ([]Server, error) {
	var servers []Server
	err := s.db.WithContext(ctx).Order("id").Find(&servers).Error
	return servers, err
}

// ListChannels returns non-tombstoned channels, optionally for one server.
func (s *Store) ListChannels(ctx context.Context, serverID string) ([]Channel, error) {
	q := s.db.WithContext(ctx).Where("deleted = ?", false)
	if serverID != "" {
		q = q.Where("server_id = ?", serverID)
	}
	var channels []Channel
	err := q.Order("id").Find(&channels).Error
	return channels, err
}

func (s *Store) ListReactions(ctx context.Context, messageID string) ([]Reaction, error) {
	var reactions []Reaction
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID).Find(&reactions).Error
	return reactions, err
}

type ChannelActivity struct {
	ChannelID string `json:"channel_id"`
	Messages  int64  `json:"messages"`
}

type Stats struct {
	Messages        int64             `json:"messages"`
	ActiveUsers     int64             `json:"active_users"`
	ChannelActivity []ChannelActivity `json:"channel_activity"`
}

// WindowStats aggregates message volume, distinct authors, and per-channel
// activity over [since, until).
func (s *Store) WindowStats(ctx context.Context, since, until time.Time) (*Stats, error) {
	base := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&Message{}).Where("deleted = ?", false)
		if !since.IsZero() {
			q = q.Where("timestamp >= ?", since)
		}
		if !until.IsZero() {
			q = q.Where("timestamp < ?", until)
		}
		return q
	}

	stats := &Stats{}
	if err := base().Count(&stats.Messages).Error; err != nil {
		return nil, err
	}
	if err := base().Distinct("author_id").Count(&stats.ActiveUsers).Error; err != nil {
		return nil, err
	}
	err := base().
		Select("channel_id", "COUNT(*) as messages").
		Group("channel_id").
		Order("messages DESC").
		Limit(25).
		Scan(&stats.ChannelActivity).Error
	if err != nil {
		return nil, err
	}
	return stats, nil
}
