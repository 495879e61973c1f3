package mirror

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	slogGorm "github.com/orandin/slog-gorm"
)

var (
	// ErrMalformedEvent marks a payload missing its natural key or a
	// required foreign key. The event is dropped and counted, never fatal.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrUnknownReference marks a delta whose parent entity could not be
	// resolved even after stub creation was attempted.
	ErrUnknownReference = errors.New("unknown reference")
)

var storeTracer = otel.Tracer("store")

const lockStripes = 256

// keyLocks serializes writers of the same entity key while letting
// unrelated keys proceed. Striped so the lock table stays fixed-size.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (k *keyLocks) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

// Store is the only component that touches persistent state. Every write
// for a single incoming event is applied in one transaction via Apply.
type Store struct {
	logger *slog.Logger
	db     *gorm.DB
	locks  *keyLocks
	inTx   bool
}

func NewStore(logger *slog.Logger, sqlitePath string, migrate bool) (*Store, error) {
	gormLogger := slogGorm.New()

	db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if migrate {
		err = db.AutoMigrate(
			&Server{},
			&Channel{},
			&User{},
			&Message{},
			&MessageTombstone{},
			&Reaction{},
			&ChannelCursor{},
			&GatewayEvent{},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	// Set pragmas for performance
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=normal;")

	return &Store{
		logger: logger.With("module", "store"),
		db:     db,
		locks:  &keyLocks{},
	}, nil
}

// Apply runs fn with the per-key lock held inside a single transaction.
// Nested calls from within fn reuse the outer transaction and lock, so a
// compound delta (stub parents + message) commits all-or-nothing.
// A unique-constraint race is retried once with a fresh read-merge-write.
func (s *Store) Apply(ctx context.Context, key string, fn func(tx *Store) error) error {
	if s.inTx {
		return fn(s)
	}

	unlock := s.locks.lock(key)
	defer unlock()

	run := func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(&Store{logger: s.logger, db: tx, locks: s.locks, inTx: true})
		})
	}

	err := run()
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		storageConflicts.Inc()
		s.logger.Warn("storage conflict, retrying once", "key", key, "err", err)
		err = run()
	}
	return err
}

// UpsertServer inserts the server or merges its non-zero fields into the
// stored row. Returns the resulting stored record.
func (s *Store) UpsertServer(ctx context.Context, in *Server) (*Server, error) {
	if in.ID == "" {
		return nil, fmt.Errorf("%w: server missing id", ErrMalformedEvent)
	}

	var out *Server
	err := s.Apply(ctx, "server:"+in.ID, func(tx *Store) error {
		var existing Server
		err := tx.db.First(&existing, "id = ?", in.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			in.Active = true
			out = in
			return tx.db.Create(in).Error
		}
		if err != nil {
			return err
		}

		if in.Name != "" {
			existing.Name = in.Name
		}
		if in.OwnerID != "" {
			existing.OwnerID = in.OwnerID
		}
		if in.MemberCount != 0 {
			existing.MemberCount = in.MemberCount
		}
		if in.ChannelCount != 0 {
			existing.ChannelCount = in.ChannelCount
		}
		if !in.Stub {
			existing.Stub = false
		}
		out = &existing
		return tx.db.Save(&existing).Error
	})
	return out, err
}

// MarkServerInactive records a guild-remove. The row is retained so
// channel and message history stays attributable.
func (s *Store) MarkServerInactive(ctx context.Context, id string) error {
	return s.Apply(ctx, "server:"+id, func(tx *Store) error {
		return tx.db.Model(&Server{}).Where("id = ?", id).Update("active", false).Error
	})
}

func (s *Store) UpsertChannel(ctx context.Context, in *Channel) (*Channel, error) {
	if in.ID == "" {
		return nil, fmt.Errorf("%w: channel missing id", ErrMalformedEvent)
	}

	var out *Channel
	err := s.Apply(ctx, "channel:"+in.ID, func(tx *Store) error {
		var existing Channel
		err := tx.db.First(&existing, "id = ?", in.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			out = in
			return tx.db.Create(in).Error
		}
		if err != nil {
			return err
		}

		if in.ServerID != "" {
			existing.ServerID = in.ServerID
		}
		if in.Name != "" {
			existing.Name = in.Name
		}
		if in.Type != "" {
			existing.Type = in.Type
		}
		if in.ParentID != "" {
			existing.ParentID = in.ParentID
		}
		if in.Position != 0 {
			existing.Position = in.Position
		}
		if !in.Stub {
			existing.Stub = false
		}
		// Deleted is one-way; set by TombstoneChannel only.
		out = &existing
		return tx.db.Save(&existing).Error
	})
	return out, err
}

// TombstoneChannel soft-deletes a channel so historical messages remain
// attributable. The flag never transitions back.
func (s *Store) TombstoneChannel(ctx context.Context, id string) error {
	return s.Apply(ctx, "channel:"+id, func(tx *Store) error {
		return tx.db.Model(&Channel{}).Where("id = ?", id).Update("deleted", true).Error
	})
}

func (s *Store) UpsertUser(ctx context.Context, in *User) (*User, error) {
	if in.ID == "" {
		return nil, fmt.Errorf("%w: user missing id", ErrMalformedEvent)
	}

	var out *User
	err := s.Apply(ctx, "user:"+in.ID, func(tx *Store) error {
		var existing User
		err := tx.db.First(&existing, "id = ?", in.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			out = in
			return tx.db.Create(in).Error
		}
		if err != nil {
			return err
		}

		if in.Username != "" {
			existing.Username = in.Username
		}
		if in.DisplayName != "" {
			existing.DisplayName = in.DisplayName
		}
		if in.Discriminator != "" {
			existing.Discriminator = in.Discriminator
		}
		if in.AvatarURL != "" {
			existing.AvatarURL = in.AvatarURL
		}
		if in.Bot {
			existing.Bot = true
		}
		if !in.Stub {
			existing.Stub = false
		}
		out = &existing
		return tx.db.Save(&existing).Error
	})
	return out, err
}

// UpsertMessage inserts the message, or merges mutable fields into the
// stored row. ChannelID and AuthorID are immutable after creation. Content
// and the edit timestamp only move forward: a record whose version is older
// than the stored one cannot overwrite it, so a late backfill page never
// regresses a live edit. The deleted flag is monotonic.
func (s *Store) UpsertMessage(ctx context.Context, in *Message) (*Message, error) {
	ctx, span := storeTracer.Start(ctx, "UpsertMessage")
	defer span.End()

	if in.ID == "" {
		return nil, fmt.Errorf("%w: message missing id", ErrMalformedEvent)
	}
	if in.ChannelID == "" || in.AuthorID == "" {
		return nil, fmt.Errorf("%w: message %s missing channel or author", ErrMalformedEvent, in.ID)
	}

	span.SetAttributes(
		attribute.String("message_id", in.ID),
		attribute.String("channel_id", in.ChannelID),
	)

	var out *Message
	err := s.Apply(ctx, "message:"+in.ID, func(tx *Store) error {
		var count int64
		if err := tx.db.Model(&Channel{}).Where("id = ?", in.ChannelID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("%w: channel %s for message %s", ErrUnknownReference, in.ChannelID, in.ID)
		}
		if err := tx.db.Model(&User{}).Where("id = ?", in.AuthorID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("%w: author %s for message %s", ErrUnknownReference, in.AuthorID, in.ID)
		}

		var existing Message
		err := tx.db.First(&existing, "id = ?", in.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// A delete may have arrived before the row; the insert must not
			// resurrect it.
			if err := tx.db.Model(&MessageTombstone{}).Where("id = ?", in.ID).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				in.Deleted = true
			}
			out = in
			return tx.db.Create(in).Error
		}
		if err != nil {
			return err
		}

		if !in.version().Before(existing.version()) {
			existing.Content = in.Content
			existing.Timestamp = in.Timestamp
			if in.EditedAt != nil {
				existing.EditedAt = in.EditedAt
			}
			existing.Pinned = in.Pinned
			existing.AttachmentCount = in.AttachmentCount
			existing.EmbedCount = in.EmbedCount
			if !in.Stub {
				existing.Stub = false
			}
		}
		if in.Deleted {
			existing.Deleted = true
		}
		out = &existing
		return tx.db.Save(&existing).Error
	})
	return out, err
}

// ApplyMessageEdit merges an edit into an existing message. Unknown
// messages are a no-op: deletes and edits may arrive for messages that
// were never ingested.
func (s *Store) ApplyMessageEdit(ctx context.Context, id, content string, editedAt *time.Time) (bool, error) {
	found := false
	err := s.Apply(ctx, "message:"+id, func(tx *Store) error {
		var existing Message
		err := tx.db.First(&existing, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true

		// Partial update payloads (embed unfurls, pin changes) carry no edit
		// timestamp and no content; there is nothing to merge.
		if editedAt == nil && content == "" {
			return nil
		}

		incoming := existing.Timestamp
		if editedAt != nil {
			incoming = *editedAt
		}
		if incoming.Before(existing.version()) {
			return nil
		}

		existing.Content = content
		if editedAt != nil {
			existing.EditedAt = editedAt
		}
		return tx.db.Save(&existing).Error
	})
	return found, err
}

// MarkMessageDeleted soft-deletes the message, preserving the row for
// reactions already recorded. Unknown ids leave a tombstone marker instead
// of a row: a delete can race ahead of the backfill insert for the same id,
// and that insert must still land deleted.
func (s *Store) MarkMessageDeleted(ctx context.Context, id string) (bool, error) {
	found := false
	err := s.Apply(ctx, "message:"+id, func(tx *Store) error {
		res := tx.db.Model(&Message{}).Where("id = ?", id).Update("deleted", true)
		if res.Error != nil {
			return res.Error
		}
		found = res.RowsAffected > 0
		if found {
			return nil
		}

		var count int64
		if err := tx.db.Model(&MessageTombstone{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		return tx.db.Create(&MessageTombstone{ID: id}).Error
	})
	return found, err
}

// UpsertReaction has set-membership semantics on (message, user, emoji).
func (s *Store) UpsertReaction(ctx context.Context, r *Reaction) error {
	if r.MessageID == "" || r.UserID == "" || r.Emoji == "" {
		return fmt.Errorf("%w: reaction missing key field", ErrMalformedEvent)
	}
	return s.Apply(ctx, "message:"+r.MessageID, func(tx *Store) error {
		var count int64
		err := tx.db.Model(&Reaction{}).
			Where("message_id = ? AND user_id = ? AND emoji = ?", r.MessageID, r.UserID, r.Emoji).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		return tx.db.Create(r).Error
	})
}

func (s *Store) RemoveReaction(ctx context.Context, r *Reaction) error {
	if r.MessageID == "" || r.UserID == "" || r.Emoji == "" {
		return fmt.Errorf("%w: reaction missing key field", ErrMalformedEvent)
	}
	return s.Apply(ctx, "message:"+r.MessageID, func(tx *Store) error {
		return tx.db.
			Where("message_id = ? AND user_id = ? AND emoji = ?", r.MessageID, r.UserID, r.Emoji).
			Delete(&Reaction{}).Error
	})
}

// RemoveAllReactions clears every reaction on a message, optionally scoped
// to one emoji. Reactions carry no historical value, so this is a hard
// delete.
func (s *Store) RemoveAllReactions(ctx context.Context, messageID string, emoji string) error {
	if messageID == "" {
		return fmt.Errorf("%w: reaction clear missing message id", ErrMalformedEvent)
	}
	return s.Apply(ctx, "message:"+messageID, func(tx *Store) error {
		q := tx.db.Where("message_id = ?", messageID)
		if emoji != "" {
			q = q.Where("emoji = ?", emoji)
		}
		return q.Delete(&Reaction{}).Error
	})
}

type StubKind string

const (
	StubServer  StubKind = "server"
	StubChannel StubKind = "channel"
	StubUser    StubKind = "user"
)

// FindStubOrCreate returns the entity with the given id, creating a minimal
// placeholder when a dependent delta arrives before its parent's explicit
// event. serverID is only consulted for channel stubs.
func (s *Store) FindStubOrCreate(ctx context.Context, kind StubKind, id, serverID string) error {
	if id == "" {
		return fmt.Errorf("%w: stub %s missing id", ErrMalformedEvent, kind)
	}

	return s.Apply(ctx, string(kind)+":"+id, func(tx *Store) error {
		switch kind {
		case StubServer:
			var count int64
			if err := tx.db.Model(&Server{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return nil
			}
			return tx.db.Create(&Server{ID: id, Active: true, Stub: true}).Error
		case StubChannel:
			var count int64
			if err := tx.db.Model(&Channel{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return nil
			}
			if serverID != "" {
				if err := tx.FindStubOrCreate(ctx, StubServer, serverID, ""); err != nil {
					return err
				}
			}
			return tx.db.Create(&Channel{ID: id, ServerID: serverID, Stub: true}).Error
		case StubUser:
			var count int64
			if err := tx.db.Model(&User{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return nil
			}
			return tx.db.Create(&User{ID: id, Stub: true}).Error
		default:
			return fmt.Errorf("unknown stub kind %q", kind)
		}
	})
}

// GetChannelCursor loads (or initializes) backfill bookkeeping for a channel.
func (s *Store) GetChannelCursor(ctx context.Context, channelID string) (*ChannelCursor, error) {
	var c ChannelCursor
	err := s.db.WithContext(ctx).First(&c, "channel_id = ?", channelID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c = ChannelCursor{ChannelID: channelID}
		if err := s.db.WithContext(ctx).Create(&c).Error; err != nil {
			return nil, fmt.Errorf("failed to create cursor: %w", err)
		}
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) SaveChannelCursor(ctx context.Context, c *ChannelCursor) error {
	return s.db.WithContext(ctx).Save(c).Error
}

// RecordEvent persists an observability row for a processed gateway event.
// Failures are logged, never propagated: the event log is diagnostic only.
func (s *Store) RecordEvent(ctx context.Context, e *GatewayEvent) {
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		s.logger.Error("failed to record gateway event", "err", err)
	}
}

// SweepEvents deletes observability rows older than the TTL.
func (s *Store) SweepEvents(ctx context.Context, ttl time.Duration) error {
	return s.db.WithContext(ctx).
		Exec("DELETE FROM gateway_events WHERE created_at < ?", time.Now().Add(-ttl)).Error
}
