package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel"
)

var normalizeTracer = otel.Tracer("normalize")

// Event sources, used for metrics labels only.
const (
	SourceLive     = "live"
	SourceBackfill = "backfill"
)

// Normalizer converts raw gateway payloads into canonical deltas and
// applies them through the store. Referenced parents that have not been
// seen yet are stub-created inside the same transaction, so ordering from
// the platform is never assumed.
type Normalizer struct {
	logger *slog.Logger
	store  *Store

	// onMessage, when set, observes every applied message fact. Used to
	// feed export sinks; failures there never affect ingestion.
	onMessage func(m *Message, action string)
}

func NewNormalizer(logger *slog.Logger, store *Store) *Normalizer {
	return &Normalizer{
		logger: logger.With("module", "normalize"),
		store:  store,
	}
}

// SetMessageObserver registers a hook called after each applied message
// create or update.
func (n *Normalizer) SetMessageObserver(fn func(m *Message, action string)) {
	n.onMessage = fn
}

func serverFromGuild(g *discordgo.Guild) (*Server, error) {
	if g == nil || g.ID == "" {
		return nil, fmt.Errorf("%w: guild payload missing id", ErrMalformedEvent)
	}
	return &Server{
		ID:           g.ID,
		Name:         g.Name,
		OwnerID:      g.OwnerID,
		MemberCount:  g.MemberCount,
		ChannelCount: len(g.Channels),
	}, nil
}

func channelTypeName(t discordgo.ChannelType) string {
	switch t {
	case discordgo.ChannelTypeGuildText:
		return "text"
	case discordgo.ChannelTypeGuildVoice:
		return "voice"
	case discordgo.ChannelTypeGuildCategory:
		return "category"
	case discordgo.ChannelTypeGuildNews:
		return "news"
	case discordgo.ChannelTypeGuildNewsThread:
		return "thread_news"
	case discordgo.ChannelTypeGuildPublicThread:
		return "thread_public"
	case discordgo.ChannelTypeGuildPrivateThread:
		return "thread_private"
	case discordgo.ChannelTypeGuildForum:
		return "forum"
	default:
		return fmt.Sprintf("type_%d", t)
	}
}

func channelFromDiscord(c *discordgo.Channel) (*Channel, error) {
	if c == nil || c.ID == "" {
		return nil, fmt.Errorf("%w: channel payload missing id", ErrMalformedEvent)
	}
	return &Channel{
		ID:       c.ID,
		ServerID: c.GuildID,
		Name:     c.Name,
		Type:     channelTypeName(c.Type),
		ParentID: c.ParentID,
		Position: c.Position,
	}, nil
}

func userFromDiscord(u *discordgo.User) (*User, error) {
	if u == nil || u.ID == "" {
		return nil, fmt.Errorf("%w: user payload missing id", ErrMalformedEvent)
	}
	out := &User{
		ID:            u.ID,
		Username:      u.Username,
		DisplayName:   u.GlobalName,
		Discriminator: u.Discriminator,
		Bot:           u.Bot,
	}
	if u.Avatar != "" {
		out.AvatarURL = u.AvatarURL("")
	}
	return out, nil
}

func messageFromDiscord(m *discordgo.Message) (*Message, error) {
	if m == nil || m.ID == "" {
		return nil, fmt.Errorf("%w: message payload missing id", ErrMalformedEvent)
	}
	if m.ChannelID == "" {
		return nil, fmt.Errorf("%w: message %s missing channel", ErrMalformedEvent, m.ID)
	}
	if m.Author == nil || m.Author.ID == "" {
		return nil, fmt.Errorf("%w: message %s missing author", ErrMalformedEvent, m.ID)
	}
	return &Message{
		ID:              m.ID,
		ChannelID:       m.ChannelID,
		AuthorID:        m.Author.ID,
		Content:         m.Content,
		Timestamp:       m.Timestamp,
		EditedAt:        m.EditedTimestamp,
		Pinned:          m.Pinned,
		AttachmentCount: len(m.Attachments),
		EmbedCount:      len(m.Embeds),
	}, nil
}

// ApplyMessage handles message_create from the live stream and history
// records from backfill: stub-create the channel and author if absent,
// then upsert the message, all in one transaction.
func (n *Normalizer) ApplyMessage(ctx context.Context, raw *discordgo.Message, source string) error {
	ctx, span := normalizeTracer.Start(ctx, "ApplyMessage")
	defer span.End()

	msg, err := messageFromDiscord(raw)
	if err != nil {
		return err
	}

	start := time.Now()
	defer func() {
		applyDuration.WithLabelValues("message").Observe(time.Since(start).Seconds())
	}()

	err = n.store.Apply(ctx, "message:"+msg.ID, func(tx *Store) error {
		if err := tx.FindStubOrCreate(ctx, StubChannel, msg.ChannelID, raw.GuildID); err != nil {
			return err
		}
		author, err := userFromDiscord(raw.Author)
		if err != nil {
			return err
		}
		if _, err := tx.UpsertUser(ctx, author); err != nil {
			return err
		}
		_, err = tx.UpsertMessage(ctx, msg)
		return err
	})
	if err != nil {
		return err
	}

	if n.onMessage != nil {
		n.onMessage(msg, "create")
	}
	return nil
}

// ApplyMessageUpdate merges an edit. Unknown messages are logged and
// skipped, not fatal.
func (n *Normalizer) ApplyMessageUpdate(ctx context.Context, raw *discordgo.Message) error {
	if raw == nil || raw.ID == "" {
		return fmt.Errorf("%w: message update missing id", ErrMalformedEvent)
	}

	found, err := n.store.ApplyMessageEdit(ctx, raw.ID, raw.Content, raw.EditedTimestamp)
	if err != nil {
		return err
	}
	if !found {
		n.logger.Debug("edit for unknown message, skipping", "message_id", raw.ID)
		return nil
	}

	if n.onMessage != nil {
		msg := &Message{ID: raw.ID, ChannelID: raw.ChannelID, Content: raw.Content, EditedAt: raw.EditedTimestamp}
		n.onMessage(msg, "update")
	}
	return nil
}

// ApplyMessageDelete marks the message deleted. Deletes may arrive for
// messages not yet ingested; the store remembers those so a later insert of
// the same id lands deleted.
func (n *Normalizer) ApplyMessageDelete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: message delete missing id", ErrMalformedEvent)
	}
	found, err := n.store.MarkMessageDeleted(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		n.logger.Debug("delete for unknown message, tombstone recorded", "message_id", id)
		return nil
	}
	if n.onMessage != nil {
		n.onMessage(&Message{ID: id, Deleted: true}, "delete")
	}
	return nil
}

// ApplyReactionAdd stub-creates the reacting user if absent, then records
// the reaction. A reaction for a message never ingested is skipped: a stub
// message would have no author, and the backfill pass recovers it anyway.
func (n *Normalizer) ApplyReactionAdd(ctx context.Context, r *discordgo.MessageReaction) error {
	rec, err := reactionFromDiscord(r)
	if err != nil {
		return err
	}

	return n.store.Apply(ctx, "message:"+rec.MessageID, func(tx *Store) error {
		var count int64
		if err := tx.db.Model(&Message{}).Where("id = ?", rec.MessageID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			n.logger.Debug("reaction for unknown message, skipping", "message_id", rec.MessageID)
			return nil
		}
		if err := tx.FindStubOrCreate(ctx, StubUser, rec.UserID, ""); err != nil {
			return err
		}
		return tx.UpsertReaction(ctx, rec)
	})
}

func (n *Normalizer) ApplyReactionRemove(ctx context.Context, r *discordgo.MessageReaction) error {
	rec, err := reactionFromDiscord(r)
	if err != nil {
		return err
	}
	return n.store.RemoveReaction(ctx, rec)
}

// ApplyReactionRemoveAll clears all reactions on a message in one delta.
func (n *Normalizer) ApplyReactionRemoveAll(ctx context.Context, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("%w: reaction clear missing message id", ErrMalformedEvent)
	}
	return n.store.RemoveAllReactions(ctx, messageID, "")
}

func reactionFromDiscord(r *discordgo.MessageReaction) (*Reaction, error) {
	if r == nil || r.MessageID == "" || r.UserID == "" {
		return nil, fmt.Errorf("%w: reaction payload missing key field", ErrMalformedEvent)
	}
	emoji := r.Emoji.APIName()
	if emoji == "" {
		return nil, fmt.Errorf("%w: reaction on %s missing emoji", ErrMalformedEvent, r.MessageID)
	}
	return &Reaction{MessageID: r.MessageID, UserID: r.UserID, Emoji: emoji}, nil
}

// ApplyGuild upserts the guild and, when the payload carries them (guild
// create fires a full snapshot on connect), its channels and members.
func (n *Normalizer) ApplyGuild(ctx context.Context, g *discordgo.Guild) error {
	ctx, span := normalizeTracer.Start(ctx, "ApplyGuild")
	defer span.End()

	server, err := serverFromGuild(g)
	if err != nil {
		return err
	}
	if _, err := n.store.UpsertServer(ctx, server); err != nil {
		return err
	}

	for _, c := range g.Channels {
		ch, err := channelFromDiscord(c)
		if err != nil {
			n.logger.Warn("skipping malformed channel in guild snapshot", "guild_id", g.ID, "err", err)
			continue
		}
		if ch.ServerID == "" {
			ch.ServerID = g.ID
		}
		if _, err := n.store.UpsertChannel(ctx, ch); err != nil {
			return err
		}
	}

	for _, m := range g.Members {
		if m == nil {
			continue
		}
		u, err := userFromDiscord(m.User)
		if err != nil {
			continue
		}
		if u.DisplayName == "" {
			u.DisplayName = m.Nick
		}
		if _, err := n.store.UpsertUser(ctx, u); err != nil {
			return err
		}
	}

	return nil
}

// ApplyGuildDelete marks the server inactive when the bot is removed.
// Unavailable guilds (outages) are not membership changes and are ignored.
func (n *Normalizer) ApplyGuildDelete(ctx context.Context, g *discordgo.Guild, unavailable bool) error {
	if g == nil || g.ID == "" {
		return fmt.Errorf("%w: guild delete missing id", ErrMalformedEvent)
	}
	if unavailable {
		return nil
	}
	return n.store.MarkServerInactive(ctx, g.ID)
}

func (n *Normalizer) ApplyChannel(ctx context.Context, c *discordgo.Channel) error {
	ch, err := channelFromDiscord(c)
	if err != nil {
		return err
	}
	return n.store.Apply(ctx, "channel:"+ch.ID, func(tx *Store) error {
		if ch.ServerID != "" {
			if err := tx.FindStubOrCreate(ctx, StubServer, ch.ServerID, ""); err != nil {
				return err
			}
		}
		_, err := tx.UpsertChannel(ctx, ch)
		return err
	})
}

func (n *Normalizer) ApplyChannelDelete(ctx context.Context, c *discordgo.Channel) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: channel delete missing id", ErrMalformedEvent)
	}
	return n.store.TombstoneChannel(ctx, c.ID)
}

func (n *Normalizer) ApplyMember(ctx context.Context, m *discordgo.Member) error {
	if m == nil {
		return fmt.Errorf("%w: member payload empty", ErrMalformedEvent)
	}
	u, err := userFromDiscord(m.User)
	if err != nil {
		return err
	}
	if u.DisplayName == "" {
		u.DisplayName = m.Nick
	}
	_, err = n.store.UpsertUser(ctx, u)
	return err
}

// countEventError classifies a normalization error for metrics. Per-event
// failures are isolated; nothing here aborts the consumer loop.
func countEventError(kind string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrMalformedEvent):
		eventsMalformed.WithLabelValues(kind).Inc()
	case errors.Is(err, ErrUnknownReference):
		unknownReferences.WithLabelValues(kind).Inc()
	}
}
