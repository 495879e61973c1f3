package mirror

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePaginator serves history pages the way the platform does: an empty
// after boundary returns the newest messages, an explicit boundary returns
// the messages following it, ascending.
type fakePaginator struct {
	mu            sync.Mutex
	history       []*discordgo.Message // ascending by id
	reactions     map[string][]*discordgo.User
	reactionCalls int
	err           error
}

func (f *fakePaginator) ChannelMessages(channelID string, limit int, beforeID, afterID string) ([]*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	if afterID == "" {
		start := len(f.history) - limit
		if start < 0 {
			start = 0
		}
		page := make([]*discordgo.Message, 0, limit)
		for i := len(f.history) - 1; i >= start; i-- {
			page = append(page, f.history[i])
		}
		return page, nil
	}

	page := make([]*discordgo.Message, 0, limit)
	for _, m := range f.history {
		if snowflakeLess(afterID, m.ID) {
			page = append(page, m)
			if len(page) == limit {
				break
			}
		}
	}
	return page, nil
}

func (f *fakePaginator) MessageReactions(channelID, messageID, emoji string, limit int, afterID string) ([]*discordgo.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactionCalls++
	return f.reactions[messageID+":"+emoji], nil
}

func newTestBackfiller(t *testing.T, pag Paginator, cfg BackfillConfig) (*Backfiller, *Store) {
	t.Helper()
	store := newTestStore(t)
	normalizer := NewNormalizer(testLogger(), store)
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 10_000
	}
	return NewBackfiller(testLogger(), store, normalizer, pag, cfg), store
}

func historyMessage(id, content string, ts time.Time) *discordgo.Message {
	return discordMessage(id, "ch1", "u1", content, ts)
}

func channelHistory(base time.Time, ids ...string) []*discordgo.Message {
	msgs := make([]*discordgo.Message, len(ids))
	for i, id := range ids {
		msgs[i] = historyMessage(id, "msg "+id, base.Add(time.Duration(i)*time.Second))
	}
	return msgs
}

func TestBackfillReachesOldHistory(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	pag := &fakePaginator{history: channelHistory(base,
		"100", "101", "102", "103", "104", "105", "106", "107", "108", "109")}

	b, store := newTestBackfiller(t, pag, BackfillConfig{PageSize: 3})
	ctx := context.Background()

	b.runJob(ctx, backfillJob{ChannelID: "ch1"})

	// Every message is reached, not just the newest page.
	msgs, err := store.RecentMessages(ctx, MessagesFilter{ChannelID: "ch1"})
	require.NoError(t, err)
	assert.Len(t, msgs, 10)
	assert.Equal(t, "109", msgs[0].ID)
	assert.Equal(t, "100", msgs[9].ID)

	cursor, err := store.GetChannelCursor(ctx, "ch1")
	require.NoError(t, err)
	assert.Equal(t, "109", cursor.LastMessageID)
	assert.True(t, cursor.CaughtUp)
	assert.Equal(t, 4, cursor.PagesSeen)
	assert.Equal(t, 10, cursor.MessagesSeen)
}

func TestBackfillRerunIsIdempotent(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	pag := &fakePaginator{history: channelHistory(base, "100", "101")}

	b, store := newTestBackfiller(t, pag, BackfillConfig{PageSize: 3})
	ctx := context.Background()

	b.runJob(ctx, backfillJob{ChannelID: "ch1"})
	first, err := store.RecentMessages(ctx, MessagesFilter{ChannelID: "ch1"})
	require.NoError(t, err)
	require.Len(t, first, 2)

	// A second pass resumes from the cursor and sees an empty page.
	b.runJob(ctx, backfillJob{ChannelID: "ch1"})
	second, err := store.RecentMessages(ctx, MessagesFilter{ChannelID: "ch1"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestBackfillPreservesLiveDelete(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	pag := &fakePaginator{history: channelHistory(base, "100")}

	b, store := newTestBackfiller(t, pag, BackfillConfig{PageSize: 2})
	ctx := context.Background()

	// The live stream ingested and deleted the message while the history
	// page containing it was in flight.
	normalizer := NewNormalizer(testLogger(), store)
	require.NoError(t, normalizer.ApplyMessage(ctx, historyMessage("100", "a", base), SourceLive))
	require.NoError(t, normalizer.ApplyMessageDelete(ctx, "100"))

	b.runJob(ctx, backfillJob{ChannelID: "ch1"})

	msgs, err := store.RecentMessages(ctx, MessagesFilter{ChannelID: "ch1", IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Deleted, "backfill must not resurrect a deleted message")
}

func TestBackfillInsertAfterLiveDelete(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	pag := &fakePaginator{history: channelHistory(base, "100", "101", "102")}

	b, store := newTestBackfiller(t, pag, BackfillConfig{PageSize: 5})
	ctx := context.Background()

	// The delete for message 101 arrives before backfill has inserted the
	// row; the final state must still have it deleted.
	normalizer := NewNormalizer(testLogger(), store)
	require.NoError(t, normalizer.ApplyMessageDelete(ctx, "101"))

	b.runJob(ctx, backfillJob{ChannelID: "ch1"})

	msgs, err := store.RecentMessages(ctx, MessagesFilter{ChannelID: "ch1"})
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	msgs, err = store.RecentMessages(ctx, MessagesFilter{ChannelID: "ch1", IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.Equal(t, m.ID == "101", m.Deleted)
	}
}

func TestBackfillRateLimitedPage(t *testing.T) {
	pag := &fakePaginator{err: &discordgo.RateLimitError{
		RateLimit: &discordgo.RateLimit{
			TooManyRequests: &discordgo.TooManyRequests{
				Message:    "You are being rate limited.",
				RetryAfter: 250 * time.Millisecond,
			},
			URL: "/channels/ch1/messages",
		},
	}}

	b, _ := newTestBackfiller(t, pag, BackfillConfig{PageSize: 2})

	_, err := b.nextPage(context.Background(), "ch1")
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestBackfillReactionTopUp(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	msg := historyMessage("100", "a", base)
	msg.Reactions = []*discordgo.MessageReactions{
		{Count: 2, Emoji: &discordgo.Emoji{Name: "👍"}},
	}

	pag := &fakePaginator{
		history: []*discordgo.Message{msg},
		reactions: map[string][]*discordgo.User{
			"100:👍": {{ID: "u2"}, {ID: "u3"}},
		},
	}

	b, store := newTestBackfiller(t, pag, BackfillConfig{PageSize: 2})
	ctx := context.Background()

	b.runJob(ctx, backfillJob{ChannelID: "ch1"})

	reactions, err := store.ListReactions(ctx, "100")
	require.NoError(t, err)
	assert.Len(t, reactions, 2)
}

func TestBackfillSkipsTopUpWhenCaughtUp(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	msg := historyMessage("101", "b", base)
	msg.Reactions = []*discordgo.MessageReactions{
		{Count: 1, Emoji: &discordgo.Emoji{Name: "👍"}},
	}

	pag := &fakePaginator{
		history:   []*discordgo.Message{historyMessage("100", "a", base), msg},
		reactions: map[string][]*discordgo.User{"101:👍": {{ID: "u2"}}},
	}

	b, store := newTestBackfiller(t, pag, BackfillConfig{PageSize: 5})
	ctx := context.Background()

	// The channel was already caught up through message 100; the sweep only
	// picks up 101 and leaves reaction lists to the live stream.
	cursor, err := store.GetChannelCursor(ctx, "ch1")
	require.NoError(t, err)
	cursor.LastMessageID = "100"
	cursor.CaughtUp = true
	require.NoError(t, store.SaveChannelCursor(ctx, cursor))

	b.runJob(ctx, backfillJob{ChannelID: "ch1"})

	msgs, err := store.RecentMessages(ctx, MessagesFilter{ChannelID: "ch1"})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	pag.mu.Lock()
	defer pag.mu.Unlock()
	assert.Zero(t, pag.reactionCalls)
}

func TestEnqueueDeduplicates(t *testing.T) {
	b, _ := newTestBackfiller(t, &fakePaginator{}, BackfillConfig{})

	assert.True(t, b.Enqueue("ch1"))
	assert.False(t, b.Enqueue("ch1"), "channel already queued")
	assert.True(t, b.Enqueue("ch2"))
	assert.False(t, b.Enqueue(""))
}

func TestEnqueueAllFiltersChannelTypes(t *testing.T) {
	b, store := newTestBackfiller(t, &fakePaginator{}, BackfillConfig{})
	ctx := context.Background()

	for _, ch := range []*Channel{
		{ID: "ch1", ServerID: "srv1", Type: "text"},
		{ID: "ch2", ServerID: "srv1", Type: "voice"},
		{ID: "ch3", ServerID: "srv1", Type: "category"},
		{ID: "ch4", ServerID: "srv1", Type: "thread_public"},
	} {
		_, err := store.UpsertChannel(ctx, ch)
		require.NoError(t, err)
	}

	b.EnqueueAll(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.True(t, b.inFlight["ch1"])
	assert.False(t, b.inFlight["ch2"], "voice channels have no message history")
	assert.False(t, b.inFlight["ch3"])
	assert.True(t, b.inFlight["ch4"])
}

func TestSnowflakeLess(t *testing.T) {
	assert.True(t, snowflakeLess("100", "101"))
	assert.False(t, snowflakeLess("101", "100"))
	assert.False(t, snowflakeLess("100", "100"))
	// Shorter snowflakes are numerically smaller, so older.
	assert.True(t, snowflakeLess("999", "1000"))
	assert.False(t, snowflakeLess("1000", "999"))
	// The zero boundary sorts before every real snowflake.
	assert.True(t, snowflakeLess("0", "100"))
}

func TestBackfillConfigDefaults(t *testing.T) {
	cfg := BackfillConfig{}
	cfg.withDefaults()
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 100, cfg.PageSize)
	assert.Equal(t, float64(5), cfg.RatePerSec)
	assert.Equal(t, 30*time.Second, cfg.MaxWait)
	assert.Equal(t, time.Minute, cfg.RequeueDelay)
}
