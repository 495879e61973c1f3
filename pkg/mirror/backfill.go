package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

var backfillTracer = otel.Tracer("backfill")

// ErrRateLimited is returned when the platform throttles a history page;
// the job is requeued with delay rather than failed.
var ErrRateLimited = errors.New("rate limited")

// Paginator is the slice of the REST API backfill needs. *discordgo.Session
// satisfies it through the sessionPaginator adapter in engine.go.
type Paginator interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID string) ([]*discordgo.Message, error)
	MessageReactions(channelID, messageID, emoji string, limit int, afterID string) ([]*discordgo.User, error)
}

// BackfillConfig tunes the synchronizer pool.
type BackfillConfig struct {
	Workers  int
	PageSize int
	// RatePerSec is the shared token bucket across all jobs, sized to stay
	// under the platform's rate limits.
	RatePerSec float64
	// MaxWait bounds how long a job blocks on the token bucket before it
	// is requeued instead.
	MaxWait time.Duration
	// RequeueDelay is the base delay before a throttled job runs again.
	RequeueDelay time.Duration
}

func (c *BackfillConfig) withDefaults() {
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.PageSize == 0 {
		c.PageSize = 100
	}
	if c.RatePerSec == 0 {
		c.RatePerSec = 5
	}
	if c.MaxWait == 0 {
		c.MaxWait = 30 * time.Second
	}
	if c.RequeueDelay == 0 {
		c.RequeueDelay = time.Minute
	}
}

type backfillJob struct {
	ChannelID string
}

// Backfiller paginates channel history oldest-to-newest and pushes every
// record through the same normalize-then-upsert path as the live stream.
// Re-running a range is safe: upserts are idempotent and deleted flags
// never regress.
type Backfiller struct {
	logger     *slog.Logger
	store      *Store
	normalizer *Normalizer
	pag        Paginator
	limiter    *rate.Limiter
	cfg        BackfillConfig

	jobs chan backfillJob
	wg   sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewBackfiller(logger *slog.Logger, store *Store, normalizer *Normalizer, pag Paginator, cfg BackfillConfig) *Backfiller {
	cfg.withDefaults()
	return &Backfiller{
		logger:     logger.With("source", "backfill"),
		store:      store,
		normalizer: normalizer,
		pag:        pag,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		cfg:        cfg,
		jobs:       make(chan backfillJob, 1024),
		inFlight:   make(map[string]bool),
	}
}

// Run starts the worker pool and blocks until ctx is cancelled. In-flight
// pages finish before workers exit.
func (b *Backfiller) Run(ctx context.Context) {
	for i := 0; i < b.cfg.Workers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-b.jobs:
					b.runJob(ctx, job)
				}
			}
		}()
	}
	<-ctx.Done()
}

// Wait blocks until all workers have drained their in-flight work.
func (b *Backfiller) Wait() {
	b.wg.Wait()
}

// Enqueue schedules a backfill pass for a channel. Duplicate requests for
// a channel already queued or running are dropped.
func (b *Backfiller) Enqueue(channelID string) bool {
	if channelID == "" {
		return false
	}
	b.mu.Lock()
	if b.inFlight[channelID] {
		b.mu.Unlock()
		return false
	}
	b.inFlight[channelID] = true
	b.mu.Unlock()

	select {
	case b.jobs <- backfillJob{ChannelID: channelID}:
		return true
	default:
		b.mu.Lock()
		delete(b.inFlight, channelID)
		b.mu.Unlock()
		b.logger.Warn("backfill queue full, dropping request", "channel_id", channelID)
		return false
	}
}

// EnqueueAll schedules every known text and thread channel.
func (b *Backfiller) EnqueueAll(ctx context.Context) {
	channels, err := b.store.ListChannels(ctx, "")
	if err != nil {
		b.logger.Error("failed to list channels for sweep", "err", err)
		return
	}
	queued := 0
	for _, ch := range channels {
		if !backfillableChannel(ch.Type) {
			continue
		}
		if b.Enqueue(ch.ID) {
			queued++
		}
	}
	b.logger.Info("backfill sweep scheduled", "channels", queued)
}

func backfillableChannel(channelType string) bool {
	switch channelType {
	case "text", "news", "thread_news", "thread_public", "thread_private", "":
		return true
	default:
		return false
	}
}

func (b *Backfiller) runJob(ctx context.Context, job backfillJob) {
	defer func() {
		b.mu.Lock()
		delete(b.inFlight, job.ChannelID)
		b.mu.Unlock()
	}()

	ctx, span := backfillTracer.Start(ctx, "runJob")
	defer span.End()
	span.SetAttributes(attribute.String("channel_id", job.ChannelID))

	logger := b.logger.With("channel_id", job.ChannelID)
	logger.Info("starting backfill job")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := b.nextPage(ctx, job.ChannelID)
		if err != nil {
			if errors.Is(err, ErrRateLimited) {
				b.requeue(ctx, job, b.cfg.RequeueDelay)
				return
			}
			logger.Error("backfill page failed", "err", err)
			backfillPages.WithLabelValues("error").Inc()
			return
		}

		if n < b.cfg.PageSize {
			logger.Info("backfill caught up")
			return
		}
	}
}

// requeue reschedules a throttled job after a delay without blocking a
// worker on the wait.
func (b *Backfiller) requeue(ctx context.Context, job backfillJob, delay time.Duration) {
	backfillRequeues.Inc()
	b.logger.Info("requeuing backfill job", "channel_id", job.ChannelID, "delay", delay.String())

	b.mu.Lock()
	delete(b.inFlight, job.ChannelID)
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
			b.Enqueue(job.ChannelID)
		}
	}()
}

// nextPage fetches and applies one history page, oldest-to-newest from the
// channel cursor, and advances the cursor. Returns the number of messages
// seen on the page.
func (b *Backfiller) nextPage(ctx context.Context, channelID string) (int, error) {
	ctx, span := backfillTracer.Start(ctx, "nextPage")
	defer span.End()

	cursor, err := b.store.GetChannelCursor(ctx, channelID)
	if err != nil {
		return 0, fmt.Errorf("failed to load cursor: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.MaxWait)
	defer cancel()
	if err := b.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: token bucket wait exceeded %s", ErrRateLimited, b.cfg.MaxWait)
	}

	afterID := cursor.LastMessageID
	if afterID == "" {
		// An empty after boundary pages from the newest messages. History is
		// walked oldest-to-newest, so a fresh cursor starts at the zero
		// snowflake.
		afterID = "0"
	}

	msgs, err := b.pag.ChannelMessages(channelID, b.cfg.PageSize, "", afterID)
	if err != nil {
		var rl *discordgo.RateLimitError
		if errors.As(err, &rl) {
			return 0, fmt.Errorf("%w: retry after %s", ErrRateLimited, rl.RetryAfter)
		}
		backfillPages.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("failed to fetch history page: %w", err)
	}

	// Discord pages are not guaranteed ascending; apply oldest first so
	// the cursor only ever moves forward.
	sort.Slice(msgs, func(i, j int) bool { return snowflakeLess(msgs[i].ID, msgs[j].ID) })

	// Reaction top-up only runs during the initial catch-up; once caught up
	// the live stream carries reaction events itself.
	topUp := !cursor.CaughtUp

	for _, m := range msgs {
		if err := b.applyHistoryMessage(ctx, m, topUp); err != nil {
			countEventError("history_message", err)
			b.logger.Warn("failed to apply history message", "message_id", m.ID, "err", err)
			continue
		}
		cursor.MessagesSeen++
		cursor.LastMessageID = m.ID
	}

	cursor.PagesSeen++
	cursor.CaughtUp = len(msgs) < b.cfg.PageSize
	if err := b.store.SaveChannelCursor(ctx, cursor); err != nil {
		return 0, fmt.Errorf("failed to save cursor: %w", err)
	}

	backfillPages.WithLabelValues("ok").Inc()
	eventsProcessed.WithLabelValues("history_page", SourceBackfill).Add(float64(len(msgs)))

	return len(msgs), nil
}

// applyHistoryMessage ingests one history record plus, while still catching
// up, its reaction lists. History records carry the current state of the
// message, so the LWW rule in the store keeps newer live edits intact.
func (b *Backfiller) applyHistoryMessage(ctx context.Context, m *discordgo.Message, topUp bool) error {
	if err := b.normalizer.ApplyMessage(ctx, m, SourceBackfill); err != nil {
		return err
	}
	if !topUp {
		return nil
	}

	for _, r := range m.Reactions {
		if r == nil || r.Emoji == nil {
			continue
		}
		emoji := r.Emoji.APIName()

		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		users, err := b.pag.MessageReactions(m.ChannelID, m.ID, emoji, 100, "")
		if err != nil {
			var rl *discordgo.RateLimitError
			if errors.As(err, &rl) {
				return fmt.Errorf("%w: retry after %s", ErrRateLimited, rl.RetryAfter)
			}
			b.logger.Warn("failed to fetch reaction list", "message_id", m.ID, "emoji", emoji, "err", err)
			continue
		}

		for _, u := range users {
			err := b.normalizer.ApplyReactionAdd(ctx, &discordgo.MessageReaction{
				MessageID: m.ID,
				ChannelID: m.ChannelID,
				GuildID:   m.GuildID,
				UserID:    u.ID,
				Emoji:     discordgo.Emoji{Name: r.Emoji.Name, ID: r.Emoji.ID},
			})
			if err != nil {
				countEventError("history_reaction", err)
				b.logger.Warn("failed to apply history reaction", "message_id", m.ID, "err", err)
			}
		}
	}

	return nil
}

// snowflakeLess compares two snowflake ids numerically without parsing:
// equal-length snowflakes order lexicographically, shorter ones are older.
func snowflakeLess(a, bID string) bool {
	if len(a) != len(bID) {
		return len(a) < len(bID)
	}
	return a < bID
}
