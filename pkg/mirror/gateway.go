package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jpillora/backoff"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var gatewayTracer = otel.Tracer("gateway")

type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthenticated
	StateStreaming
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ConsumerConfig tunes the gateway connection loop.
type ConsumerConfig struct {
	// MaxBackoff bounds the reconnect delay.
	MaxBackoff time.Duration
	// MaxAttempts is the backoff ceiling: consecutive failed reconnects
	// beyond it escalate to the caller.
	MaxAttempts int
	// LivenessWindow recycles the connection when no events arrive for
	// this long while streaming. Zero disables the check.
	LivenessWindow time.Duration
}

func (c *ConsumerConfig) withDefaults() {
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 2 * time.Minute
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 20
	}
}

// Consumer owns the single logical gateway session. Events are dispatched
// in arrival order (the session is opened with synchronous handler
// dispatch) and the consumer does not advance until the current event's
// delta is durably applied. Reconnects are driven here, not by discordgo,
// so the state machine stays explicit.
type Consumer struct {
	logger     *slog.Logger
	session    *discordgo.Session
	normalizer *Normalizer
	store      *Store
	cfg        ConsumerConfig

	state  atomic.Int32
	seq    atomic.Int64
	readys atomic.Int64
	paused atomic.Bool

	// resyncAll is invoked when a reconnect could not resume the prior
	// session, meaning events may have been missed.
	resyncAll func()

	mu           sync.Mutex
	disconnected chan struct{}
	resumeCh     chan struct{}
}

func NewConsumer(logger *slog.Logger, token string, normalizer *Normalizer, store *Store, cfg ConsumerConfig) (*Consumer, error) {
	cfg.withDefaults()

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsMessageContent

	// The consumer owns reconnects and ordering.
	session.ShouldReconnectOnError = false
	session.SyncEvents = true
	session.StateEnabled = false

	c := &Consumer{
		logger:       logger.With("source", "gateway"),
		session:      session,
		normalizer:   normalizer,
		store:        store,
		cfg:          cfg,
		resyncAll:    func() {},
		disconnected: make(chan struct{}),
		resumeCh:     make(chan struct{}, 1),
	}
	c.registerHandlers()
	return c, nil
}

// SetResyncAll registers the callback fired after a session could not be
// resumed across a reconnect.
func (c *Consumer) SetResyncAll(fn func()) {
	if fn != nil {
		c.resyncAll = fn
	}
}

func (c *Consumer) State() ConnState { return ConnState(c.state.Load()) }
func (c *Consumer) Seq() int64       { return c.seq.Load() }

func (c *Consumer) setState(s ConnState) {
	c.state.Store(int32(s))
	connState.Set(float64(s))
}

// Run drives the connection loop until ctx is cancelled or the backoff
// ceiling is exhausted.
func (c *Consumer) Run(ctx context.Context) error {
	bo := &backoff.Backoff{
		Min:    time.Second,
		Max:    c.cfg.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	if c.cfg.LivenessWindow > 0 {
		go c.watchLiveness(ctx)
	}

	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return nil
		}

		c.setState(StateConnecting)
		c.mu.Lock()
		c.disconnected = make(chan struct{})
		c.mu.Unlock()

		c.logger.Info("connecting to gateway")
		err := c.session.Open()
		if err != nil {
			c.setState(StateReconnecting)
			reconnects.Inc()
			if int(bo.Attempt()) >= c.cfg.MaxAttempts {
				c.setState(StateDisconnected)
				return fmt.Errorf("gateway backoff ceiling reached: %w", err)
			}
			d := bo.Duration()
			c.logger.Warn("failed to open gateway session, backing off", "err", err, "delay", d.String())
			select {
			case <-time.After(d):
				continue
			case <-ctx.Done():
				c.setState(StateDisconnected)
				return nil
			}
		}

		bo.Reset()
		c.setState(StateAuthenticated)

		select {
		case <-ctx.Done():
			c.logger.Info("context cancelled, closing gateway session")
			c.session.Close()
			c.setState(StateDisconnected)
			return nil
		case <-c.disconnectedCh():
			c.session.Close()
			if c.paused.Load() {
				c.setState(StateDisconnected)
				c.logger.Info("ingestion paused")
				if !c.parkWhilePaused(ctx) {
					return nil
				}
				c.logger.Info("ingestion resumed")
				continue
			}
			c.setState(StateReconnecting)
			reconnects.Inc()
			d := bo.Duration()
			c.logger.Warn("gateway session dropped, reconnecting", "delay", d.String())
			select {
			case <-time.After(d):
			case <-ctx.Done():
				c.setState(StateDisconnected)
				return nil
			}
		}
	}
}

func (c *Consumer) disconnectedCh() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// Pause closes the session and parks the run loop until Resume.
func (c *Consumer) Pause() {
	if c.paused.CompareAndSwap(false, true) {
		c.session.Close()
	}
}

func (c *Consumer) Resume() {
	if c.paused.CompareAndSwap(true, false) {
		select {
		case c.resumeCh <- struct{}{}:
		default:
		}
	}
}

// parkWhilePaused blocks until Resume or cancellation, reporting whether the
// run loop should keep going. resumeCh is buffered so a Resume that lands
// before the park is not lost, and the flag is re-checked so a stale token
// from an earlier pause cycle cannot end a newer one.
func (c *Consumer) parkWhilePaused(ctx context.Context) bool {
	for c.paused.Load() {
		select {
		case <-c.resumeCh:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// watchLiveness recycles the connection when no events arrive for the
// configured window. Heartbeat ACKs are not events, so the window should
// comfortably exceed normal quiet periods.
func (c *Consumer) watchLiveness(ctx context.Context) {
	logger := c.logger.With("source", "liveness_checker")
	ticker := time.NewTicker(c.cfg.LivenessWindow)
	defer ticker.Stop()

	lastSeq := int64(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateStreaming {
				continue
			}
			seq := c.Seq()
			if seq == lastSeq {
				logger.Error("no new events in liveness window, recycling connection", "last_seq", lastSeq)
				c.session.Close()
			}
			lastSeq = seq
		}
	}
}

func (c *Consumer) registerHandlers() {
	c.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		c.setState(StateStreaming)
		n := c.readys.Add(1)
		c.logger.Info("gateway ready", "session_id", r.SessionID, "guilds", len(r.Guilds))
		if n > 1 {
			// Fresh identify after a dropped session: events in the gap
			// are gone from the stream, backfill has to close it.
			c.logger.Info("session re-identified, requesting full resync")
			c.resyncAll()
		}
	})

	c.session.AddHandler(func(s *discordgo.Session, r *discordgo.Resumed) {
		c.setState(StateStreaming)
		c.logger.Info("gateway session resumed")
	})

	c.session.AddHandler(func(s *discordgo.Session, d *discordgo.Disconnect) {
		// May fire before Run's first iteration (a Pause or an early drop),
		// so the channel is initialized at construction and closed under mu.
		c.mu.Lock()
		defer c.mu.Unlock()
		select {
		case <-c.disconnected:
		default:
			close(c.disconnected)
		}
	})

	c.session.AddHandler(func(s *discordgo.Session, e *discordgo.Event) {
		if _, ok := knownEventKinds[e.Type]; !ok {
			eventsUnknownKind.Inc()
		}
	})

	c.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		c.dispatch("message_create", m.ID, m.Timestamp, func(ctx context.Context) error {
			return c.normalizer.ApplyMessage(ctx, m.Message, SourceLive)
		})
	})

	c.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageUpdate) {
		c.dispatch("message_update", m.ID, eventTime(m.EditedTimestamp), func(ctx context.Context) error {
			return c.normalizer.ApplyMessageUpdate(ctx, m.Message)
		})
	})

	c.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageDelete) {
		c.dispatch("message_delete", m.ID, time.Now().UTC(), func(ctx context.Context) error {
			return c.normalizer.ApplyMessageDelete(ctx, m.ID)
		})
	})

	c.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageDeleteBulk) {
		for _, id := range m.Messages {
			id := id
			c.dispatch("message_delete_bulk", id, time.Now().UTC(), func(ctx context.Context) error {
				return c.normalizer.ApplyMessageDelete(ctx, id)
			})
		}
	})

	c.session.AddHandler(func(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
		c.dispatch("reaction_add", r.MessageID, time.Now().UTC(), func(ctx context.Context) error {
			return c.normalizer.ApplyReactionAdd(ctx, r.MessageReaction)
		})
	})

	c.session.AddHandler(func(s *discordgo.Session, r *discordgo.MessageReactionRemove) {
		c.dispatch("reaction_remove", r.MessageID, time.Now().UTC(), func(ctx context.Context) error {
			return c.normalizer.ApplyReactionRemove(ctx, r.MessageReaction)
		})
	})

	c.session.AddHandler(func(s *discordgo.Session, r *discordgo.MessageReactionRemoveAll) {
		c.dispatch("reaction_remove_all", r.MessageID, time.Now().UTC(), func(ctx context.Context) error {
			return c.normalizer.ApplyReactionRemoveAll(ctx, r.MessageID)
		})
	})

	c.session.AddHandler(func(s *discordgo.Session, g *discordgo.GuildCreate) {
		c.dispatch("guild_create", g.ID, time.Now().UTC(), func(ctx context.Context) error {
			return c.normalizer.ApplyGuild(ctx, g.Guild)
		})
	})

	c.session.AddHandler(func(s *discordgo.Session, g *discordgo.GuildUpdate) {
		c.dispatch("guild_update", g.ID, time.Now().UTC(), func(ctx context.Context) error {
			return c.normalizer.ApplyGuild(ctx, g.Guild)
		})
	})

	c.session.AddHandler(func(s *discordgo.Session, g *discordgo.GuildDelete) {
		c.dispatch("guild_delete", g.ID, time.Now().UTC(), func(ctx context.Context) error {
			return c.normalizer.ApplyGuildDelete(ctx, g.Guild, g.Unavailable)
		})
	})

	c.session.AddHandler(func(s *discordgo.Session, ch *discordgo.ChannelCreate) {
		c.dispatch("channel_create", ch.ID, time.Now().UTC(), func(ctx context.Context) error {
			return c.normalizer.ApplyChannel(ctx, ch.Channel)
		})
	})

	c.session.AddHandler(func(s *discordgo.Session, ch *discordgo.ChannelUpdate) {
		c.dispatch("channel_update", ch.ID, time.Now().UTC(), func(ctx context.Context) error {
			return c.normalizer.ApplyChannel(ctx, ch.Channel)
		})
	})

	c.session.AddHandler(func(s *discordgo.Session, ch *discordgo.ChannelDelete) {
		c.dispatch("channel_delete", ch.ID, time.Now().UTC(), func(ctx context.Context) error {
			return c.normalizer.ApplyChannelDelete(ctx, ch.Channel)
		})
	})

	c.session.AddHandler(func(s *discordgo.Session, t *discordgo.ThreadCreate) {
		c.dispatch("thread_create", t.ID, time.Now().UTC(), func(ctx context.Context) error {
			return c.normalizer.ApplyChannel(ctx, t.Channel)
		})
	})

	c.session.AddHandler(func(s *discordgo.Session, t *discordgo.ThreadUpdate) {
		c.dispatch("thread_update", t.ID, time.Now().UTC(), func(ctx context.Context) error {
			return c.normalizer.ApplyChannel(ctx, t.Channel)
		})
	})

	c.session.AddHandler(func(s *discordgo.Session, t *discordgo.ThreadDelete) {
		c.dispatch("thread_delete", t.ID, time.Now().UTC(), func(ctx context.Context) error {
			return c.normalizer.ApplyChannelDelete(ctx, t.Channel)
		})
	})

	c.session.AddHandler(func(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
		c.dispatch("member_add", m.User.ID, time.Now().UTC(), func(ctx context.Context) error {
			return c.normalizer.ApplyMember(ctx, m.Member)
		})
	})

	c.session.AddHandler(func(s *discordgo.Session, m *discordgo.GuildMemberUpdate) {
		c.dispatch("member_update", m.User.ID, time.Now().UTC(), func(ctx context.Context) error {
			return c.normalizer.ApplyMember(ctx, m.Member)
		})
	})
}

// dispatch applies one event synchronously, assigns the local sequence
// number, and records the observability row. Per-event failures never
// escape to the session loop.
func (c *Consumer) dispatch(kind, entityID string, t time.Time, fn func(ctx context.Context) error) {
	seq := c.seq.Add(1)

	ctx := context.Background()
	ctx, span := gatewayTracer.Start(ctx, "dispatch")
	defer span.End()

	span.SetAttributes(
		attribute.String("kind", kind),
		attribute.String("entity_id", entityID),
		attribute.Int64("seq", seq),
	)

	err := fn(ctx)
	eventsProcessed.WithLabelValues(kind, SourceLive).Inc()

	e := &GatewayEvent{
		LocalSeq: seq,
		Kind:     kind,
		EntityID: entityID,
		Source:   SourceLive,
		Time:     t.UnixNano(),
	}

	if err != nil {
		countEventError(kind, err)
		e.Error = err.Error()
		if errors.Is(err, ErrMalformedEvent) || errors.Is(err, ErrUnknownReference) {
			c.logger.Warn("event dropped", "kind", kind, "entity_id", entityID, "err", err)
		} else {
			c.logger.Error("failed to apply event", "kind", kind, "entity_id", entityID, "err", err)
		}
	}

	c.store.RecordEvent(ctx, e)
}

func eventTime(t *time.Time) time.Time {
	if t != nil {
		return *t
	}
	return time.Now().UTC()
}

var knownEventKinds = map[string]struct{}{
	"READY":                       {},
	"RESUMED":                     {},
	"MESSAGE_CREATE":              {},
	"MESSAGE_UPDATE":              {},
	"MESSAGE_DELETE":              {},
	"MESSAGE_DELETE_BULK":         {},
	"MESSAGE_REACTION_ADD":        {},
	"MESSAGE_REACTION_REMOVE":     {},
	"MESSAGE_REACTION_REMOVE_ALL": {},
	"GUILD_CREATE":                {},
	"GUILD_UPDATE":                {},
	"GUILD_DELETE":                {},
	"CHANNEL_CREATE":              {},
	"CHANNEL_UPDATE":              {},
	"CHANNEL_DELETE":              {},
	"THREAD_CREATE":               {},
	"THREAD_UPDATE":               {},
	"THREAD_DELETE":               {},
	"GUILD_MEMBER_ADD":            {},
	"GUILD_MEMBER_UPDATE":         {},
}
