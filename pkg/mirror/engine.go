package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/robfig/cron/v3"

	"github.com/zebraintel/guildmirror/pkg/bqsink"
	"github.com/zebraintel/guildmirror/pkg/parq"
)

// EngineConfig collects the knobs for the whole ingestion engine.
type EngineConfig struct {
	Consumer ConsumerConfig
	Backfill BackfillConfig

	// EventTTL bounds how long gateway event observability rows are kept.
	// Zero disables sweeping.
	EventTTL time.Duration
	// SweepSchedule is a cron expression for periodic full backfill
	// sweeps. Empty disables them.
	SweepSchedule string
	// ShutdownGrace bounds how long Stop waits for in-flight work.
	ShutdownGrace time.Duration
}

// Engine wires the live consumer, the backfill pool, and the store
// together. Live and backfill writes go through the same idempotent upsert
// contract, so the engine never has to serialize them against each other:
// the per-field timestamp rule in the store settles races by data, not by
// control flow.
type Engine struct {
	logger     *slog.Logger
	store      *Store
	normalizer *Normalizer
	consumer   *Consumer
	backfiller *Backfiller
	cron       *cron.Cron
	cfg        EngineConfig

	bq   *bqsink.BQ
	parq *parq.Parq

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errCh   chan error
	started bool
	mu      sync.Mutex
}

// sessionPaginator adapts *discordgo.Session to the Paginator interface.
type sessionPaginator struct {
	session *discordgo.Session
}

func (p *sessionPaginator) ChannelMessages(channelID string, limit int, beforeID, afterID string) ([]*discordgo.Message, error) {
	return p.session.ChannelMessages(channelID, limit, beforeID, afterID, "")
}

func (p *sessionPaginator) MessageReactions(channelID, messageID, emoji string, limit int, afterID string) ([]*discordgo.User, error) {
	return p.session.MessageReactions(channelID, messageID, emoji, limit, "", afterID)
}

func NewEngine(
	logger *slog.Logger,
	token string,
	store *Store,
	cfg EngineConfig,
	bq *bqsink.BQ,
	parquetArchive *parq.Parq,
) (*Engine, error) {
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 15 * time.Second
	}

	normalizer := NewNormalizer(logger, store)

	consumer, err := NewConsumer(logger, token, normalizer, store, cfg.Consumer)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	backfiller := NewBackfiller(logger, store, normalizer,
		&sessionPaginator{session: consumer.session}, cfg.Backfill)

	e := &Engine{
		logger:     logger.With("module", "engine"),
		store:      store,
		normalizer: normalizer,
		consumer:   consumer,
		backfiller: backfiller,
		cfg:        cfg,
		bq:         bq,
		parq:       parquetArchive,
		errCh:      make(chan error, 1),
	}

	consumer.SetResyncAll(func() {
		backfiller.EnqueueAll(context.Background())
	})

	if bq != nil || parquetArchive != nil {
		normalizer.SetMessageObserver(e.forwardMessage)
	}

	return e, nil
}

// forwardMessage fans an applied message fact out to the export sinks.
func (e *Engine) forwardMessage(m *Message, action string) {
	if e.bq != nil {
		e.bq.InsertMessage(context.Background(), &bqsink.Record{
			CreatedAt: time.Now().UTC(),
			LocalSeq:  e.consumer.Seq(),
			ChannelID: m.ChannelID,
			MessageID: m.ID,
			AuthorID:  m.AuthorID,
			Action:    action,
			Content:   m.Content,
		})
	}
	if e.parq != nil {
		e.parq.EnqueueRecords([]*parq.Record{{
			CreatedAt: time.Now().UnixNano(),
			LocalSeq:  e.consumer.Seq(),
			ChannelID: m.ChannelID,
			MessageID: m.ID,
			AuthorID:  m.AuthorID,
			Action:    action,
			Content:   m.Content,
		}})
	}
}

// Start launches the consumer loop, the backfill pool, the event-log
// sweeper, and the periodic sweep schedule. It returns immediately; fatal
// failures surface on Errors.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}
	e.started = true

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.logger.Info("starting gateway consumer")
		if err := e.consumer.Run(runCtx); err != nil {
			e.logger.Error("gateway consumer failed", "err", err)
			select {
			case e.errCh <- err:
			default:
			}
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.logger.Info("starting backfill pool")
		e.backfiller.Run(runCtx)
	}()

	if e.cfg.EventTTL > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
					if err := e.store.SweepEvents(runCtx, e.cfg.EventTTL); err != nil {
						e.logger.Error("failed to sweep old gateway events", "err", err)
					}
				}
			}
		}()
	}

	if e.cfg.SweepSchedule != "" {
		e.cron = cron.New()
		_, err := e.cron.AddFunc(e.cfg.SweepSchedule, func() {
			e.logger.Info("running scheduled backfill sweep")
			e.backfiller.EnqueueAll(runCtx)
		})
		if err != nil {
			cancel()
			return fmt.Errorf("invalid sweep schedule %q: %w", e.cfg.SweepSchedule, err)
		}
		e.cron.Start()
	}

	return nil
}

// Errors surfaces unrecoverable failures (backoff ceiling, storage loss).
func (e *Engine) Errors() <-chan error {
	return e.errCh
}

// Stop shuts the engine down cooperatively: the sweep schedule stops
// first, then in-flight event application and backfill pages get a
// bounded grace period before the connection is torn down.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.started = false

	e.logger.Info("stopping engine")

	if e.cron != nil {
		cronCtx := e.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-time.After(e.cfg.ShutdownGrace):
		}
	}

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.backfiller.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("engine stopped")
	case <-time.After(e.cfg.ShutdownGrace):
		e.logger.Warn("shutdown grace period elapsed with work in flight")
	case <-ctx.Done():
	}

	if e.bq != nil {
		if err := e.bq.Close(); err != nil {
			e.logger.Error("failed to close bigquery sink", "err", err)
		}
	}
	if e.parq != nil {
		e.parq.Shutdown()
	}
	return nil
}

// ResyncChannel forces a backfill pass over one channel. Exposed to
// external tooling through the HTTP control surface.
func (e *Engine) ResyncChannel(channelID string) bool {
	return e.backfiller.Enqueue(channelID)
}

func (e *Engine) Pause()  { e.consumer.Pause() }
func (e *Engine) Resume() { e.consumer.Resume() }

type EngineStatus struct {
	State  string `json:"state"`
	Seq    int64  `json:"seq"`
	Paused bool   `json:"paused"`
}

func (e *Engine) Status() EngineStatus {
	return EngineStatus{
		State:  e.consumer.State().String(),
		Seq:    e.consumer.Seq(),
		Paused: e.consumer.paused.Load(),
	}
}
