package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConsumer(t *testing.T) (*Consumer, *Store) {
	t.Helper()
	store := newTestStore(t)
	normalizer := NewNormalizer(testLogger(), store)
	c, err := NewConsumer(testLogger(), "test-token", normalizer, store, ConsumerConfig{})
	require.NoError(t, err)
	return c, store
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "unknown", ConnState(99).String())
}

func TestConsumerConfigDefaults(t *testing.T) {
	cfg := ConsumerConfig{}
	cfg.withDefaults()
	assert.Equal(t, 2*time.Minute, cfg.MaxBackoff)
	assert.Equal(t, 20, cfg.MaxAttempts)
	assert.Zero(t, cfg.LivenessWindow, "liveness is opt-in")
}

func TestConsumerSessionSettings(t *testing.T) {
	c, _ := newTestConsumer(t)

	// The consumer owns reconnects and ordering, not the library.
	assert.False(t, c.session.ShouldReconnectOnError)
	assert.True(t, c.session.SyncEvents)
	assert.False(t, c.session.StateEnabled)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Zero(t, c.Seq())
}

func TestDispatchAssignsSequenceAndRecords(t *testing.T) {
	c, store := newTestConsumer(t)

	now := time.Now().UTC()
	c.dispatch("message_create", "m1", now, func(ctx context.Context) error { return nil })
	c.dispatch("message_delete", "m1", now, func(ctx context.Context) error { return nil })

	assert.EqualValues(t, 2, c.Seq())

	var events []GatewayEvent
	require.NoError(t, store.db.Order("local_seq").Find(&events).Error)
	require.Len(t, events, 2)
	assert.EqualValues(t, 1, events[0].LocalSeq)
	assert.Equal(t, "message_create", events[0].Kind)
	assert.Equal(t, "m1", events[0].EntityID)
	assert.Equal(t, SourceLive, events[0].Source)
	assert.Empty(t, events[0].Error)
	assert.EqualValues(t, 2, events[1].LocalSeq)
}

func TestDispatchIsolatesEventFailures(t *testing.T) {
	c, store := newTestConsumer(t)

	// A failing delta is recorded with its error and never panics the loop.
	c.dispatch("message_create", "m1", time.Now().UTC(), func(ctx context.Context) error {
		return ErrMalformedEvent
	})
	c.dispatch("message_create", "m2", time.Now().UTC(), func(ctx context.Context) error { return nil })

	var events []GatewayEvent
	require.NoError(t, store.db.Order("local_seq").Find(&events).Error)
	require.Len(t, events, 2)
	assert.Equal(t, ErrMalformedEvent.Error(), events[0].Error)
	assert.Empty(t, events[1].Error)
}

func TestEventTime(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, ts, eventTime(&ts))
	assert.WithinDuration(t, time.Now().UTC(), eventTime(nil), time.Second)
}

func TestKnownEventKindsCoverHandlers(t *testing.T) {
	for _, kind := range []string{
		"MESSAGE_CREATE", "MESSAGE_UPDATE", "MESSAGE_DELETE", "MESSAGE_DELETE_BULK",
		"MESSAGE_REACTION_ADD", "MESSAGE_REACTION_REMOVE", "MESSAGE_REACTION_REMOVE_ALL",
		"GUILD_CREATE", "GUILD_UPDATE", "GUILD_DELETE",
		"CHANNEL_CREATE", "CHANNEL_UPDATE", "CHANNEL_DELETE",
		"THREAD_CREATE", "THREAD_UPDATE", "THREAD_DELETE",
		"GUILD_MEMBER_ADD", "GUILD_MEMBER_UPDATE",
		"READY", "RESUMED",
	} {
		_, ok := knownEventKinds[kind]
		assert.True(t, ok, "kind %s should be known", kind)
	}
	_, ok := knownEventKinds["TYPING_START"]
	assert.False(t, ok)
}

func TestPauseResume(t *testing.T) {
	c, _ := newTestConsumer(t)

	c.Pause()
	assert.True(t, c.paused.Load())
	// Pausing twice is safe.
	c.Pause()
	assert.True(t, c.paused.Load())

	c.Resume()
	assert.False(t, c.paused.Load())
	c.Resume()
	assert.False(t, c.paused.Load())
}

func TestResumeBeforeParkIsNotLost(t *testing.T) {
	c, _ := newTestConsumer(t)

	// Resume can race ahead of the run loop reaching its park; the token
	// is buffered so the loop does not block forever.
	c.Pause()
	c.Resume()

	done := make(chan bool, 1)
	go func() { done <- c.parkWhilePaused(context.Background()) }()

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("park did not observe the earlier resume")
	}
}

func TestStaleResumeTokenDoesNotEndNewerPause(t *testing.T) {
	c, _ := newTestConsumer(t)

	// A full pause/resume cycle before the loop parks leaves a token
	// behind; a second pause must still hold the park.
	c.Pause()
	c.Resume()
	c.Pause()

	done := make(chan bool, 1)
	go func() { done <- c.parkWhilePaused(context.Background()) }()

	select {
	case <-done:
		t.Fatal("park released while still paused")
	case <-time.After(100 * time.Millisecond):
	}

	c.Resume()
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("park did not release after resume")
	}
}
