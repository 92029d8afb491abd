package completion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddc-api/keyportal/internal/db/models"
)

func TestLocalBroker_DeliversToAccountSubscribers(t *testing.T) {
	b := NewLocalBroker()
	defer b.Close()

	events, cancel := b.Subscribe("acct-1")
	defer cancel()
	other, cancelOther := b.Subscribe("acct-2")
	defer cancelOther()

	event := Event{AccountID: "acct-1", Tier: models.TierBeta, CompletedAt: time.Now()}
	require.NoError(t, b.Publish(context.Background(), event))

	select {
	case got := <-events:
		assert.Equal(t, "acct-1", got.AccountID)
		assert.Equal(t, models.TierBeta, got.Tier)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	select {
	case got := <-other:
		t.Fatalf("unrelated subscriber received %+v", got)
	default:
	}
}

func TestLocalBroker_PublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	b := NewLocalBroker()
	defer b.Close()

	_, cancel := b.Subscribe("acct-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = b.Publish(context.Background(), Event{AccountID: "acct-1", Tier: models.TierStable})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on an undrained subscriber")
	}
}

func TestLocalBroker_CancelRemovesSubscription(t *testing.T) {
	b := NewLocalBroker()
	defer b.Close()

	events, cancel := b.Subscribe("acct-1")
	b.mu.Lock()
	assert.Len(t, b.subs["acct-1"], 1)
	b.mu.Unlock()

	cancel()
	cancel() // idempotent
	b.mu.Lock()
	assert.Empty(t, b.subs)
	b.mu.Unlock()

	_, ok := <-events
	assert.False(t, ok, "channel should be closed after cancel")

	// Publishing to a cancelled subscription must not send on its closed channel.
	assert.NotPanics(t, func() {
		_ = b.Publish(context.Background(), Event{AccountID: "acct-1", Tier: models.TierStable})
	})
}

func TestLocalBroker_CloseClosesSubscribers(t *testing.T) {
	b := NewLocalBroker()
	events, cancel := b.Subscribe("acct-1")
	defer cancel()

	require.NoError(t, b.Close())
	_, ok := <-events
	assert.False(t, ok)

	late, lateCancel := b.Subscribe("acct-1")
	defer lateCancel()
	_, ok = <-late
	assert.False(t, ok, "subscriptions after Close receive a closed channel")
}

func TestWake_FiresOnEventAndStopsWithContext(t *testing.T) {
	events := make(chan Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wake := Wake(ctx, events)
	events <- Event{AccountID: "acct-1", Tier: models.TierBeta}

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("wake did not fire")
	}

	close(events)
	select {
	case <-wake:
		t.Fatal("wake fired after events closed")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventCodec(t *testing.T) {
	in := Event{AccountID: "acct-1", Tier: models.TierBeta, CompletedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	payload, err := encodeEvent(in)
	require.NoError(t, err)

	out, err := decodeEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, in.AccountID, out.AccountID)
	assert.Equal(t, in.Tier, out.Tier)
	assert.True(t, in.CompletedAt.Equal(out.CompletedAt))
}

func TestDecodeEvent_RejectsMalformed(t *testing.T) {
	for _, payload := range []string{
		"not json",
		`{"tier":"beta"}`,
		`{"account_id":"a","tier":"gold"}`,
	} {
		_, err := decodeEvent(payload)
		assert.Error(t, err, payload)
	}
}
