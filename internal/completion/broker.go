// Package completion carries "this key was completed" notifications from the
// completion callback to long-poll waiters. LocalBroker delivers within one
// process; RedisBroker fans events out to every instance through Redis pub/sub.
package completion

import (
	"context"
	"sync"
	"time"

	"github.com/ddc-api/keyportal/internal/db/models"
)

// Event reports that an account's key for a tier became complete.
type Event struct {
	AccountID   string      `json:"account_id"`
	Tier        models.Tier `json:"tier"`
	CompletedAt time.Time   `json:"completed_at"`
}

// Publisher sends completion events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Broker publishes events and lets waiters subscribe to one account's events.
type Broker interface {
	Publisher
	// Subscribe returns a channel that receives the account's events until the
	// returned cancel func is called.
	Subscribe(accountID string) (<-chan Event, func())
	Close() error
}

// LocalBroker is an in-process Broker. Delivery never blocks the publisher: a
// subscriber that has not drained its previous event misses the new one, which
// is harmless because waiters re-read the store on every wake-up.
type LocalBroker struct {
	mu     sync.Mutex
	subs   map[string]map[chan Event]struct{}
	closed bool
}

// NewLocalBroker creates an empty LocalBroker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[string]map[chan Event]struct{})}
}

// Publish delivers event to the current subscribers of event.AccountID.
func (b *LocalBroker) Publish(_ context.Context, event Event) error {
	b.deliver(event)
	return nil
}

func (b *LocalBroker) deliver(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[event.AccountID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a waiter for accountID.
func (b *LocalBroker) Subscribe(accountID string) (<-chan Event, func()) {
	ch := make(chan Event, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	set, ok := b.subs[accountID]
	if !ok {
		set = make(map[chan Event]struct{})
		b.subs[accountID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[accountID]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(b.subs, accountID)
				}
			}
		})
	}
	return ch, cancel
}

// Close closes every subscriber channel. Later subscriptions receive a closed channel.
func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, set := range b.subs {
		for ch := range set {
			close(ch)
		}
		delete(b.subs, id)
	}
	return nil
}

// Wake adapts an event channel into the wake signal keys.Service.AwaitCompletion
// expects. The returned channel is never closed; it stops firing once events
// closes or ctx ends.
func Wake(ctx context.Context, events <-chan Event) <-chan struct{} {
	wake := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()
	return wake
}
