package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// MemoryBus is the in-process transport for single-process deployments.
type MemoryBus struct {
	mu      sync.Mutex
	subs    map[string]map[*Subscription]struct{}
	history map[string][][]byte
	closed  bool
}

// NewMemoryBus creates an in-process event bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:    make(map[string]map[*Subscription]struct{}),
		history: make(map[string][][]byte),
	}
}

// Publish broadcasts payload to all subscribers of topic and records it in
// the topic's replay history.
func (b *MemoryBus) Publish(_ context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("bus: closed")
	}

	history := append(b.history[topic], data)
	if len(history) > MaxEventHistory {
		history = history[len(history)-MaxEventHistory:]
	}
	b.history[topic] = history

	for sub := range b.subs[topic] {
		sub.enqueue(data)
	}
	return nil
}

// Subscribe returns a subscription that first replays the topic's recent
// history, then live events.
func (b *MemoryBus) Subscribe(topic string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("bus: closed")
	}

	var sub *Subscription
	sub = newSubscription(func() {
		b.mu.Lock()
		delete(b.subs[topic], sub)
		b.mu.Unlock()
	})

	for _, past := range b.history[topic] {
		sub.enqueue(past)
	}

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*Subscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	return sub, nil
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*Subscription
	for _, subs := range b.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	b.subs = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
	return nil
}
