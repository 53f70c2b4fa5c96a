// Package bus provides the per-submission event stream: progress steps,
// analysis-run lifecycle events, and token deltas, published under the
// topic "run:<submissionID>". Late subscribers receive a bounded replay of
// the topic's history before live events.
package bus

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
)

// MaxEventHistory bounds the per-topic replay buffer.
const MaxEventHistory = 500

// Topic returns the event topic for a submission.
func Topic(submissionID int64) string {
	return "run:" + strconv.FormatInt(submissionID, 10)
}

// Bus is the event transport. Implementations broadcast every published
// payload to all current subscribers of the topic and replay recent
// history to new subscribers.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(topic string) (*Subscription, error)
	Close() error
}

// Subscription delivers one topic's events in publish order. Publishers
// are never blocked by a slow consumer: events queue inside the
// subscription until read.
type Subscription struct {
	mu       sync.Mutex
	queue    [][]byte
	nonempty chan struct{}

	done      chan struct{}
	out       chan json.RawMessage
	closeOnce sync.Once
	onClose   func()
}

func newSubscription(onClose func()) *Subscription {
	s := &Subscription{
		nonempty: make(chan struct{}, 1),
		done:     make(chan struct{}),
		out:      make(chan json.RawMessage),
		onClose:  onClose,
	}
	go s.pump()
	return s
}

// Events returns the channel of event payloads. It is closed after Close.
func (s *Subscription) Events() <-chan json.RawMessage {
	return s.out
}

// Close detaches the subscription from its bus. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		close(s.done)
	})
}

func (s *Subscription) enqueue(payload []byte) {
	select {
	case <-s.done:
		return
	default:
	}
	s.mu.Lock()
	s.queue = append(s.queue, payload)
	s.mu.Unlock()
	select {
	case s.nonempty <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var next []byte
		if len(s.queue) > 0 {
			next = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-s.nonempty:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- json.RawMessage(next):
		case <-s.done:
			return
		}
	}
}
