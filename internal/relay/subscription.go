package relay

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/omochice/channel-relay/pkg/protocol"
)

// Subscription is the membership of a Relay in one topic.
type Subscription struct {
	relay   *Relay
	topic   string
	joinRef string
	state   atomic.Int32

	messages chan ChatMessage
	done     chan struct{}
	endOnce  sync.Once
	dropped  atomic.Uint64

	// mu guards closing messages against a concurrent deliver.
	mu     sync.RWMutex
	closed bool
	err    error
}

func newSubscription(r *Relay, topic, joinRef string, size int) *Subscription {
	s := &Subscription{
		relay:    r,
		topic:    topic,
		joinRef:  joinRef,
		messages: make(chan ChatMessage, size),
		done:     make(chan struct{}),
	}
	s.state.Store(int32(JoinJoining))
	return s
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// State returns the current join state.
func (s *Subscription) State() JoinState {
	return JoinState(s.state.Load())
}

// Messages returns the inbound chat messages in arrival order. The
// channel is closed when the subscription ends. Messages arriving while
// the channel is full are dropped, see Dropped.
func (s *Subscription) Messages() <-chan ChatMessage {
	return s.messages
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped returns how many inbound messages were discarded because the
// inbox was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Err returns why the subscription ended: nil while it is active and
// after a clean Leave.
func (s *Subscription) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Each calls handler for every inbound message, one at a time, until the
// subscription ends or ctx is done.
func (s *Subscription) Each(ctx context.Context, handler func(ChatMessage)) error {
	for {
		select {
		case m, ok := <-s.messages:
			if !ok {
				return s.Err()
			}
			handler(m)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Leave sends phx_leave and ends the subscription. It waits for the
// server's reply until ctx is done. Calling Leave again, or on a
// subscription that is not joined, is a no-op.
func (s *Subscription) Leave(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(JoinJoined), int32(JoinClosed)) {
		return nil
	}
	defer s.end(nil)

	_, err := s.relay.request(ctx, protocol.Frame{
		JoinRef: s.joinRef,
		Topic:   s.topic,
		Event:   protocol.EventLeave,
	})
	return err
}

func (s *Subscription) active() bool {
	st := s.State()
	return st == JoinJoining || st == JoinJoined
}

// resolve applies the join reply. It reports false when the outcome was
// already decided.
func (s *Subscription) resolve(reply protocol.Frame) bool {
	if reply.OK() {
		return s.state.CompareAndSwap(int32(JoinJoining), int32(JoinJoined))
	}
	if !s.state.CompareAndSwap(int32(JoinJoining), int32(JoinErrored)) {
		return false
	}
	s.end(&JoinRejectedError{Topic: s.topic, Response: reply.Payload})
	return true
}

// fail ends a pending join with err. It reports false when the join reply
// won the race.
func (s *Subscription) fail(err error) bool {
	if !s.state.CompareAndSwap(int32(JoinJoining), int32(JoinErrored)) {
		return false
	}
	s.end(err)
	return true
}

// teardown ends the subscription because the channel or the relay went
// away. A pending join counts as failed.
func (s *Subscription) teardown(err error) {
	if s.fail(err) {
		return
	}
	if s.state.CompareAndSwap(int32(JoinJoined), int32(JoinClosed)) {
		s.end(err)
	}
}

func (s *Subscription) end(err error) {
	s.endOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.err = err
		s.closed = true
		close(s.messages)
		s.mu.Unlock()
	})
}

// deliver queues m for the consumer without blocking. It reports false
// when the inbox is full and m was dropped.
func (s *Subscription) deliver(m ChatMessage) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.messages <- m:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}
