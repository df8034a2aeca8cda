// Package events implements the in-process publish/subscribe bus that
// carries CAPTCHA and HITL lifecycle notifications.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venator/internal/interfaces"
)

// subscriberBuffer bounds each subscriber's unread backlog. A subscriber
// that falls this far behind starts losing its oldest events rather than
// blocking publishers.
const subscriberBuffer = 256

// Service implements EventService as a named-channel pub/sub bus. Each
// subscriber gets its own buffered channel; a per-bus-channel mutex keeps
// delivery in publication order.
type Service struct {
	mu       sync.RWMutex
	channels map[string][]*subscription
	pubLocks map[string]*sync.Mutex
	closed   bool
	logger   arbor.ILogger
}

// NewService creates a new event service
func NewService(logger arbor.ILogger) interfaces.EventService {
	return &Service{
		channels: make(map[string][]*subscription),
		pubLocks: make(map[string]*sync.Mutex),
		logger:   logger,
	}
}

type subscription struct {
	service *Service
	channel string
	events  chan interfaces.Event
	filter  func(interfaces.Event) bool
	once    sync.Once
}

func (s *subscription) Events() <-chan interfaces.Event {
	return s.events
}

// Close unregisters the subscription and closes its channel. It takes the
// channel's publish lock first so a publisher mid-delivery can never send
// on the closed channel. The lock is acquired outside the once so a
// concurrent Close on the same subscription cannot deadlock against a
// holder of the publish lock.
func (s *subscription) Close() {
	pubLock := s.service.publishLock(s.channel)
	pubLock.Lock()
	defer pubLock.Unlock()
	s.once.Do(func() {
		s.service.remove(s)
		close(s.events)
	})
}

// Publish sends an event on a channel. Delivery is in publication order
// per subscriber; a full subscriber buffer drops its oldest event so
// publishers never block.
func (s *Service) Publish(ctx context.Context, channel string, event interfaces.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Held across the whole delivery loop so two concurrent publishers
	// cannot interleave their sends differently across subscribers.
	pubLock := s.publishLock(channel)
	pubLock.Lock()
	defer pubLock.Unlock()

	s.mu.RLock()
	subs := make([]*subscription, len(s.channels[channel]))
	copy(subs, s.channels[channel])
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return nil
	}

	s.logger.Debug().
		Str("channel", channel).
		Str("event_type", string(event.Type)).
		Int("subscriber_count", len(subs)).
		Msg("Publishing event")

	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			// Shed the oldest event to keep publishers non-blocking
			select {
			case <-sub.events:
			default:
			}
			select {
			case sub.events <- event:
			default:
			}
			s.logger.Warn().
				Str("channel", channel).
				Str("event_type", string(event.Type)).
				Msg("Slow event subscriber, dropped oldest event")
		}
	}

	return nil
}

// publishLock returns the per-channel publish mutex, creating it on first
// use.
func (s *Service) publishLock(channel string) *sync.Mutex {
	s.mu.RLock()
	lock := s.pubLocks[channel]
	s.mu.RUnlock()
	if lock != nil {
		return lock
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if lock = s.pubLocks[channel]; lock == nil {
		lock = &sync.Mutex{}
		s.pubLocks[channel] = lock
	}
	return lock
}

// Subscribe returns a stream of all events on a channel.
func (s *Service) Subscribe(channel string) interfaces.Subscription {
	return s.subscribe(channel, nil)
}

// SubscribeFiltered returns a stream restricted to one domain and,
// when types are given, to those event types.
func (s *Service) SubscribeFiltered(channel, domain string, types ...interfaces.EventType) interfaces.Subscription {
	typeSet := make(map[interfaces.EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	return s.subscribe(channel, func(event interfaces.Event) bool {
		if domain != "" && event.Domain() != domain {
			return false
		}
		if len(typeSet) > 0 && !typeSet[event.Type] {
			return false
		}
		return true
	})
}

func (s *Service) subscribe(channel string, filter func(interfaces.Event) bool) interfaces.Subscription {
	sub := &subscription{
		service: s,
		channel: channel,
		events:  make(chan interfaces.Event, subscriberBuffer),
		filter:  filter,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		close(sub.events)
		sub.once.Do(func() {})
		return sub
	}
	s.channels[channel] = append(s.channels[channel], sub)
	return sub
}

func (s *Service) remove(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.channels[sub.channel]
	for i, candidate := range subs {
		if candidate == sub {
			s.channels[sub.channel] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// WaitFor blocks until an event on the channel satisfies the predicate,
// the timeout elapses, or the context is done. Returns nil on timeout.
func (s *Service) WaitFor(ctx context.Context, channel string, predicate func(interfaces.Event) bool, timeout time.Duration) (*interfaces.Event, error) {
	sub := s.Subscribe(channel)
	defer sub.Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return nil, nil
			}
			if predicate(event) {
				return &event, nil
			}
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close shuts down the bus and closes all subscriptions.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	channels := s.channels
	s.channels = make(map[string][]*subscription)
	s.mu.Unlock()

	// Same discipline as subscription.Close: close each channel's
	// subscribers under its publish lock so in-flight deliveries finish
	// first.
	for name, subs := range channels {
		pubLock := s.publishLock(name)
		pubLock.Lock()
		for _, sub := range subs {
			sub.once.Do(func() {
				close(sub.events)
			})
		}
		pubLock.Unlock()
	}

	s.logger.Info().Msg("Event service closed")
	return nil
}
