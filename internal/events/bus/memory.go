package bus

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/rzapply/rzapply/internal/common/logger"
)

// ErrBusClosed is returned by Publish and Subscribe after Close
var ErrBusClosed = errors.New("event bus is closed")

// MemoryEventBus fans events out inside one process. Each handler call gets
// its own goroutine so a slow subscriber never holds up the coordinator.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	closed bool
	logger *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryEventBus
	pattern []string
	handler EventHandler

	mu     sync.Mutex
	active bool
}

// NewMemoryEventBus returns an empty in-process bus
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[*memorySubscription]struct{}),
		logger: log.WithFields(zap.String("component", "memory-bus")),
	}
}

func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	tokens := strings.Split(subject, ".")
	delivered := 0
	for sub := range b.subs {
		if !sub.IsValid() || !matchTokens(sub.pattern, tokens) {
			continue
		}
		delivered++
		go func(h EventHandler) {
			if err := h(ctx, event); err != nil {
				b.logger.Warn("event handler failed",
					zap.String("subject", subject),
					zap.String("task_id", event.TaskID),
					zap.Error(err))
			}
		}(sub.handler)
	}

	b.logger.Debug("event published",
		zap.String("subject", subject),
		zap.String("event_type", event.Type),
		zap.Int("subscribers", delivered))
	return nil
}

func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:     b,
		pattern: strings.Split(subject, "."),
		handler: handler,
		active:  true,
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Close drops every subscription; later Publish calls fail
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		sub.setActive(false)
	}
	b.subs = make(map[*memorySubscription]struct{})
}

func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) Unsubscribe() error {
	s.setActive(false)
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySubscription) setActive(v bool) {
	s.mu.Lock()
	s.active = v
	s.mu.Unlock()
}

// matchTokens applies NATS subject rules: "*" matches exactly one token and
// a trailing ">" matches one or more.
func matchTokens(pattern, subject []string) bool {
	for i, p := range pattern {
		if p == ">" {
			return i == len(pattern)-1 && len(subject) > i
		}
		if i >= len(subject) {
			return false
		}
		if p != "*" && p != subject[i] {
			return false
		}
	}
	return len(pattern) == len(subject)
}
