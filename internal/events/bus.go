// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/maestrohq/maestro/internal/logger"
)

const subscriberBuffer = 64

// Bus fans events out to in-process subscribers. Publishing never blocks:
// a subscriber that has fallen subscriberBuffer events behind misses the
// event rather than stalling the engine.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	closed bool
	log    zerolog.Logger
}

// NewBus returns an empty bus ready for subscribers.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
		log:  logger.Get("events"),
	}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called when the subscriber goes away; afterwards the channel is closed.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber that still has buffer room.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber too slow, skip. Dropping beats blocking a run.
			b.log.Debug().Int("subscriber", id).Msg("dropping event for slow subscriber")
		}
	}
}

// Close shuts the bus down. Subsequent publishes are no-ops and all
// subscriber channels are closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
