// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package bus implements the single-threaded cooperative event scheduler
// that every hostmon subsystem runs on. One Bus owns a 1Hz "tick", a
// 10Hz "deci" tick, an end-of-second "tock", and two one-shot lifecycle
// events ("config_first", "final"), plus arbitrary typed application
// events that subsystems post to each other synchronously.
package bus

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

// Event names the well-known lifecycle and phase events. Application
// events are free-form strings; subsystems agree on names out of band.
type Event string

const (
	// EventConfigFirst fires exactly once, before the first Tick.
	EventConfigFirst Event = "config_first"
	// EventTick fires once per tick interval (1s by default), counted in
	// Deci periods from when Run starts; it is not aligned to
	// wall-clock second boundaries.
	EventTick Event = "tick"
	// EventDeci fires ten times per second, between Ticks.
	EventDeci Event = "deci"
	// EventTock fires once per second, after every Tick handler for
	// that second has returned.
	EventTock Event = "tock"
	// EventFinal fires exactly once, at shutdown.
	EventFinal Event = "final"

	// EventHostCounterSample carries a *sflow.CounterSample being built
	// for the agent's own dsIndex; subscribers may append elements to it
	// before the poster hands it to the emitter.
	EventHostCounterSample Event = "host_counter_sample"
)

// Handler receives an event payload. Handlers must not block; any
// operation that might block should be split across Deci ticks instead.
type Handler func(payload any)

// Bus is a single-threaded cooperative scheduler. All methods are meant
// to be called from the goroutine running Run, except Subscribe and
// Post, which may also be called during subscription setup before Run
// starts.
type Bus struct {
	logger logr.Logger

	handlers map[Event][]Handler

	tickInterval time.Duration
	deciInterval time.Duration
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithTickInterval overrides the default 1s tick period. Intended for
// tests that want to drive many ticks quickly.
func WithTickInterval(d time.Duration) Option {
	return func(b *Bus) { b.tickInterval = d }
}

// WithDeciInterval overrides the default 100ms deci period.
func WithDeciInterval(d time.Duration) Option {
	return func(b *Bus) { b.deciInterval = d }
}

// New creates a Bus. logger is required, matching the rest of hostmon's
// constructors that refuse to run silently.
func New(logger logr.Logger, opts ...Option) *Bus {
	b := &Bus{
		logger:       logger.WithName("bus"),
		handlers:     make(map[Event][]Handler),
		tickInterval: time.Second,
		deciInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for event. Handlers for a given event run
// synchronously in registration order.
func (b *Bus) Subscribe(event Event, handler Handler) {
	b.handlers[event] = append(b.handlers[event], handler)
}

// Post delivers payload synchronously to every handler subscribed to
// event, in registration order.
func (b *Bus) Post(event Event, payload any) {
	for _, h := range b.handlers[event] {
		h(payload)
	}
}

// Run drives the scheduler until ctx is cancelled. It posts
// EventConfigFirst once, then alternates EventDeci and EventTick/EventTock
// on their respective periods until ctx.Done(), at which point it posts
// EventFinal and returns.
//
// Run is not reentrant; only one goroutine may call it for a given Bus.
func (b *Bus) Run(ctx context.Context) error {
	b.Post(EventConfigFirst, nil)

	deciTicker := time.NewTicker(b.deciInterval)
	defer deciTicker.Stop()

	ticksPerTock := int(b.tickInterval / b.deciInterval)
	if ticksPerTock < 1 {
		ticksPerTock = 1
	}

	count := 0
	for {
		select {
		case <-ctx.Done():
			b.Post(EventFinal, nil)
			return ctx.Err()
		case now := <-deciTicker.C:
			count++
			b.Post(EventDeci, now)
			if count >= ticksPerTock {
				count = 0
				b.Post(EventTick, now)
				b.Post(EventTock, now)
			}
		}
	}
}
