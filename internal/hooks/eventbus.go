// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hooks

import (
	"context"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Subscription is a handle for a registered subscriber.
type Subscription struct {
	ID          string
	Event       HookEvent
	Callback    func(*EventContext)
	Filter      func(*EventContext) bool
	Unsubscribe func()
}

// EventBus manages event distribution to subscribers. A nil *EventBus drops
// every event, so components can hold one unconditionally.
type EventBus struct {
	subscribers  map[HookEvent][]*Subscription
	mu           sync.RWMutex
	eventQueue   chan *EventContext
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewEventBus creates a new event bus with an asynchronous dispatcher.
func NewEventBus() *EventBus {
	ctx, cancel := context.WithCancel(context.Background())
	bus := &EventBus{
		subscribers: make(map[HookEvent][]*Subscription),
		eventQueue:  make(chan *EventContext, 1000),
		ctx:         ctx,
		cancel:      cancel,
	}

	bus.wg.Add(1)
	go bus.processQueue()

	return bus
}

// Subscribe registers a callback for a specific event type.
func (b *EventBus) Subscribe(event HookEvent, callback func(*EventContext)) *Subscription {
	return b.SubscribeWithFilter(event, callback, nil)
}

// SubscribeWithFilter registers a callback with an optional filter function.
func (b *EventBus) SubscribeWithFilter(event HookEvent, callback func(*EventContext), filter func(*EventContext) bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:       uuid.NewString(),
		Event:    event,
		Callback: callback,
		Filter:   filter,
	}
	sub.Unsubscribe = func() {
		b.unsubscribe(sub)
	}

	b.subscribers[event] = append(b.subscribers[event], sub)
	return sub
}

func (b *EventBus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.Event]
	for i, s := range subs {
		if s.ID == sub.ID {
			b.subscribers[sub.Event] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

// Publish distributes an event to all subscribers synchronously.
func (b *EventBus) Publish(ctx *EventContext) {
	if b == nil || ctx == nil {
		return
	}
	b.mu.RLock()
	subs := b.subscribers[ctx.Event]
	activeSubs := make([]*Subscription, len(subs))
	copy(activeSubs, subs)
	b.mu.RUnlock()

	for _, sub := range activeSubs {
		if sub.Filter == nil || sub.Filter(ctx) {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Errorf("Panic in event subscriber for %s: %v", ctx.Event, r)
					}
				}()
				sub.Callback(ctx)
			}()
		}
	}
}

// PublishAsync queues an event for the dispatcher goroutine. Events are
// dropped when the bus is shut down or the queue is full.
func (b *EventBus) PublishAsync(ctx *EventContext) {
	if b == nil || ctx == nil {
		return
	}
	select {
	case <-b.ctx.Done():
		return
	default:
	}

	select {
	case <-b.ctx.Done():
	case b.eventQueue <- ctx:
	default:
		log.Warnf("Event queue full, dropping event: %s", ctx.Event)
	}
}

func (b *EventBus) processQueue() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.eventQueue:
			b.Publish(event)
		}
	}
}

// Shutdown stops the dispatcher. Queued events not yet delivered are dropped.
func (b *EventBus) Shutdown() {
	if b == nil {
		return
	}
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
	})
}
