// Package bus is a synchronous in-process publish/subscribe hub keyed by
// (topic, action). It decouples the transport from the DOM executor, the
// script host and the router.
package bus

import (
	"runtime/debug"
	"sync"

	"github.com/golang/glog"
)

// Wildcard matches any topic or action in a subscription
const Wildcard = "*"

// Handler receives published payloads
type Handler func(topic, action string, payload any)

// ID identifies one subscription
type ID uint64

type key struct {
	topic  string
	action string
}

type subscription struct {
	id     ID
	key    key
	fn     Handler
	upsert bool
}

// Stats counts bus activity
type Stats struct {
	Published     int
	Delivered     int
	Panics        int
	Subscriptions int
}

// Bus is the pub/sub hub. Publish runs subscribers on the caller's
// goroutine; the mutex only guards the subscription table.
type Bus struct {
	mu     sync.Mutex
	nextID ID
	subs   map[key][]*subscription
	byID   map[ID]*subscription
	stats  Stats
}

// New creates an empty bus
func New() *Bus {
	return &Bus{
		subs: make(map[key][]*subscription),
		byID: make(map[ID]*subscription),
	}
}

// Subscribe registers fn for (topic, action). Either may be Wildcard.
// Subscribing the same function twice yields two ids, and each must be
// unsubscribed.
func (b *Bus) Subscribe(topic, action string, fn Handler) ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.add(key{topic, action}, fn, false)
}

// Upsert replaces the handler registered through Upsert under (topic,
// action), so at most one such handler is active per key. Plain
// subscriptions under the same key are left alone.
func (b *Bus) Upsert(topic, action string, fn Handler) ID {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := key{topic, action}
	for _, s := range b.subs[k] {
		if s.upsert {
			s.fn = fn
			return s.id
		}
	}
	return b.add(k, fn, true)
}

func (b *Bus) add(k key, fn Handler, upsert bool) ID {
	b.nextID++
	s := &subscription{id: b.nextID, key: k, fn: fn, upsert: upsert}
	b.subs[k] = append(b.subs[k], s)
	b.byID[s.id] = s
	return s.id
}

// Unsubscribe removes one subscription. It reports whether id was active.
func (b *Bus) Unsubscribe(id ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)
	list := b.subs[s.key]
	for i, cur := range list {
		if cur == s {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.subs, s.key)
	} else {
		b.subs[s.key] = list
	}
	return true
}

// Publish delivers payload to exact subscribers of (topic, action) and then
// to wildcard subscribers. A panicking subscriber is logged and skipped.
// Subscriptions changed during delivery take effect on the next Publish.
func (b *Bus) Publish(topic, action string, payload any) int {
	b.mu.Lock()
	var targets []*subscription
	seen := make(map[key]bool, 4)
	for _, k := range []key{
		{topic, action},
		{topic, Wildcard},
		{Wildcard, action},
		{Wildcard, Wildcard},
	} {
		if seen[k] {
			continue
		}
		seen[k] = true
		targets = append(targets, b.subs[k]...)
	}
	b.stats.Published++
	b.mu.Unlock()

	delivered := 0
	for _, s := range targets {
		if b.deliver(s, topic, action, payload) {
			delivered++
		}
	}

	b.mu.Lock()
	b.stats.Delivered += delivered
	b.mu.Unlock()

	if delivered == 0 && glog.V(2) {
		glog.Infof("[Bus] no subscriber for %s/%s", topic, action)
	}
	return delivered
}

func (b *Bus) deliver(s *subscription, topic, action string, payload any) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.stats.Panics++
			b.mu.Unlock()
			glog.Errorf("[Bus] subscriber %d for %s/%s panicked: %v\n%s", s.id, topic, action, r, debug.Stack())
			ok = false
		}
	}()
	b.mu.Lock()
	fn := s.fn
	b.mu.Unlock()
	fn(topic, action, payload)
	return true
}

// Count returns the number of subscriptions under exactly (topic, action)
func (b *Bus) Count(topic, action string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key{topic, action}])
}

// Stats returns activity counters
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Subscriptions = len(b.byID)
	return s
}
