// Package eventbus is the in-process publish/subscribe spine. Every
// subsystem communicates through it; the only direct references between
// components are construction-time wiring.
//
// Dispatch policy: Emit journals the event first, then calls matching
// handlers synchronously, one at a time, within the Emit call. A handler
// that returns an error or panics is logged and isolated; it never affects
// other handlers or the emitter. A slow handler therefore delays only the
// Emit call that reached it.
package eventbus

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/aioslab/aios/internal/event"
)

// Handler receives matched events. Handlers must not mutate the event.
type Handler func(e *event.Event) error

// Subscription is an opaque handle used to unsubscribe.
type Subscription struct {
	id      int
	pattern string
}

// Pattern returns the pattern the subscription was registered with.
func (s *Subscription) Pattern() string { return s.pattern }

type subscriber struct {
	id      int
	pattern string
	fn      Handler
	dead    bool
}

// trieNode indexes subscriptions by dotted pattern segment. Single-segment
// wildcards live in the star child; "**" tails collect in rest so a lookup
// touches O(depth) nodes regardless of subscriber count.
type trieNode struct {
	children map[string]*trieNode
	star     *trieNode
	exact    []*subscriber // patterns terminating at this node
	rest     []*subscriber // patterns ending in "**" at this node
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

// Bus fans events out to pattern subscribers and journals every emit.
type Bus struct {
	mu     sync.RWMutex
	root   *trieNode
	all    []*subscriber // top-level "*" / "**" subscribers
	byID   map[int]*subscriber
	nextID int

	journal *Journal // optional; nil means in-memory only
}

// New creates a bus. A nil journal disables persistence (tests, dry runs).
func New(j *Journal) *Bus {
	return &Bus{root: newTrieNode(), byID: make(map[int]*subscriber), journal: j}
}

// Subscribe registers a handler for a dotted pattern. See event.MatchPattern
// for the pattern grammar. Handlers of equal specificity run in unspecified
// order.
func (b *Bus) Subscribe(pattern string, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{id: b.nextID, pattern: pattern, fn: fn}
	b.byID[sub.id] = sub

	if pattern == "*" || pattern == "**" {
		b.all = append(b.all, sub)
		return &Subscription{id: sub.id, pattern: pattern}
	}

	node := b.root
	segs := strings.Split(pattern, ".")
	for i, seg := range segs {
		if seg == "**" {
			// Only meaningful as the final segment.
			node.rest = append(node.rest, sub)
			return &Subscription{id: sub.id, pattern: pattern}
		}
		var next *trieNode
		if seg == "*" {
			if node.star == nil {
				node.star = newTrieNode()
			}
			next = node.star
		} else {
			next = node.children[seg]
			if next == nil {
				next = newTrieNode()
				node.children[seg] = next
			}
		}
		node = next
		if i == len(segs)-1 {
			node.exact = append(node.exact, sub)
		}
	}
	return &Subscription{id: sub.id, pattern: pattern}
}

// Unsubscribe removes a subscription in O(1). In-flight dispatches to the
// handler complete; the handler is not called for later emits.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[s.id]
	if !ok {
		return
	}
	delete(b.byID, s.id)
	sub.dead = true // tombstone; skipped during match collection
}

// Emit journals the event, then dispatches it to every matching subscriber.
// A journal write failure fails the emit; handler failures do not.
func (b *Bus) Emit(e *event.Event) error {
	if e == nil {
		return fmt.Errorf("eventbus: nil event")
	}
	if b.journal != nil {
		if err := b.journal.Append(e); err != nil {
			return fmt.Errorf("eventbus: journal append: %w", err)
		}
	}

	b.mu.RLock()
	matched := b.match(e.Type)
	b.mu.RUnlock()

	for _, sub := range matched {
		b.dispatch(sub, e)
	}
	return nil
}

// dispatch runs one handler, isolating errors and panics.
func (b *Bus) dispatch(sub *subscriber, e *event.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[eventbus] handler %q panic on %s: %v", sub.pattern, e.Type, r)
		}
	}()
	if err := sub.fn(e); err != nil {
		log.Printf("[eventbus] handler %q error on %s: %v", sub.pattern, e.Type, err)
	}
}

// match collects live subscribers for an event type. Caller holds the read
// lock; returned handlers are invoked after it is released.
func (b *Bus) match(typ string) []*subscriber {
	var out []*subscriber
	appendLive := func(subs []*subscriber) {
		for _, s := range subs {
			if !s.dead {
				out = append(out, s)
			}
		}
	}
	appendLive(b.all)
	collect(b.root, strings.Split(typ, "."), appendLive)
	return out
}

func collect(n *trieNode, segs []string, emit func([]*subscriber)) {
	if n == nil {
		return
	}
	emit(n.rest)
	if len(segs) == 0 {
		emit(n.exact)
		return
	}
	collect(n.children[segs[0]], segs[1:], emit)
	collect(n.star, segs[1:], emit)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

// Journal exposes the backing journal (nil when persistence is disabled).
func (b *Bus) Journal() *Journal { return b.journal }
