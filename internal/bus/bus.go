// Package bus implements the event plane shared by the Unified API and the
// Workflow Runtime (spec.md sections 4.8/5): a lossy drop-oldest fan-out
// for observers (the floating UI, log tails) and a lossless bounded buffer
// for the runtime's own subscriptions, where overflow is an error rather
// than silent loss.
package bus

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"webauto/internal/apierr"
	"webauto/internal/logging"
)

// Frame is one wire event: text JSON {type, data, ts} per spec.md section 6.
type Frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
	TS   int64          `json:"ts"`
}

// replaySize is how many recent frames the bus keeps for late-joining
// observers. Attach replays them to every observer (/bus, /ws and the
// Browser Service's session-event socket alike), and an observer's channel
// keeps only the newest observerBuffer of them until the observer reads.
const replaySize = 256

// observerBuffer bounds each observer channel; a slow observer loses its
// oldest frames, never blocks publishers.
const observerBuffer = 64

// subscriptionBuffer bounds each workflow subscription. Overflow surfaces
// as SUBSCRIPTION_OVERFLOW to the subscriber instead of dropping.
const subscriptionBuffer = 128

// Observer is a lossy consumer attached to /bus or /ws.
type Observer struct {
	id string
	c  chan Frame

	mu     sync.Mutex
	closed bool
}

// C is the observer's frame stream.
func (o *Observer) C() <-chan Frame { return o.c }

// Subscription is the workflow runtime's lossless consumer for one topic
// pattern, carrying the cooldown state the runtime's trigger dedup needs
// (spec.md section 9, "Event-bus callbacks").
type Subscription struct {
	ID         string
	Topic      string
	CooldownMs int64

	mu          sync.Mutex
	lastFiredAt time.Time
	overflowed  bool
	c           chan Frame
	closed      bool
}

// C is the subscription's frame stream.
func (s *Subscription) C() <-chan Frame { return s.c }

// Err returns SUBSCRIPTION_OVERFLOW once the bounded buffer has been
// exceeded, nil otherwise. The channel is closed at overflow time, so a
// consumer that drains C() to completion must check Err before treating the
// close as a clean shutdown.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overflowed {
		return apierr.SubscriptionOverflow(s.Topic)
	}
	return nil
}

// LastFiredAt reports when this subscription last accepted a frame.
func (s *Subscription) LastFiredAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFiredAt
}

// Bus fans out published frames to observers and subscriptions.
type Bus struct {
	mu            sync.Mutex
	observers     map[string]*Observer
	subscriptions map[string]*Subscription
	replay        []Frame
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		observers:     make(map[string]*Observer),
		subscriptions: make(map[string]*Subscription),
	}
}

// Publish emits one frame. Never blocks: observers drop-oldest, workflow
// subscriptions close with an overflow error when their buffer fills.
func (b *Bus) Publish(topic string, payload map[string]any) {
	frame := Frame{Type: topic, Data: payload, TS: time.Now().UnixMilli()}

	b.mu.Lock()
	b.replay = append(b.replay, frame)
	if len(b.replay) > replaySize {
		b.replay = b.replay[len(b.replay)-replaySize:]
	}
	observers := make([]*Observer, 0, len(b.observers))
	for _, o := range b.observers {
		observers = append(observers, o)
	}
	subs := make([]*Subscription, 0, len(b.subscriptions))
	for _, s := range b.subscriptions {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, o := range observers {
		o.offer(frame)
	}
	for _, s := range subs {
		if !topicMatches(s.Topic, topic) {
			continue
		}
		if dropped := s.offer(frame); dropped {
			logging.Get(logging.CategoryBus).Warn("subscription %s overflowed on topic %s", s.ID, s.Topic)
			b.Unsubscribe(s.ID)
		}
	}
}

// Attach registers a lossy observer and replays the buffered recent frames
// into it.
func (b *Bus) Attach() *Observer {
	o := &Observer{
		id: uuid.NewString(),
		c:  make(chan Frame, observerBuffer),
	}

	b.mu.Lock()
	b.observers[o.id] = o
	replay := make([]Frame, len(b.replay))
	copy(replay, b.replay)
	b.mu.Unlock()

	for _, f := range replay {
		o.offer(f)
	}
	return o
}

// Detach removes an observer and closes its stream.
func (b *Bus) Detach(o *Observer) {
	b.mu.Lock()
	delete(b.observers, o.id)
	b.mu.Unlock()
	o.close()
}

// Subscribe registers a lossless workflow subscription for a topic pattern.
// Patterns are exact topics or a "prefix:*" wildcard ("session:*").
func (b *Bus) Subscribe(topic string, cooldownMs int64) *Subscription {
	s := &Subscription{
		ID:         uuid.NewString(),
		Topic:      topic,
		CooldownMs: cooldownMs,
		c:          make(chan Frame, subscriptionBuffer),
	}
	b.mu.Lock()
	b.subscriptions[s.ID] = s
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscription by id and closes its stream. Idempotent.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	s, ok := b.subscriptions[id]
	if ok {
		delete(b.subscriptions, id)
	}
	b.mu.Unlock()
	if ok {
		s.close()
	}
}

// Replay returns a copy of the buffered recent frames, most recent last.
func (b *Bus) Replay() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Frame, len(b.replay))
	copy(out, b.replay)
	return out
}

func (o *Observer) offer(f Frame) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	for {
		select {
		case o.c <- f:
			return
		default:
			// full: drop the oldest frame and retry
			select {
			case <-o.c:
			default:
			}
		}
	}
}

func (o *Observer) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.c)
	}
}

// offer delivers a frame, honoring the cooldown window. Returns true when
// the bounded buffer overflowed and the subscription must be torn down.
func (s *Subscription) offer(f Frame) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.CooldownMs > 0 && !s.lastFiredAt.IsZero() {
		if time.Since(s.lastFiredAt) < time.Duration(s.CooldownMs)*time.Millisecond {
			return false
		}
	}
	select {
	case s.c <- f:
		s.lastFiredAt = time.Now()
		return false
	default:
		s.overflowed = true
		return true
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.c)
	}
}

// topicMatches resolves a subscription pattern against a published topic.
func topicMatches(pattern, topic string) bool {
	if pattern == topic || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	}
	return false
}
