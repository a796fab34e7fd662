package notify

import (
	"context"
	"sync"
	"time"

	"github.com/ifo/sanic"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/icco/tiebreak"
	"github.com/icco/tiebreak/metrics"
)

const (
	defaultBuffer     = 256
	subscriberBuffer  = 16
	sinkTimeout       = 5 * time.Second
	maxConcurrentSink = 4
)

// Sink receives every event, for example a webhook.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// Subscription is a live feed of events for a set of topics. Events that do
// not fit into C are dropped; subscribers resync by polling.
type Subscription struct {
	ID     string
	C      <-chan Event
	c      chan Event
	topics []string
}

// Hub fans events out to subscribers and sinks. Publish never blocks.
type Hub struct {
	log   *zap.SugaredLogger
	queue chan Event
	ids   *sanic.Worker
	sinks []Sink

	mu   sync.RWMutex
	subs map[string]map[string]*Subscription
}

// NewHub returns a hub whose queue holds buffer events.
func NewHub(log *zap.SugaredLogger, buffer int, sinks ...Sink) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		log:   tiebreak.NopIfNil(log),
		queue: make(chan Event, buffer),
		ids:   sanic.NewWorker10(0),
		sinks: sinks,
		subs:  map[string]map[string]*Subscription{},
	}
}

// Publish stamps ev with a sequence number and queues it. When the queue is
// full the event is dropped and logged.
func (h *Hub) Publish(ev Event) {
	if ev.ID == "" {
		ev.Seq = h.ids.NextID()
		ev.ID = h.ids.IDString(ev.Seq)
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	select {
	case h.queue <- ev:
	default:
		metrics.NotificationsDropped.WithLabelValues("queue").Inc()
		h.log.Warnw("notification queue full, dropping event", "kind", ev.Kind, "topics", ev.Topics)
	}
}

// Run delivers queued events until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.queue:
			h.deliver(ctx, ev)
		}
	}
}

func (h *Hub) deliver(ctx context.Context, ev Event) {
	h.broadcast(ev)

	if len(h.sinks) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(maxConcurrentSink)
	for _, s := range h.sinks {
		g.Go(func() error {
			if err := s.Deliver(ctx, ev); err != nil {
				metrics.NotificationsDropped.WithLabelValues("sink").Inc()
				h.log.Warnw("could not deliver event", "kind", ev.Kind, "seq", ev.Seq, zap.Error(err))
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (h *Hub) broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := map[string]bool{}
	for _, topic := range ev.Topics {
		for id, sub := range h.subs[topic] {
			if seen[id] {
				continue
			}
			seen[id] = true

			select {
			case sub.c <- ev:
			default:
				metrics.NotificationsDropped.WithLabelValues("subscriber").Inc()
				h.log.Debugw("subscriber buffer full, dropping event", "subscriber", id, "seq", ev.Seq)
			}
		}
	}
}

// Subscribe starts a feed for the given topics.
func (h *Hub) Subscribe(topics ...string) *Subscription {
	c := make(chan Event, subscriberBuffer)
	sub := &Subscription{ID: gonanoid.Must(), C: c, c: c, topics: topics}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		if h.subs[topic] == nil {
			h.subs[topic] = map[string]*Subscription{}
		}
		h.subs[topic][sub.ID] = sub
	}
	return sub
}

// Unsubscribe stops a feed and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	found := false
	for _, topic := range sub.topics {
		if _, ok := h.subs[topic][sub.ID]; ok {
			found = true
			delete(h.subs[topic], sub.ID)
		}
		if len(h.subs[topic]) == 0 {
			delete(h.subs, topic)
		}
	}
	if found {
		close(sub.c)
	}
}

// Subscribers returns how many feeds listen on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}
