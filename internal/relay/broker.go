// Package relay implements the server side of the pairing protocol: the
// websocket endpoint both devices connect to, the per-pairing topic broker
// that fans messages out across relay nodes over redis pub/sub, and the
// routing rules between the origin and target halves of a pairing.
package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/frak-id/pairing-relay/internal/model"
	redisclient "github.com/frak-id/pairing-relay/internal/redis"
)

const subscriptionBuffer = 100

// Subscription is one consumer of a topic. Messages is closed never; Done
// is closed when the subscriber is detached (unsubscribe or broker close).
type Subscription struct {
	Topic    string
	Messages chan model.Message
	Done     chan struct{}
}

type topic struct {
	subs   map[*Subscription]bool
	cancel context.CancelFunc
}

// Broker fans pairing messages out to topic subscribers. Delivery crosses
// node boundaries through redis pub/sub, so the origin and target of a
// pairing may be connected to different relay instances.
type Broker struct {
	redis  *redisclient.Client
	mu     sync.RWMutex
	topics map[string]*topic
	ctx    context.Context
	cancel context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:  redisClient,
		topics: make(map[string]*topic),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe attaches a new consumer to the topic, starting the redis
// pub/sub pump on the first subscriber.
func (b *Broker) Subscribe(name string) *Subscription {
	sub := &Subscription{
		Topic:    name,
		Messages: make(chan model.Message, subscriptionBuffer),
		Done:     make(chan struct{}),
	}

	b.mu.Lock()
	t, ok := b.topics[name]
	if !ok {
		pumpCtx, cancel := context.WithCancel(b.ctx)
		t = &topic{subs: make(map[*Subscription]bool), cancel: cancel}
		b.topics[name] = t
		go b.pump(pumpCtx, name)
	}
	t.subs[sub] = true
	count := len(t.subs)
	b.mu.Unlock()

	log.Debug().
		Str("topic", name).
		Int("subscriberCount", count).
		Msg("topic subscribed")

	return sub
}

// Unsubscribe detaches the consumer; the redis pump stops once the topic
// has no subscribers left.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sub.Topic]
	if !ok || !t.subs[sub] {
		return
	}
	delete(t.subs, sub)
	close(sub.Done)

	if len(t.subs) == 0 {
		t.cancel()
		delete(b.topics, sub.Topic)
	}

	log.Debug().
		Str("topic", sub.Topic).
		Int("subscriberCount", len(t.subs)).
		Msg("topic unsubscribed")
}

// Publish sends a message to every subscriber of the topic on every node.
func (b *Broker) Publish(ctx context.Context, name string, msg model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, name, data).Err()
}

func (b *Broker) pump(ctx context.Context, name string) {
	pubsub := b.redis.Subscribe(ctx, name)
	defer pubsub.Close()

	log.Debug().Str("topic", name).Msg("redis pubsub pump started")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return

		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg model.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				log.Error().Err(err).Str("topic", name).Msg("failed to unmarshal relayed message")
				continue
			}
			b.broadcast(name, msg)
		}
	}
}

func (b *Broker) broadcast(name string, msg model.Message) {
	b.mu.RLock()
	t := b.topics[name]
	var subs []*Subscription
	if t != nil {
		subs = make([]*Subscription, 0, len(t.subs))
		for sub := range t.subs {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.Messages <- msg:
		default:
			log.Warn().
				Str("topic", name).
				Str("type", string(msg.Type)).
				Msg("subscriber buffer full, dropping message")
		}
	}
}

// Close detaches every subscriber and stops all redis pumps.
func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range b.topics {
		for sub := range t.subs {
			close(sub.Done)
		}
	}
	b.topics = make(map[string]*topic)
}

// SubscriberCount reports the local subscriber count for one topic.
func (b *Broker) SubscriberCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.topics[name]; ok {
		return len(t.subs)
	}
	return 0
}
