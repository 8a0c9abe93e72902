// Package events fans task changes out to Redis: every change is published
// on a channel and terminal tasks are mirrored under a key with a TTL. The
// mirror is write-only; tasks are never reloaded from it.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/tableforge/internal/models"
	"github.com/feichai0017/tableforge/internal/store"
	"github.com/feichai0017/tableforge/pkg/logger"
)

const (
	TypeCreated = "task.created"
	TypeUpdated = "task.updated"
	TypeRemoved = "task.removed"

	keyPrefix = "tableforge:task:"
)

// Event is one published task change.
type Event struct {
	Type string      `json:"type"`
	Task models.Task `json:"task"`
	At   time.Time   `json:"at"`
}

// Sink receives encoded events.
type Sink interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Mirror(ctx context.Context, key string, payload []byte, ttl time.Duration) error
}

type redisSink struct {
	client *redis.Client
}

// NewRedisSink publishes through a go-redis client.
func NewRedisSink(client *redis.Client) Sink {
	return &redisSink{client: client}
}

func (s *redisSink) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

func (s *redisSink) Mirror(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, payload, ttl).Err()
}

type Publisher struct {
	store   *store.Store
	sink    Sink
	channel string
	ttl     time.Duration
	logger  logger.Logger
	now     func() time.Time

	seen map[string]uint64
}

func NewPublisher(s *store.Store, sink Sink, channel string, ttl time.Duration, log logger.Logger) *Publisher {
	return &Publisher{
		store:   s,
		sink:    sink,
		channel: channel,
		ttl:     ttl,
		logger:  log.Named("events"),
		now:     time.Now,
		seen:    make(map[string]uint64),
	}
}

// Run publishes changes until ctx is done. Publish failures are logged and
// do not stop the loop.
func (p *Publisher) Run(ctx context.Context) error {
	changes, unsubscribe := p.store.Subscribe()
	defer unsubscribe()

	p.logger.Info("Event publisher started", logger.String("channel", p.channel))
	for {
		p.flush(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
		}
	}
}

func (p *Publisher) flush(ctx context.Context) {
	for _, ev := range p.diff(p.store.Snapshot()) {
		payload, err := json.Marshal(ev)
		if err != nil {
			p.logger.Error("Failed to encode event", logger.Error(err))
			continue
		}
		if err := p.sink.Publish(ctx, p.channel, payload); err != nil {
			p.logger.Warn("Failed to publish event",
				logger.String("type", ev.Type),
				logger.String("localId", ev.Task.ID),
				logger.Error(err))
		}
		if ev.Type != TypeRemoved && ev.Task.Status.IsTerminal() {
			if err := p.sink.Mirror(ctx, keyPrefix+ev.Task.ID, payload, p.ttl); err != nil {
				p.logger.Warn("Failed to mirror task", logger.String("localId", ev.Task.ID), logger.Error(err))
			}
		}
	}
}

// diff compares the snapshot with the versions published so far. Events
// are emitted oldest task first so consumers see creation order.
func (p *Publisher) diff(snapshot []models.Task) []Event {
	now := p.now()
	var events []Event
	present := make(map[string]struct{}, len(snapshot))

	for i := len(snapshot) - 1; i >= 0; i-- {
		task := snapshot[i]
		present[task.ID] = struct{}{}
		version, known := p.seen[task.ID]
		switch {
		case !known:
			events = append(events, Event{Type: TypeCreated, Task: task, At: now})
		case version != task.Version:
			events = append(events, Event{Type: TypeUpdated, Task: task, At: now})
		default:
			continue
		}
		p.seen[task.ID] = task.Version
	}

	for id := range p.seen {
		if _, ok := present[id]; !ok {
			delete(p.seen, id)
			events = append(events, Event{Type: TypeRemoved, Task: models.Task{ID: id}, At: now})
		}
	}
	return events
}
