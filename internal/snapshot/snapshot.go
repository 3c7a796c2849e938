package snapshot

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"

	"cubeos-gsm/internal/modem"
)

// Sink receives module summaries whenever a module changes.
type Sink interface {
	Publish(ctx context.Context, s modem.Summary) error
}

// KeyPrefix namespaces module snapshots in Redis.
const KeyPrefix = "gsm:module:"

// RedisSink stores the latest summary of each module under
// gsm:module:<id> and announces it on a pub/sub channel.
type RedisSink struct {
	rdb     *redis.Client
	ttl     time.Duration
	channel string
}

// NewRedisSink creates a sink. A zero ttl keeps snapshots forever.
func NewRedisSink(rdb *redis.Client, ttl time.Duration, channel string) *RedisSink {
	if channel == "" {
		channel = "gsm:modules"
	}
	return &RedisSink{rdb: rdb, ttl: ttl, channel: channel}
}

// Dial connects to Redis and checks the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.WithDetails(errors.Wrap(err, "connect to redis"), "addr", addr)
	}
	return rdb, nil
}

func (r *RedisSink) Publish(ctx context.Context, s modem.Summary) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encode module snapshot")
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, KeyPrefix+s.ID, payload, r.ttl)
	pipe.Publish(ctx, r.channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WithDetails(errors.Wrap(err, "publish module snapshot"), "module", s.ID)
	}
	return nil
}

// LogSink writes each summary as a debug log line.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, s modem.Summary) error {
	log.WithFields(log.Fields{
		"subsystem": "snapshot",
		"module":    s.ID,
		"port":      s.Port,
		"state":     s.State,
		"signal":    s.Signal,
		"errors":    s.ErrorCount,
	}).Debug("snapshot: module changed")
	return nil
}

// Publisher decouples registry hooks from sink latency. Pending summaries
// are coalesced per module, keeping the highest revision, and published
// from one goroutine. A module's latest summary is never dropped and an
// older revision is never published after a newer one.
type Publisher struct {
	sinks   []Sink
	timeout time.Duration
	log     *log.Entry

	mu        sync.Mutex
	pending   map[string]modem.Summary
	order     []string
	published map[string]uint64
	wake      chan struct{}
}

// NewPublisher creates a publisher fanning out to sinks.
func NewPublisher(sinks ...Sink) *Publisher {
	return &Publisher{
		sinks:     sinks,
		timeout:   2 * time.Second,
		log:       log.WithField("subsystem", "snapshot"),
		pending:   make(map[string]modem.Summary),
		published: make(map[string]uint64),
		wake:      make(chan struct{}, 1),
	}
}

// Enqueue never blocks.
func (p *Publisher) Enqueue(s modem.Summary) {
	p.mu.Lock()
	if s.Revision < p.published[s.ID] {
		p.mu.Unlock()
		return
	}
	if cur, ok := p.pending[s.ID]; ok {
		if s.Revision >= cur.Revision {
			p.pending[s.ID] = s
		}
	} else {
		p.pending[s.ID] = s
		p.order = append(p.order, s.ID)
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// take removes and returns the pending summaries in first-queued order.
func (p *Publisher) take() []modem.Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]modem.Summary, 0, len(p.order))
	for _, id := range p.order {
		s := p.pending[id]
		out = append(out, s)
		p.published[id] = s.Revision
	}
	p.pending = make(map[string]modem.Summary)
	p.order = nil
	return out
}

// Run publishes queued summaries until ctx ends.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
			for _, s := range p.take() {
				for _, sink := range p.sinks {
					pctx, cancel := context.WithTimeout(ctx, p.timeout)
					if err := sink.Publish(pctx, s); err != nil {
						p.log.WithError(err).WithField("module", s.ID).Warn("snapshot: publish failed")
					}
					cancel()
				}
			}
		}
	}
}
