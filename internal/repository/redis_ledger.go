package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/streamgate/paygate/internal/backend"
	"github.com/streamgate/paygate/internal/model"
	"github.com/streamgate/paygate/internal/pkg/logger"
	"github.com/streamgate/paygate/internal/pkg/metrics"
)

const (
	rangePage     = 1000
	defaultBlock  = 5 * time.Second
	streamMaxLen  = 1_000_000
	tagMaxLen     = 10_000
	outboxMaxLen  = 100_000
	startOfStream = "0-0"
	subBuffer     = 256

	followBaseDelay = 500 * time.Millisecond
	followMaxDelay  = 30 * time.Second
)

// ErrSlowSubscriber ends a live feed whose reader fell a full buffer behind.
// The tracker re-reads history when it re-attaches, so nothing is lost.
var ErrSlowSubscriber = errors.New("payment feed subscriber too slow")

// RedisLedger is a payment feed kept in Redis streams. Chain watchers and
// Lightning bridges publish settled payments to <prefix>:<name>, with a copy
// on <prefix>:<name>:tag:<tag> so history reads touch one pair only. A single
// blocking XREAD per ledger follows the main stream and fans entries out to
// subscribers by tag. Outgoing transfers are queued on <prefix>:<name>:outbox
// for the signer.
type RedisLedger struct {
	client *redis.Client
	stream string
	outbox string
	block  time.Duration
	now    func() time.Time
	log    *slog.Logger

	mu       sync.Mutex
	subs     map[string]map[*redisSub]struct{}
	stopLoop context.CancelFunc
	closed   bool
}

func NewRedisLedger(client *RedisClient, prefix, name string, block time.Duration) *RedisLedger {
	if block <= 0 {
		block = defaultBlock
	}
	stream := streamKey(prefix, name)
	return &RedisLedger{
		client: client.Client,
		stream: stream,
		outbox: stream + ":outbox",
		block:  block,
		now:    time.Now,
		log:    logger.Component("redis_ledger", "stream", stream),
		subs:   make(map[string]map[*redisSub]struct{}),
	}
}

func streamKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + ":" + name
}

func (l *RedisLedger) tagKey(tag string) string {
	return l.stream + ":tag:" + tag
}

func encodeEvent(ev model.PaymentEvent) map[string]interface{} {
	return map[string]interface{}{
		"id":          ev.ID,
		"tag":         ev.Tag,
		"amount":      strconv.FormatFloat(ev.Amount, 'f', -1, 64),
		"observed_at": strconv.FormatInt(ev.ObservedAt, 10),
	}
}

func decodeEvent(msg redis.XMessage) (model.PaymentEvent, error) {
	field := func(name string) string {
		s, _ := msg.Values[name].(string)
		return s
	}
	amount, err := strconv.ParseFloat(field("amount"), 64)
	if err != nil {
		return model.PaymentEvent{}, fmt.Errorf("stream entry %s: amount: %w", msg.ID, err)
	}
	observed, err := strconv.ParseInt(field("observed_at"), 10, 64)
	if err != nil {
		return model.PaymentEvent{}, fmt.Errorf("stream entry %s: observed_at: %w", msg.ID, err)
	}
	id := field("id")
	if id == "" {
		id = msg.ID
	}
	return model.PaymentEvent{ID: id, Tag: field("tag"), Amount: amount, ObservedAt: observed}, nil
}

// Publish appends a settled payment to the main stream and to its pair's
// history, in one transaction.
func (l *RedisLedger) Publish(ctx context.Context, ev model.PaymentEvent) error {
	if ev.ID == "" {
		// both copies must carry the same id for trackers to dedupe them
		ev.ID = uuid.NewString()
	}
	values := encodeEvent(ev)
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: l.stream,
			MaxLen: streamMaxLen,
			Approx: true,
			Values: values,
		})
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: l.tagKey(ev.Tag),
			MaxLen: tagMaxLen,
			Approx: true,
			Values: values,
		})
		return nil
	})
	return err
}

// Pay queues a transfer for the signer. The payment is credited once the
// chain watcher publishes it back to the stream.
func (l *RedisLedger) Pay(ctx context.Context, destination string, amount float64, tag string, auth model.BuyAuth) error {
	if amount <= 0 {
		return errors.New("payment amount must be positive")
	}
	return l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.outbox,
		MaxLen: outboxMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"request_id":  uuid.NewString(),
			"destination": destination,
			"amount":      strconv.FormatFloat(amount, 'f', -1, 64),
			"memo":        tag,
			"from":        auth["account"],
			"created_at":  strconv.FormatInt(l.now().UnixMilli(), 10),
		},
	}).Err()
}

// Claim marks id as settled and reports whether this call was first.
// Lightning bridges in different processes use it to pay an invoice once.
func (l *RedisLedger) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.stream+":settled:"+id, l.now().UnixMilli(), ttl).Result()
}

// Release undoes a Claim whose settlement could not be published.
func (l *RedisLedger) Release(ctx context.Context, id string) error {
	return l.client.Del(ctx, l.stream+":settled:"+id).Err()
}

func (l *RedisLedger) Synchronize(ctx context.Context, tag string) (backend.Snapshot, error) {
	var snap backend.Snapshot
	key := l.tagKey(tag)
	start := "-"
	for {
		msgs, err := l.client.XRangeN(ctx, key, start, "+", rangePage).Result()
		if err != nil {
			return backend.Snapshot{}, err
		}
		for _, msg := range msgs {
			snap.Cursor = msg.ID
			ev, err := decodeEvent(msg)
			if err != nil || ev.Tag != tag {
				continue
			}
			snap.Events = append(snap.Events, ev)
		}
		if len(msgs) < rangePage {
			return snap, nil
		}
		start = "(" + msgs[len(msgs)-1].ID
	}
}

// Subscribe registers a live feed for tag. The first subscriber starts the
// ledger's follower; the last one to leave stops it.
func (l *RedisLedger) Subscribe(ctx context.Context, tag string) (backend.Subscription, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, backend.ErrClosed
	}
	start := l.stopLoop == nil
	if start {
		// reserve the follower slot; concurrent subscribers wait on mu
		defer l.mu.Unlock()
		tail, err := l.tail(ctx)
		if err != nil {
			return nil, err
		}
		loopCtx, cancel := context.WithCancel(context.Background())
		l.stopLoop = cancel
		go l.follow(loopCtx, tail)
		return l.addSubLocked(ctx, tag), nil
	}
	sub := l.addSubLocked(ctx, tag)
	l.mu.Unlock()
	return sub, nil
}

func (l *RedisLedger) tail(ctx context.Context) (string, error) {
	msgs, err := l.client.XRevRangeN(ctx, l.stream, "+", "-", 1).Result()
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return startOfStream, nil
	}
	return msgs[0].ID, nil
}

func (l *RedisLedger) addSubLocked(ctx context.Context, tag string) *redisSub {
	sub := &redisSub{
		owner: l,
		tag:   tag,
		ch:    make(chan model.PaymentEvent, subBuffer),
		done:  make(chan struct{}),
	}
	if l.subs[tag] == nil {
		l.subs[tag] = make(map[*redisSub]struct{})
	}
	l.subs[tag][sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			sub.finish(ctx.Err())
		case <-sub.done:
		}
	}()
	return sub
}

func (l *RedisLedger) detach(sub *redisSub) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.subs[sub.tag]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(l.subs, sub.tag)
	}
	if len(l.subs) == 0 && l.stopLoop != nil {
		l.stopLoop()
		l.stopLoop = nil
	}
}

// follow tails the main stream from last. Read errors are retried with
// backoff from the same position, so subscribers survive a Redis outage.
func (l *RedisLedger) follow(ctx context.Context, last string) {
	delay := followBaseDelay
	for {
		streams, err := l.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{l.stream, last},
			Count:   rangePage,
			Block:   l.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.BackendWarnings.WithLabelValues("follow").Inc()
			l.log.Warn("stream read failed", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > followMaxDelay {
				delay = followMaxDelay
			}
			continue
		}
		delay = followBaseDelay

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				last = msg.ID
				ev, err := decodeEvent(msg)
				if err != nil {
					l.log.Warn("skipping stream entry", "error", err)
					continue
				}
				l.fanout(ev)
			}
		}
	}
}

// fanout hands ev to every subscriber of its tag without blocking the
// follower; a subscriber with a full buffer is cut off.
func (l *RedisLedger) fanout(ev model.PaymentEvent) {
	l.mu.Lock()
	targets := make([]*redisSub, 0, len(l.subs[ev.Tag]))
	for sub := range l.subs[ev.Tag] {
		targets = append(targets, sub)
	}
	l.mu.Unlock()

	for _, sub := range targets {
		if !sub.offer(ev) {
			sub.finish(ErrSlowSubscriber)
		}
	}
}

// Close ends every live feed with backend.ErrClosed and stops the follower.
func (l *RedisLedger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.stopLoop != nil {
		l.stopLoop()
		l.stopLoop = nil
	}
	var all []*redisSub
	for _, set := range l.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	l.mu.Unlock()

	for _, sub := range all {
		sub.finish(backend.ErrClosed)
	}
	return nil
}

type redisSub struct {
	owner *RedisLedger
	tag   string
	ch    chan model.PaymentEvent
	done  chan struct{}
	once  sync.Once

	// senders hold sendMu for reading so finish can close ch safely
	sendMu sync.RWMutex
	errMu  sync.Mutex
	err    error
}

func (s *redisSub) Events() <-chan model.PaymentEvent { return s.ch }

func (s *redisSub) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *redisSub) Close() error {
	s.finish(nil)
	return nil
}

// offer reports false only when the buffer is full.
func (s *redisSub) offer(ev model.PaymentEvent) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *redisSub) finish(err error) {
	s.once.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()

		close(s.done)
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()

		s.owner.detach(s)
	})
}
