package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streamgate/paygate/internal/model"
)

var ErrClosed = errors.New("backend closed")

// Memory is an in-process payment bus. It backs the engine when no Redis is
// configured and doubles as the test backend.
type Memory struct {
	mu       sync.RWMutex
	events   map[string][]model.PaymentEvent
	subs     map[string]map[*memorySub]struct{}
	syncErr  error
	syncWait time.Duration
	closed   bool
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		events: make(map[string][]model.PaymentEvent),
		subs:   make(map[string]map[*memorySub]struct{}),
		now:    time.Now,
	}
}

// FailSync makes subsequent Synchronize calls return err (nil to clear).
func (m *Memory) FailSync(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncErr = err
}

// DelaySync makes Synchronize take at least d, emulating a slow backend.
func (m *Memory) DelaySync(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncWait = d
}

func (m *Memory) Synchronize(ctx context.Context, tag string) (Snapshot, error) {
	m.mu.RLock()
	wait, failure := m.syncWait, m.syncErr
	m.mu.RUnlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		case <-timer.C:
		}
	}
	if failure != nil {
		return Snapshot{}, failure
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Snapshot{}, ErrClosed
	}
	history := make([]model.PaymentEvent, len(m.events[tag]))
	copy(history, m.events[tag])
	return Snapshot{Events: history}, nil
}

func (m *Memory) Subscribe(ctx context.Context, tag string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{
		owner: m,
		tag:   tag,
		ch:    make(chan model.PaymentEvent, 64),
		done:  make(chan struct{}),
	}
	if m.subs[tag] == nil {
		m.subs[tag] = make(map[*memorySub]struct{})
	}
	m.subs[tag][sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			sub.finish(ctx.Err())
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Publish records ev and pushes it to live subscribers of its tag.
func (m *Memory) Publish(ctx context.Context, ev model.PaymentEvent) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.events[ev.Tag] = append(m.events[ev.Tag], ev)
	targets := make([]*memorySub, 0, len(m.subs[ev.Tag]))
	for sub := range m.subs[ev.Tag] {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(ctx, ev)
	}
	return nil
}

// Pay settles immediately: the payment is observed as soon as it is sent.
func (m *Memory) Pay(ctx context.Context, destination string, amount float64, tag string, _ model.BuyAuth) error {
	if amount <= 0 {
		return errors.New("payment amount must be positive")
	}
	return m.Publish(ctx, model.PaymentEvent{
		ID:         uuid.NewString(),
		Tag:        tag,
		Amount:     amount,
		ObservedAt: m.now().UnixMilli(),
	})
}

// Subscribers reports live subscriptions for tag.
func (m *Memory) Subscribers(tag string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[tag])
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*memorySub
	for _, set := range m.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range all {
		sub.finish(ErrClosed)
	}
	return nil
}

func (m *Memory) detach(sub *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.subs[sub.tag]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(m.subs, sub.tag)
		}
	}
}

type memorySub struct {
	owner *Memory
	tag   string
	ch    chan model.PaymentEvent
	done  chan struct{}
	once  sync.Once

	// senders hold sendMu for reading so finish can close ch safely
	sendMu sync.RWMutex
	errMu  sync.Mutex
	err    error
}

func (s *memorySub) Events() <-chan model.PaymentEvent { return s.ch }

func (s *memorySub) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *memorySub) Close() error {
	s.finish(nil)
	return nil
}

func (s *memorySub) deliver(ctx context.Context, ev model.PaymentEvent) {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.ch <- ev:
	case <-s.done:
	case <-ctx.Done():
	}
}

func (s *memorySub) finish(err error) {
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
