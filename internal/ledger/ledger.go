// Package ledger keeps the time-ordered payment history of one buyer and
// derives how much of it is left at a given instant.
//
// Funds behave like a leaky bucket: each payment tops the bucket up, the
// balance drains continuously at the subscription rate, and it never goes
// below zero. A payment made after the bucket ran dry does not pay off the
// gap that preceded it.
package ledger

import (
	"math"
	"sort"
	"time"

	"github.com/streamgate/paygate/internal/model"
)

// Ledger is not safe for concurrent use; the owning tracker serialises access.
type Ledger struct {
	events []model.PaymentEvent
}

func New() *Ledger {
	return &Ledger{events: make([]model.PaymentEvent, 0, 4)}
}

// Record inserts ev at its time-ordered position. Events with equal
// timestamps keep their arrival order. Duplicates are not detected here.
func (l *Ledger) Record(ev model.PaymentEvent) {
	i := sort.Search(len(l.events), func(i int) bool {
		return l.events[i].ObservedAt > ev.ObservedAt
	})
	l.events = append(l.events, model.PaymentEvent{})
	copy(l.events[i+1:], l.events[i:])
	l.events[i] = ev
}

func (l *Ledger) Len() int {
	return len(l.events)
}

// Events returns a copy of the ordered history.
func (l *Ledger) Events() []model.PaymentEvent {
	out := make([]model.PaymentEvent, len(l.events))
	copy(out, l.events)
	return out
}

// RemainingFunds evaluates the balance at now. Payments observed after now
// are not yet credited.
func (l *Ledger) RemainingFunds(perSecond float64, now time.Time) float64 {
	nowMs := now.UnixMilli()
	funds := 0.0
	for i, ev := range l.events {
		if ev.ObservedAt > nowMs {
			break
		}
		until := nowMs
		if i+1 < len(l.events) && l.events[i+1].ObservedAt <= nowMs {
			until = l.events[i+1].ObservedAt
		}
		consumed := perSecond * float64(until-ev.ObservedAt) / 1000
		funds += ev.Amount - consumed
		if funds < 0 {
			funds = 0
		}
	}
	return funds
}

// RemainingTime converts the balance at now into whole milliseconds of service.
func (l *Ledger) RemainingTime(perSecond float64, now time.Time) int64 {
	if perSecond <= 0 {
		return 0
	}
	funds := l.RemainingFunds(perSecond, now)
	return int64(math.Floor(math.Max(0, funds/perSecond) * 1000))
}
