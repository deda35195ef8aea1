// Package backend defines the boundary to payment-event sources: chain
// watchers and Lightning nodes publish "payment observed" events tagged with
// a buyer/seller filter tag, and trackers consume them.
package backend

import (
	"context"

	"github.com/streamgate/paygate/internal/model"
)

// Snapshot is the full history matching a tag at the time of the call.
// Cursor is an opaque resume position (stream id, pay index) when the
// source has one.
type Snapshot struct {
	Events []model.PaymentEvent
	Cursor string
}

// Source is a payment-event source for one payment method.
type Source interface {
	// Synchronize fetches every payment recorded so far for tag.
	Synchronize(ctx context.Context, tag string) (Snapshot, error)
	// Subscribe streams payments observed from now on for tag. The stream
	// ends when ctx is cancelled or Close is called.
	Subscribe(ctx context.Context, tag string) (Subscription, error)
}

// Subscription is a cancellable live feed.
type Subscription interface {
	Events() <-chan model.PaymentEvent
	// Err reports why the feed ended, once Events is closed.
	Err() error
	Close() error
}

// Payer transmits funds tagged so the receiving seller can attribute them.
type Payer interface {
	Pay(ctx context.Context, destination string, amount float64, tag string, auth model.BuyAuth) error
}
