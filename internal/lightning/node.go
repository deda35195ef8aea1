// Package lightning models the Lightning node a provider drives: node
// identity, peering, invoicing and paying, plus the settled-invoice feed the
// seller's trackers consume.
package lightning

import (
	"context"
	"errors"

	"github.com/streamgate/paygate/internal/backend"
)

const (
	ImplementationLnd        = "lnd"
	ImplementationCLightning = "c-lightning"
)

var (
	// ErrAlreadyConnected is returned by Connect when the peer is known.
	// Callers treat it as success.
	ErrAlreadyConnected = errors.New("already connected to peer")
	ErrUnknownInvoice   = errors.New("unknown payment request")
	ErrInvoicePaid      = errors.New("invoice already paid")
	ErrUnknownPeer      = errors.New("unknown peer")
	ErrInvalidAmount    = errors.New("invoice amount must be positive")
)

// NodeInfo is how a buyer tells the seller where to reach its node.
type NodeInfo struct {
	ID      string
	Address string
}

// Invoice is a decoded payment request. Amount is in satoshis.
type Invoice struct {
	Request     string
	Description string
	Amount      int64
	Label       string
}

// Node is the subset of a Lightning daemon the payment providers need.
// Settled invoices are delivered through the embedded Source, tagged with
// the invoice description.
type Node interface {
	backend.Source

	NodeID(ctx context.Context) (string, error)
	Connect(ctx context.Context, peer NodeInfo) error
	AddInvoice(ctx context.Context, description string, amount int64) (Invoice, error)
	DecodePayReq(ctx context.Context, request string) (Invoice, error)
	PayInvoice(ctx context.Context, request string) error
}

// Connect dials peer and tolerates an existing connection.
func Connect(ctx context.Context, n Node, peer NodeInfo) error {
	err := n.Connect(ctx, peer)
	if errors.Is(err, ErrAlreadyConnected) {
		return nil
	}
	return err
}
