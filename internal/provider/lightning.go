package provider

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/streamgate/paygate/internal/exchange"
	"github.com/streamgate/paygate/internal/lightning"
	"github.com/streamgate/paygate/internal/metadata"
	"github.com/streamgate/paygate/internal/model"
	"github.com/streamgate/paygate/internal/pkg/apperrors"
	"github.com/streamgate/paygate/internal/pkg/logger"
)

func supportsLightning(decl model.PaymentDeclaration) bool {
	return decl.Currency == "LightningBTC" || decl.Currency == "LightningSats"
}

// Lightning validates settled invoices on the seller's node and runs the
// invoice exchange: buyers ask for invoices, sellers issue them, and buyers
// pay only invoices they asked for.
type Lightning struct {
	*metered
	node    lightning.Node
	router  *exchange.Router
	local   string
	address string
	pending exchange.Pending
	log     *slog.Logger
	unhook  []func()

	mu        sync.Mutex
	nodeID    string
	destroyed bool
}

func newLightningProvider(kind Kind) func(Env, model.PaymentDeclaration) (Provider, error) {
	return func(env Env, decl model.PaymentDeclaration) (Provider, error) {
		node := env.Nodes[kind]
		m, err := newMetered(env, kind, decl, node)
		if err != nil {
			return nil, err
		}
		// an invalid local key is reported by Buy
		local, _ := metadata.NormalizeKey(env.Local)
		l := &Lightning{
			metered: m,
			node:    node,
			router:  env.Router,
			local:   local,
			address: env.NodeAddress,
			log:     logger.Component("provider", "kind", string(kind)),
		}
		if l.router != nil {
			l.unhook = append(l.unhook,
				l.router.Handle(exchange.TypePayRequest, l.onPayRequest),
				l.router.Handle(exchange.TypeInvoice, l.onInvoice))
		}
		return l, nil
	}
}

func (l *Lightning) Supports(decl model.PaymentDeclaration) bool {
	return supportsLightning(decl)
}

func (l *Lightning) Destroy() {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.destroyed = true
	unhook := l.unhook
	l.unhook = nil
	l.mu.Unlock()

	for _, remove := range unhook {
		remove()
	}
	l.metered.Destroy()
}

func (l *Lightning) isDestroyed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed
}

func (l *Lightning) ensureNodeID(ctx context.Context) (string, error) {
	l.mu.Lock()
	id := l.nodeID
	l.mu.Unlock()
	if id != "" {
		return id, nil
	}

	id, err := l.node.NodeID(ctx)
	if err != nil {
		return "", apperrors.New(apperrors.ErrUpstream, "lightning node info", err)
	}
	l.mu.Lock()
	l.nodeID = id
	l.mu.Unlock()
	return id, nil
}

// Buy asks every connected seller for an invoice of amount satoshis and
// remembers the request so the matching invoice is paid when it arrives.
func (l *Lightning) Buy(ctx context.Context, seller string, amount float64, _ model.BuyAuth) error {
	if l.isDestroyed() {
		return apperrors.NewShuttingDown()
	}
	if l.router == nil {
		return apperrors.New(apperrors.ErrInternal, "no peer router configured", nil)
	}
	sats := int64(amount)
	if sats <= 0 || float64(sats) != amount || math.IsInf(amount, 0) {
		return apperrors.NewInvalidRequest("lightning amount must be a positive whole number of satoshis")
	}
	sellerKey, err := metadata.NormalizeKey(seller)
	if err != nil {
		return apperrors.NewInvalidRequest("seller key: " + err.Error())
	}
	buyerKey, err := metadata.NormalizeKey(l.local)
	if err != nil {
		return apperrors.NewInvalidRequest("local key: " + err.Error())
	}
	nodeID, err := l.ensureNodeID(ctx)
	if err != nil {
		return err
	}

	// registered first so a fast invoice cannot overtake it
	expected := exchange.PendingRequest{Buyer: buyerKey, Seller: sellerKey, Amount: sats}
	l.pending.Add(expected)

	req := exchange.PayRequest{
		Amount:    sats,
		BuyerInfo: exchange.BuyerInfo{ID: nodeID, Address: l.address},
	}
	if err := l.router.Broadcast(ctx, exchange.TypePayRequest, req); err != nil {
		l.pending.Consume(expected)
		return apperrors.New(apperrors.ErrUpstream, "pay request not delivered", err)
	}
	return nil
}

// onPayRequest is the seller side: peer with the buyer's node, start
// tracking the buyer and answer with an invoice tagged for the pair.
func (l *Lightning) onPayRequest(ctx context.Context, from exchange.Peer, env exchange.Envelope) error {
	// only the provider tracking this node's own stream sells
	if l.isDestroyed() || l.seller != l.local {
		return exchange.ErrNotClaimed
	}
	var req exchange.PayRequest
	if err := env.Unmarshal(&req); err != nil {
		return apperrors.NewInvalidRequest(err.Error())
	}
	if req.Amount <= 0 {
		return apperrors.NewInvalidRequest("pay request amount must be positive")
	}
	buyer, err := metadata.NormalizeKey(from.RemoteKey())
	if err != nil {
		return apperrors.NewInvalidRequest("peer key: " + err.Error())
	}

	peer := lightning.NodeInfo{ID: req.BuyerInfo.ID, Address: req.BuyerInfo.Address}
	if err := lightning.Connect(ctx, l.node, peer); err != nil {
		return apperrors.New(apperrors.ErrUpstream, "connect to buyer node", err)
	}
	if err := l.validator.Warm(buyer); err != nil {
		return err
	}

	inv, err := l.node.AddInvoice(ctx, metadata.Tag(l.seller, buyer), req.Amount)
	if err != nil {
		return apperrors.New(apperrors.ErrUpstream, "add invoice", err)
	}
	l.log.Debug("invoice issued", "buyer", buyer, "amount", req.Amount)
	return l.router.Send(ctx, from, exchange.TypeInvoice, exchange.InvoiceMessage{Request: inv.Request, Amount: req.Amount})
}

// onInvoice is the buyer side: pay the invoice only if it settles an
// outstanding request for the same seller, buyer and amount.
func (l *Lightning) onInvoice(ctx context.Context, _ exchange.Peer, env exchange.Envelope) error {
	// a seller never pays invoices
	if l.isDestroyed() || l.seller == l.local {
		return exchange.ErrNotClaimed
	}
	var msg exchange.InvoiceMessage
	if err := env.Unmarshal(&msg); err != nil {
		return apperrors.NewInvalidRequest(err.Error())
	}
	inv, err := l.node.DecodePayReq(ctx, msg.Request)
	if err != nil {
		return apperrors.NewUnrecognisedInvoice(err)
	}
	seller, buyer, err := exchange.ParseDescription(inv.Description)
	if err != nil {
		return err
	}
	if seller != l.seller {
		// another seller's chain may own it
		return exchange.ErrNotClaimed
	}
	if !l.pending.Consume(exchange.PendingRequest{Buyer: buyer, Seller: seller, Amount: inv.Amount}) {
		return apperrors.NewUnrecognisedInvoice(nil)
	}
	if err := l.node.PayInvoice(ctx, msg.Request); err != nil {
		return apperrors.New(apperrors.ErrUpstream, "pay invoice", err)
	}
	l.log.Info("invoice paid", "seller", seller, "amount", inv.Amount)
	return nil
}

// Pending reports outstanding invoice requests.
func (l *Lightning) Pending() int {
	return l.pending.Len()
}
