// Package provider implements the payment methods a seller can accept.
// Each metered provider owns a tracker cache and a validator; the free
// provider grants access unconditionally.
package provider

import (
	"context"
	"time"

	"github.com/streamgate/paygate/internal/backend"
	"github.com/streamgate/paygate/internal/exchange"
	"github.com/streamgate/paygate/internal/lightning"
	"github.com/streamgate/paygate/internal/model"
)

type Kind string

const (
	KindFree       Kind = "free"
	KindEOS        Kind = "eos"
	KindEOSTestnet Kind = "eos-testnet"
	KindLnd        Kind = "lnd"
	KindCLightning Kind = "clightning"
)

// Provider validates buyers against one payment method and pays sellers
// through it.
type Provider interface {
	Kind() Kind
	Supports(decl model.PaymentDeclaration) bool
	Validate(ctx context.Context, buyer string) (*model.Validation, error)
	Buy(ctx context.Context, seller string, amount float64, auth model.BuyAuth) error
	Destroy()
}

// Ledger is a chain-backed payment feed that can also send payments.
type Ledger interface {
	backend.Source
	backend.Payer
}

// Chain identifies the EOS network a provider works against.
type Chain struct {
	ID  string
	RPC string
}

// Env is what providers are built from.
type Env struct {
	// Seller is the hex key of the seller whose payments are tracked.
	Seller string
	// Local is this node's own hex key; it is the buyer when buying.
	Local string

	CacheCapacity   int
	ValidateTimeout time.Duration

	Ledgers  map[Kind]Ledger
	EOSChain Chain

	Nodes       map[Kind]lightning.Node
	NodeAddress string
	Router      *exchange.Router
}

type factory struct {
	kind      Kind
	supports  func(model.PaymentDeclaration) bool
	available func(Env) bool
	build     func(Env, model.PaymentDeclaration) (Provider, error)
}

// registry is searched in order; the first factory that supports a
// declaration, matches its label and has a backend configured wins.
var registry = []factory{
	{KindEOS, supportsEOS, ledgerAvailable(KindEOS), newEOSProvider(KindEOS)},
	{KindEOSTestnet, supportsEOSTestnet, ledgerAvailable(KindEOSTestnet), newEOSProvider(KindEOSTestnet)},
	{KindLnd, supportsLightning, nodeAvailable(KindLnd), newLightningProvider(KindLnd)},
	{KindCLightning, supportsLightning, nodeAvailable(KindCLightning), newLightningProvider(KindCLightning)},
}

// Find reports which kind of provider would serve decl.
func Find(env Env, decl model.PaymentDeclaration) (Kind, bool) {
	for _, f := range registry {
		if f.matches(env, decl) {
			return f.kind, true
		}
	}
	return "", false
}

// Build constructs the provider for decl. It returns nil, nil when no
// provider serves the declaration.
func Build(env Env, decl model.PaymentDeclaration) (Provider, error) {
	for _, f := range registry {
		if f.matches(env, decl) {
			return f.build(env, decl)
		}
	}
	return nil, nil
}

func (f factory) matches(env Env, decl model.PaymentDeclaration) bool {
	if !f.supports(decl) {
		return false
	}
	if decl.Label != "" && decl.Label != string(f.kind) {
		return false
	}
	return f.available(env)
}

func ledgerAvailable(kind Kind) func(Env) bool {
	return func(env Env) bool { return env.Ledgers[kind] != nil }
}

func nodeAvailable(kind Kind) func(Env) bool {
	return func(env Env) bool { return env.Nodes[kind] != nil }
}
