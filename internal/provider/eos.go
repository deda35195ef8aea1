package provider

import (
	"context"

	"github.com/streamgate/paygate/internal/metadata"
	"github.com/streamgate/paygate/internal/model"
	"github.com/streamgate/paygate/internal/pkg/apperrors"
	"github.com/streamgate/paygate/internal/pkg/logger"
)

// Kylin testnet endpoints.
var testnetChain = Chain{
	ID:  "5fff1dae8dc8e2fc4d5b23b2c7665c97f9e9d8edf2b6485a86ba311c25639191",
	RPC: "https://api-kylin.eoslaomao.com",
}

func supportsEOS(decl model.PaymentDeclaration) bool {
	return decl.Currency == "EOS"
}

func supportsEOSTestnet(decl model.PaymentDeclaration) bool {
	return decl.Currency == "EOS Testnet"
}

// EOS tracks transfers to the seller's pay_to account whose memo is the
// buyer/seller tag.
type EOS struct {
	*metered
	ledger Ledger
	chain  Chain
	local  string
}

func newEOSProvider(kind Kind) func(Env, model.PaymentDeclaration) (Provider, error) {
	return func(env Env, decl model.PaymentDeclaration) (Provider, error) {
		ledger := env.Ledgers[kind]
		m, err := newMetered(env, kind, decl, ledger)
		if err != nil {
			return nil, err
		}
		chain := env.EOSChain
		if kind == KindEOSTestnet {
			chain = testnetChain
		}
		logger.Component("provider", "kind", string(kind)).Info("eos provider ready",
			"pay_to", decl.PayTo, "chain_id", chain.ID, "rpc", chain.RPC)
		return &EOS{metered: m, ledger: ledger, chain: chain, local: env.Local}, nil
	}
}

func (e *EOS) Supports(decl model.PaymentDeclaration) bool {
	if e.kind == KindEOSTestnet {
		return supportsEOSTestnet(decl)
	}
	return supportsEOS(decl)
}

func (e *EOS) Chain() Chain { return e.chain }

// Buy transfers amount to the seller's account, memo-tagged with the pair.
func (e *EOS) Buy(ctx context.Context, seller string, amount float64, auth model.BuyAuth) error {
	if amount <= 0 {
		return apperrors.NewInvalidRequest("amount must be positive")
	}
	sellerKey, err := metadata.NormalizeKey(seller)
	if err != nil {
		return apperrors.NewInvalidRequest("seller key: " + err.Error())
	}
	buyerKey, err := metadata.NormalizeKey(e.local)
	if err != nil {
		return apperrors.NewInvalidRequest("local key: " + err.Error())
	}
	if err := e.ledger.Pay(ctx, e.decl.PayTo, amount, metadata.Tag(sellerKey, buyerKey), auth); err != nil {
		return apperrors.New(apperrors.ErrUpstream, "eos transfer failed", err)
	}
	return nil
}
