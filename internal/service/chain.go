// Package service assembles providers into a seller's payment chain and
// records the decisions it takes.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/streamgate/paygate/internal/metadata"
	"github.com/streamgate/paygate/internal/model"
	"github.com/streamgate/paygate/internal/pkg/apperrors"
	"github.com/streamgate/paygate/internal/pkg/logger"
	"github.com/streamgate/paygate/internal/provider"
	"github.com/streamgate/paygate/internal/rate"
)

// DecisionRecorder receives every validation outcome.
type DecisionRecorder interface {
	Record(entry *model.Decision)
}

// PaymentChain holds one provider slot per declared payment method, in
// declaration order. A slot is nil when no provider serves its declaration.
type PaymentChain struct {
	seller    string
	providers []provider.Provider
	decisions DecisionRecorder
	log       *slog.Logger
}

// NewPaymentChain builds providers for payments; with no payments the chain
// is free. env.Seller identifies the seller being validated.
func NewPaymentChain(env provider.Env, payments []model.PaymentDeclaration, decisions DecisionRecorder) (*PaymentChain, error) {
	seller, err := metadata.NormalizeKey(env.Seller)
	if err != nil {
		return nil, apperrors.NewInvalidRequest("seller key: " + err.Error())
	}
	c := &PaymentChain{
		seller:    seller,
		decisions: decisions,
		log:       logger.Component("chain", "seller", seller),
	}
	if len(payments) == 0 {
		c.providers = []provider.Provider{provider.NewFree()}
		return c, nil
	}

	for _, decl := range payments {
		p, err := provider.Build(env, decl)
		if err != nil {
			c.Destroy()
			return nil, err
		}
		if p == nil {
			c.log.Warn("no provider for payment method", "currency", decl.Currency, "label", decl.Label)
			c.providers = append(c.providers, nil)
			continue
		}
		c.providers = append(c.providers, p)
	}
	return c, nil
}

func (c *PaymentChain) Seller() string {
	return c.seller
}

// Providers returns the non-empty slots in order.
func (c *PaymentChain) Providers() []provider.Provider {
	out := make([]provider.Provider, 0, len(c.providers))
	for _, p := range c.providers {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Metadata returns the tag a buyer must attach to payments for this seller.
func (c *PaymentChain) Metadata(buyer string) (string, error) {
	key, err := metadata.NormalizeKey(buyer)
	if err != nil {
		return "", apperrors.NewInvalidRequest("buyer key: " + err.Error())
	}
	return metadata.Tag(c.seller, key), nil
}

// Validate asks each provider in turn and returns the first acceptance.
func (c *PaymentChain) Validate(ctx context.Context, buyer string) (*model.Validation, error) {
	start := time.Now()
	var lastErr error
	for _, p := range c.providers {
		if p == nil {
			continue
		}
		res, err := p.Validate(ctx, buyer)
		if err == nil {
			c.record(buyer, res, nil, start)
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	err := apperrors.New(apperrors.ErrNoSupportedPayment, "no payment is supported", lastErr)
	var appErr *apperrors.AppError
	if errors.As(lastErr, &appErr) {
		// the buyer sees why the last method refused, e.g. no time left
		err.Message += ": " + appErr.Message
		err.TimedOut = appErr.TimedOut
		if appErr.Suggestion != "" {
			err.Suggestion = appErr.Suggestion
		}
	}
	c.record(buyer, nil, err, start)
	return nil, err
}

func (c *PaymentChain) record(buyer string, res *model.Validation, err error, start time.Time) {
	if c.decisions == nil {
		return
	}
	entry := &model.Decision{
		ID:        uuid.NewString(),
		SellerID:  c.seller,
		BuyerID:   buyer,
		Result:    model.DecisionAccepted,
		LatencyMs: time.Since(start).Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	if res != nil {
		entry.Provider = res.Provider
		entry.RemainingMs = res.Remaining
	}
	if err != nil {
		entry.Result = model.DecisionRejected
		entry.Error = err.Error()
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			entry.TimedOut = appErr.TimedOut
		}
	}
	c.decisions.Record(entry)
}

// Value prices seconds of access in every currency the seller advertises
// and this chain can pay.
func (c *PaymentChain) Value(seller model.Seller, seconds int64) ([]model.PaymentOption, error) {
	if seconds <= 0 {
		return nil, apperrors.NewInvalidRequest("seconds must be positive")
	}
	var options []model.PaymentOption
	for _, p := range c.Providers() {
		for _, decl := range seller.Payments {
			if !p.Supports(decl) {
				continue
			}
			amount, err := rate.Quote(decl, seconds)
			if err != nil {
				return nil, err
			}
			options = append(options, model.PaymentOption{
				Amount:   amount.String(),
				Currency: decl.Currency,
				Provider: string(p.Kind()),
			})
		}
	}
	if len(options) == 0 {
		return nil, apperrors.New(apperrors.ErrUnsupportedPayment, "payments not supported", nil)
	}
	return options, nil
}

// Buy pays seller through the first provider that supports one of the
// seller's advertised methods. A free chain has nothing to pay.
func (c *PaymentChain) Buy(ctx context.Context, seller model.Seller, amount float64, auth model.BuyAuth) error {
	if auth == nil {
		auth = model.BuyAuth{}
	}
	providers := c.Providers()
	if len(providers) == 1 && providers[0].Kind() == provider.KindFree {
		return providers[0].Buy(ctx, seller.ID, amount, auth)
	}
	for _, p := range providers {
		for _, decl := range seller.Payments {
			if p.Supports(decl) {
				return p.Buy(ctx, seller.ID, amount, auth)
			}
		}
	}
	return apperrors.New(apperrors.ErrUnsupportedPayment, "no provider supports the seller's payment methods", nil)
}

// Destroy shuts every provider down; pending validations fail with
// SHUTTING_DOWN.
func (c *PaymentChain) Destroy() {
	for _, p := range c.providers {
		if p != nil {
			p.Destroy()
		}
	}
}
