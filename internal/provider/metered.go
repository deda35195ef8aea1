package provider

import (
	"context"

	"github.com/streamgate/paygate/internal/backend"
	"github.com/streamgate/paygate/internal/engine"
	"github.com/streamgate/paygate/internal/metadata"
	"github.com/streamgate/paygate/internal/model"
	"github.com/streamgate/paygate/internal/pkg/apperrors"
	"github.com/streamgate/paygate/internal/rate"
	"github.com/streamgate/paygate/internal/tracker"
)

// metered is the time-based validation shared by every paid provider.
type metered struct {
	kind      Kind
	decl      model.PaymentDeclaration
	rate      rate.Rate
	seller    string
	validator *engine.Validator
}

func newMetered(env Env, kind Kind, decl model.PaymentDeclaration, source backend.Source) (*metered, error) {
	r, err := rate.Parse(decl)
	if err != nil {
		return nil, err
	}
	seller, err := metadata.NormalizeKey(env.Seller)
	if err != nil {
		return nil, apperrors.NewInvalidRequest("seller key: " + err.Error())
	}

	cache, err := tracker.NewCache(string(kind), env.CacheCapacity, func(buyer string) *tracker.Tracker {
		return tracker.New(source, metadata.Tag(seller, buyer), r)
	})
	if err != nil {
		return nil, err
	}
	return &metered{
		kind:      kind,
		decl:      decl,
		rate:      r,
		seller:    seller,
		validator: engine.NewValidator(string(kind), cache, env.ValidateTimeout),
	}, nil
}

func (m *metered) Kind() Kind { return m.kind }

// Rate is the per-second price, in satoshis for Lightning.
func (m *metered) Rate() rate.Rate { return m.rate }

func (m *metered) Validate(ctx context.Context, buyer string) (*model.Validation, error) {
	key, err := metadata.NormalizeKey(buyer)
	if err != nil {
		return nil, apperrors.NewInvalidRequest("buyer key: " + err.Error())
	}
	return m.validator.Validate(ctx, key)
}

func (m *metered) Destroy() {
	m.validator.Close()
}
