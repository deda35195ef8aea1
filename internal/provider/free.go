package provider

import (
	"context"

	"github.com/streamgate/paygate/internal/model"
)

// Free serves sellers that declare no payment method.
type Free struct{}

func NewFree() *Free { return &Free{} }

func (*Free) Kind() Kind { return KindFree }

// Supports is always false: free access is never something a buyer pays for.
func (*Free) Supports(model.PaymentDeclaration) bool { return false }

func (*Free) Validate(context.Context, string) (*model.Validation, error) {
	return &model.Validation{Type: model.ValidationFree, Provider: string(KindFree)}, nil
}

func (*Free) Buy(context.Context, string, float64, model.BuyAuth) error { return nil }

func (*Free) Destroy() {}
