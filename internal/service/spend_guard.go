package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/streamgate/paygate/internal/config"
	"github.com/streamgate/paygate/internal/pkg/apperrors"
	"github.com/streamgate/paygate/internal/pkg/metrics"
)

// UsageRepo tracks what this node spent per remote seller and UTC day.
type UsageRepo interface {
	GetDailyUsage(ctx context.Context, seller string) (int, float64, error)
	AddDailyUsage(ctx context.Context, seller string, payments int, amount float64) error
}

// SpendGuard caps outgoing payments. Amounts are in whatever currency the
// seller is paid in; limits are meant for single-currency deployments.
type SpendGuard struct {
	limits config.BuyConfig
	repo   UsageRepo
}

func NewSpendGuard(limits config.BuyConfig, repo UsageRepo) *SpendGuard {
	return &SpendGuard{limits: limits, repo: repo}
}

// Check must pass before a buy is attempted.
func (g *SpendGuard) Check(ctx context.Context, seller string, amount float64) error {
	if amount <= 0 {
		return apperrors.NewInvalidRequest("amount must be positive")
	}
	if g.limits.MaxAmount > 0 && amount > g.limits.MaxAmount {
		metrics.SpendRejects.WithLabelValues("max_amount").Inc()
		return apperrors.NewInvalidRequest(fmt.Sprintf("amount %v exceeds the per-payment limit %v", amount, g.limits.MaxAmount))
	}
	if g.limits.MaxDailyAmount <= 0 && g.limits.MaxDailyPayments <= 0 {
		return nil
	}

	payments, spent, err := g.repo.GetDailyUsage(ctx, seller)
	if err != nil {
		return apperrors.New(apperrors.ErrInternal, "spend check failed", err)
	}
	if g.limits.MaxDailyAmount > 0 {
		total := decimal.NewFromFloat(spent).Add(decimal.NewFromFloat(amount))
		if total.GreaterThan(decimal.NewFromFloat(g.limits.MaxDailyAmount)) {
			metrics.SpendRejects.WithLabelValues("daily_amount").Inc()
			return apperrors.New(apperrors.ErrRateLimited, fmt.Sprintf("daily spend limit reached (spent %v, max %v)", spent, g.limits.MaxDailyAmount), nil)
		}
	}
	if g.limits.MaxDailyPayments > 0 && payments+1 > g.limits.MaxDailyPayments {
		metrics.SpendRejects.WithLabelValues("daily_payments").Inc()
		return apperrors.New(apperrors.ErrRateLimited, fmt.Sprintf("daily payment limit reached (max %d)", g.limits.MaxDailyPayments), nil)
	}
	return nil
}

// Record books a successful buy.
func (g *SpendGuard) Record(ctx context.Context, seller string, amount float64) {
	_ = g.repo.AddDailyUsage(ctx, seller, 1, amount)
}
