// Package rate turns a seller's payment declaration into a canonical
// amount-per-second figure.
package rate

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/streamgate/paygate/internal/model"
	"github.com/streamgate/paygate/internal/pkg/apperrors"
)

// Rate is an immutable, strictly positive amount-per-second.
type Rate struct {
	perSecond float64
}

var (
	satsPerBTC = decimal.New(1, 8)

	btcPattern  = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*BTC\s*/\s*s$`)
	satsPattern = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*Sat\s*/\s*s$`)

	unitSeconds = map[string]int64{
		"seconds": 1,
		"minutes": 60,
		"hours":   3600,
	}

	// currencies whose declared amounts are whole bitcoin
	btcCurrencies = map[string]bool{
		"LightningBTC": true,
	}
)

// New validates a raw per-second figure.
func New(perSecond float64) (Rate, error) {
	if perSecond <= 0 || math.IsNaN(perSecond) || math.IsInf(perSecond, 0) {
		return Rate{}, apperrors.NewInvalidRate(fmt.Sprintf("invalid payment rate %v", perSecond))
	}
	return Rate{perSecond: perSecond}, nil
}

// PerSecond returns the amount consumed per second.
func (r Rate) PerSecond() float64 {
	return r.perSecond
}

// Parse accepts either the structured amount/interval/unit form or, when only
// Rate is set, the free-form string.
func Parse(decl model.PaymentDeclaration) (Rate, error) {
	if decl.Amount == "" && decl.Rate != "" {
		return ParseString(decl.Rate)
	}
	perSecond, err := perSecondInCurrency(decl)
	if err != nil {
		return Rate{}, err
	}
	if btcCurrencies[decl.Currency] {
		perSecond = perSecond.Mul(satsPerBTC)
	}
	return New(perSecond.InexactFloat64())
}

// ParseString parses "n BTC/s" or "n Sat/s". BTC is converted to satoshis.
func ParseString(s string) (Rate, error) {
	s = strings.TrimSpace(s)
	if m := btcPattern.FindStringSubmatch(s); m != nil {
		amount, err := decimal.NewFromString(m[1])
		if err != nil {
			return Rate{}, apperrors.NewInvalidRate(err.Error())
		}
		return New(amount.Mul(satsPerBTC).InexactFloat64())
	}
	if m := satsPattern.FindStringSubmatch(s); m != nil {
		amount, err := decimal.NewFromString(m[1])
		if err != nil {
			return Rate{}, apperrors.NewInvalidRate(err.Error())
		}
		return New(amount.InexactFloat64())
	}
	return Rate{}, apperrors.NewInvalidRate(`rate should have the form "n Sat/s" or "n BTC/s"`)
}

// Quote prices a duration in the declaration's own currency (no satoshi
// conversion), as shown to buyers choosing a payment method. Free-form
// rates are quoted in satoshis.
func Quote(decl model.PaymentDeclaration, seconds int64) (decimal.Decimal, error) {
	if decl.Amount == "" && decl.Rate != "" {
		r, err := ParseString(decl.Rate)
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromFloat(r.PerSecond()).Mul(decimal.NewFromInt(seconds)), nil
	}
	perSecond, err := perSecondInCurrency(decl)
	if err != nil {
		return decimal.Zero, err
	}
	return perSecond.Mul(decimal.NewFromInt(seconds)), nil
}

func perSecondInCurrency(decl model.PaymentDeclaration) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(decl.Amount))
	if err != nil {
		return decimal.Zero, apperrors.NewInvalidRate("invalid payment amount " + decl.Amount)
	}
	interval, err := decimal.NewFromString(strings.TrimSpace(decl.Interval))
	if err != nil {
		return decimal.Zero, apperrors.NewInvalidRate("invalid payment interval " + decl.Interval)
	}
	// unknown unit: ratio stays 0
	ratio := decimal.NewFromInt(unitSeconds[strings.ToLower(decl.Unit)])
	divisor := interval.Mul(ratio)
	if divisor.Sign() <= 0 {
		return decimal.Zero, apperrors.NewInvalidRate(fmt.Sprintf("invalid payment interval %s %s", decl.Interval, decl.Unit))
	}
	perSecond := amount.DivRound(divisor, 16)
	if perSecond.Sign() <= 0 {
		return decimal.Zero, apperrors.NewInvalidRate("payment rate must be positive")
	}
	return perSecond, nil
}
