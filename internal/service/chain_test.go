package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/streamgate/paygate/internal/backend"
	"github.com/streamgate/paygate/internal/model"
	"github.com/streamgate/paygate/internal/pkg/apperrors"
	"github.com/streamgate/paygate/internal/pkg/logger"
	"github.com/streamgate/paygate/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sellerKey = "aa01"
	buyerKey  = "bb02"
)

func init() {
	logger.InitWithWriter("error", io.Discard)
}

type stubProvider struct {
	kind      provider.Kind
	currency  string
	result    *model.Validation
	err       error
	calls     int
	bought    []float64
	destroyed bool
}

func (s *stubProvider) Kind() provider.Kind { return s.kind }

func (s *stubProvider) Supports(decl model.PaymentDeclaration) bool {
	return decl.Currency == s.currency
}

func (s *stubProvider) Validate(context.Context, string) (*model.Validation, error) {
	s.calls++
	return s.result, s.err
}

func (s *stubProvider) Buy(_ context.Context, _ string, amount float64, _ model.BuyAuth) error {
	s.bought = append(s.bought, amount)
	return nil
}

func (s *stubProvider) Destroy() { s.destroyed = true }

type memoryRecorder struct {
	mu      sync.Mutex
	entries []*model.Decision
}

func (m *memoryRecorder) Record(entry *model.Decision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
}

func chainOf(rec DecisionRecorder, providers ...provider.Provider) *PaymentChain {
	return &PaymentChain{seller: sellerKey, providers: providers, decisions: rec, log: logger.Component("chain")}
}

func TestChainFallsThroughToNextProvider(t *testing.T) {
	a := &stubProvider{kind: provider.KindEOS, err: apperrors.NewNoTimeRemaining(false)}
	b := &stubProvider{kind: provider.KindLnd, result: &model.Validation{Type: model.ValidationTime, Remaining: 5000, Provider: "lnd"}}
	rec := &memoryRecorder{}
	c := chainOf(rec, a, nil, b)

	res, err := c.Validate(context.Background(), buyerKey)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), res.Remaining)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)

	require.Len(t, rec.entries, 1)
	assert.Equal(t, model.DecisionAccepted, rec.entries[0].Result)
	assert.Equal(t, "lnd", rec.entries[0].Provider)
}

func TestChainStopsAtFirstAcceptance(t *testing.T) {
	a := &stubProvider{result: &model.Validation{Type: model.ValidationTime, Remaining: 1}}
	b := &stubProvider{result: &model.Validation{Type: model.ValidationTime, Remaining: 2}}
	res, err := chainOf(nil, a, b).Validate(context.Background(), buyerKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Remaining)
	assert.Equal(t, 0, b.calls)
}

func TestChainAllFail(t *testing.T) {
	last := apperrors.NewNoTimeRemaining(true)
	rec := &memoryRecorder{}
	c := chainOf(rec,
		&stubProvider{err: errors.New("first")},
		&stubProvider{err: last},
	)

	_, err := c.Validate(context.Background(), buyerKey)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrNoSupportedPayment))
	assert.ErrorIs(t, err, last)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.True(t, appErr.TimedOut)
	assert.Equal(t, "no payment is supported: no time left on subscription after timeout", appErr.Message)
	assert.Equal(t, last.Suggestion, appErr.Suggestion)

	require.Len(t, rec.entries, 1)
	assert.Equal(t, model.DecisionRejected, rec.entries[0].Result)
	assert.True(t, rec.entries[0].TimedOut)
}

func TestChainOfOnlyEmptySlots(t *testing.T) {
	_, err := chainOf(nil, nil, nil).Validate(context.Background(), buyerKey)
	assert.True(t, apperrors.IsType(err, apperrors.ErrNoSupportedPayment))
}

func TestNewChainWithoutPaymentsIsFree(t *testing.T) {
	c, err := NewPaymentChain(provider.Env{Seller: sellerKey}, nil, nil)
	require.NoError(t, err)
	defer c.Destroy()

	res, err := c.Validate(context.Background(), buyerKey)
	require.NoError(t, err)
	assert.Equal(t, model.ValidationFree, res.Type)
	assert.NoError(t, c.Buy(context.Background(), model.Seller{ID: sellerKey}, 10, nil))

	_, err = c.Value(model.Seller{ID: sellerKey, Payments: []model.PaymentDeclaration{{Currency: "EOS", Amount: "1", Interval: "1", Unit: "seconds"}}}, 10)
	assert.True(t, apperrors.IsType(err, apperrors.ErrUnsupportedPayment))
}

func TestNewChainLeavesUnsupportedSlotsEmpty(t *testing.T) {
	env := provider.Env{
		Seller:          sellerKey,
		ValidateTimeout: 50 * time.Millisecond,
		Ledgers:         map[provider.Kind]provider.Ledger{provider.KindEOS: backend.NewMemory()},
	}
	c, err := NewPaymentChain(env, []model.PaymentDeclaration{
		{Currency: "DOGE", Amount: "1", Interval: "1", Unit: "seconds"},
		{Currency: "EOS", Amount: "1", Interval: "1", Unit: "seconds"},
	}, nil)
	require.NoError(t, err)
	defer c.Destroy()

	require.Len(t, c.providers, 2)
	assert.Nil(t, c.providers[0])
	require.Len(t, c.Providers(), 1)
	assert.Equal(t, provider.KindEOS, c.Providers()[0].Kind())
}

func TestNewChainRejectsInvalidRate(t *testing.T) {
	env := provider.Env{
		Seller:  sellerKey,
		Ledgers: map[provider.Kind]provider.Ledger{provider.KindEOS: backend.NewMemory()},
	}
	_, err := NewPaymentChain(env, []model.PaymentDeclaration{{Currency: "EOS", Amount: "0", Interval: "1", Unit: "seconds"}}, nil)
	assert.True(t, apperrors.IsType(err, apperrors.ErrInvalidRate))

	_, err = NewPaymentChain(provider.Env{Seller: "zz"}, nil, nil)
	assert.True(t, apperrors.IsType(err, apperrors.ErrInvalidRequest))
}

func TestChainMetadata(t *testing.T) {
	c := chainOf(nil)
	tag, err := c.Metadata("BB02")
	require.NoError(t, err)
	assert.Equal(t, "paygate: aa01 bb02", tag)

	_, err = c.Metadata("")
	assert.True(t, apperrors.IsType(err, apperrors.ErrInvalidRequest))
}

func TestChainValueQuotesSupportedCurrencies(t *testing.T) {
	eos := &stubProvider{kind: provider.KindEOS, currency: "EOS"}
	lnd := &stubProvider{kind: provider.KindLnd, currency: "LightningSats"}
	seller := model.Seller{ID: sellerKey, Payments: []model.PaymentDeclaration{
		{Currency: "EOS", Amount: "0.6", Interval: "1", Unit: "minutes"},
		{Currency: "LightningSats", Amount: "3600", Interval: "1", Unit: "hours"},
		{Currency: "DOGE", Amount: "1", Interval: "1", Unit: "seconds"},
	}}

	opts, err := chainOf(nil, eos, lnd).Value(seller, 120)
	require.NoError(t, err)
	require.Len(t, opts, 2)
	assert.Equal(t, model.PaymentOption{Amount: "1.2", Currency: "EOS", Provider: "eos"}, opts[0])
	assert.Equal(t, model.PaymentOption{Amount: "120", Currency: "LightningSats", Provider: "lnd"}, opts[1])

	_, err = chainOf(nil, eos).Value(seller, 0)
	assert.True(t, apperrors.IsType(err, apperrors.ErrInvalidRequest))
}

func TestChainBuyPicksSupportingProvider(t *testing.T) {
	eos := &stubProvider{kind: provider.KindEOS, currency: "EOS"}
	lnd := &stubProvider{kind: provider.KindLnd, currency: "LightningSats"}
	c := chainOf(nil, eos, lnd)

	seller := model.Seller{ID: sellerKey, Payments: []model.PaymentDeclaration{{Currency: "LightningSats"}}}
	require.NoError(t, c.Buy(context.Background(), seller, 300, nil))
	assert.Empty(t, eos.bought)
	assert.Equal(t, []float64{300}, lnd.bought)

	err := c.Buy(context.Background(), model.Seller{ID: sellerKey, Payments: []model.PaymentDeclaration{{Currency: "DOGE"}}}, 1, nil)
	assert.True(t, apperrors.IsType(err, apperrors.ErrUnsupportedPayment))
}

func TestChainDestroyReachesEveryProvider(t *testing.T) {
	a, b := &stubProvider{}, &stubProvider{}
	chainOf(nil, a, nil, b).Destroy()
	assert.True(t, a.destroyed)
	assert.True(t, b.destroyed)
}

func TestChainEndToEndWithMemoryLedger(t *testing.T) {
	ledger := backend.NewMemory()
	env := provider.Env{
		Seller:          sellerKey,
		Local:           sellerKey,
		ValidateTimeout: time.Second,
		Ledgers:         map[provider.Kind]provider.Ledger{provider.KindEOS: ledger},
	}
	decl := model.PaymentDeclaration{Currency: "EOS", Amount: "1", Interval: "1", Unit: "seconds", PayTo: "seller"}
	c, err := NewPaymentChain(env, []model.PaymentDeclaration{decl}, nil)
	require.NoError(t, err)

	tag, err := c.Metadata(buyerKey)
	require.NoError(t, err)
	require.NoError(t, ledger.Publish(context.Background(), model.PaymentEvent{
		ID: "tx1", Tag: tag, Amount: 30, ObservedAt: time.Now().UnixMilli(),
	}))

	res, err := c.Validate(context.Background(), buyerKey)
	require.NoError(t, err)
	assert.Equal(t, "eos", res.Provider)
	assert.Greater(t, res.Remaining, int64(25_000))

	c.Destroy()
	_, err = c.Validate(context.Background(), buyerKey)
	assert.True(t, apperrors.IsType(err, apperrors.ErrNoSupportedPayment))
	assert.ErrorIs(t, err, apperrors.NewShuttingDown())
}
