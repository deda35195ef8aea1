package service

import (
	"context"
	"sync"

	"github.com/streamgate/paygate/internal/metadata"
	"github.com/streamgate/paygate/internal/model"
	"github.com/streamgate/paygate/internal/pkg/apperrors"
	"github.com/streamgate/paygate/internal/pkg/logger"
	"github.com/streamgate/paygate/internal/provider"
)

// GatewayService is the node-level entry point. It validates buyers of this
// node's own stream and pays remote sellers on the node's behalf.
type GatewayService struct {
	env       provider.Env
	self      model.Seller
	chain     *PaymentChain
	decisions DecisionRecorder
	guard     *SpendGuard

	mu     sync.Mutex
	buyers map[string]*PaymentChain // key: remote seller id
	closed bool
}

type GatewayOption func(*GatewayService)

// WithSpendGuard checks and books every Buy against g.
func WithSpendGuard(g *SpendGuard) GatewayOption {
	return func(s *GatewayService) { s.guard = g }
}

// NewGatewayService builds the seller chain for self. env.Local must be
// this node's key; env.Seller is ignored and set per chain.
func NewGatewayService(env provider.Env, self model.Seller, decisions DecisionRecorder, opts ...GatewayOption) (*GatewayService, error) {
	key, err := metadata.NormalizeKey(self.ID)
	if err != nil {
		return nil, apperrors.NewInvalidRequest("seller id: " + err.Error())
	}
	self.ID = key
	env.Local = key

	sellerEnv := env
	sellerEnv.Seller = key
	chain, err := NewPaymentChain(sellerEnv, self.Payments, decisions)
	if err != nil {
		return nil, err
	}
	logger.Info("payment chain ready", "seller", key, "providers", len(chain.Providers()), "declared", len(self.Payments))

	s := &GatewayService{
		env:       env,
		self:      self,
		chain:     chain,
		decisions: decisions,
		buyers:    make(map[string]*PaymentChain),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Self is this node's seller card.
func (s *GatewayService) Self() model.Seller {
	return s.self
}

func (s *GatewayService) Validate(ctx context.Context, buyer string) (*model.Validation, error) {
	return s.chain.Validate(ctx, buyer)
}

func (s *GatewayService) Metadata(buyer string) (string, error) {
	return s.chain.Metadata(buyer)
}

// Value quotes seconds of this node's own stream.
func (s *GatewayService) Value(seconds int64) ([]model.PaymentOption, error) {
	return s.chain.Value(s.self, seconds)
}

// Quote prices seconds of a remote seller's stream in the methods this
// node can pay with.
func (s *GatewayService) Quote(seller model.Seller, seconds int64) ([]model.PaymentOption, error) {
	chain, err := s.buyerChain(seller)
	if err != nil {
		return nil, err
	}
	return chain.Value(seller, seconds)
}

// Buy pays a remote seller.
func (s *GatewayService) Buy(ctx context.Context, seller model.Seller, amount float64, auth model.BuyAuth) error {
	chain, err := s.buyerChain(seller)
	if err != nil {
		return err
	}
	if s.guard != nil {
		if err := s.guard.Check(ctx, chain.Seller(), amount); err != nil {
			return err
		}
	}
	if err := chain.Buy(ctx, seller, amount, auth); err != nil {
		logger.LogError(ctx, err, "buy failed", "seller", chain.Seller(), "amount", amount)
		return err
	}
	if s.guard != nil {
		s.guard.Record(ctx, chain.Seller(), amount)
	}
	logger.Info("payment sent", "seller", chain.Seller(), "amount", amount)
	return nil
}

// buyerChain lazily builds the chain used to pay seller. The first card
// seen for a seller fixes its providers.
func (s *GatewayService) buyerChain(seller model.Seller) (*PaymentChain, error) {
	key, err := metadata.NormalizeKey(seller.ID)
	if err != nil {
		return nil, apperrors.NewInvalidRequest("seller id: " + err.Error())
	}
	if len(seller.Payments) == 0 {
		return nil, apperrors.New(apperrors.ErrUnsupportedPayment, "seller advertises no payment methods", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, apperrors.NewShuttingDown()
	}
	if chain, ok := s.buyers[key]; ok {
		return chain, nil
	}

	env := s.env
	env.Seller = key
	chain, err := NewPaymentChain(env, seller.Payments, nil)
	if err != nil {
		return nil, err
	}
	s.buyers[key] = chain
	return chain, nil
}

// Close destroys every chain; in-flight validations fail with SHUTTING_DOWN.
func (s *GatewayService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	buyers := s.buyers
	s.buyers = nil
	s.mu.Unlock()

	s.chain.Destroy()
	for _, c := range buyers {
		c.Destroy()
	}
}
