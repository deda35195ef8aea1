package lightning

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/streamgate/paygate/internal/backend"
	"github.com/streamgate/paygate/internal/model"
)

const (
	requestPrefix = "lnbc"
	// settlement claims outlive any invoice a buyer would still pay
	claimTTL = 7 * 24 * time.Hour
)

// Bus stores settled payments and fans them out to subscribers.
// backend.Memory and the Redis stream ledger both satisfy it.
type Bus interface {
	backend.Source
	Publish(ctx context.Context, ev model.PaymentEvent) error
}

// Claimer is implemented by buses shared between processes. A settlement is
// published only by the node that claims the invoice first.
type Claimer interface {
	Claim(ctx context.Context, id string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, id string) error
}

// invoicePayload is what a payment request encodes. Requests are
// self-describing so a node can decode and pay invoices issued by a node in
// another process.
type invoicePayload struct {
	Payee       string `cbor:"1,keyasint"`
	Description string `cbor:"2,keyasint"`
	Msat        int64  `cbor:"3,keyasint"`
	Label       string `cbor:"4,keyasint,omitempty"`
	Created     int64  `cbor:"5,keyasint"`
	Nonce       string `cbor:"6,keyasint"`
}

func encodeRequest(p invoicePayload) (string, error) {
	raw, err := cbor.Marshal(p)
	if err != nil {
		return "", err
	}
	return requestPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeRequest(request string) (invoicePayload, error) {
	var p invoicePayload
	body, ok := strings.CutPrefix(request, requestPrefix)
	if !ok {
		return p, ErrUnknownInvoice
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrUnknownInvoice, err)
	}
	if err := cbor.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrUnknownInvoice, err)
	}
	if p.Payee == "" || p.Msat <= 0 {
		return p, ErrUnknownInvoice
	}
	return p, nil
}

// Network routes payments between bridge nodes. A payment to a node joined
// here settles on that node's bus; a payment to any other node settles on
// the payer's bus, which nodes in different processes share (one Redis
// stream), with the bus's Claimer keeping settlement single.
type Network struct {
	mu    sync.Mutex
	nodes map[string]*BridgeNode
	paid  map[string]struct{}
	now   func() time.Time
}

func NewNetwork() *Network {
	return &Network{
		nodes: make(map[string]*BridgeNode),
		paid:  make(map[string]struct{}),
		now:   time.Now,
	}
}

// Join registers a node. implementation picks the amount and labelling
// conventions of lnd or c-lightning.
func (n *Network) Join(id, address, implementation string, bus Bus) (*BridgeNode, error) {
	switch implementation {
	case ImplementationLnd, ImplementationCLightning:
	default:
		return nil, fmt.Errorf("unrecognised lightning node %q: specify lnd or c-lightning", implementation)
	}
	id = strings.ToLower(id)

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.nodes[id]; ok {
		return nil, fmt.Errorf("node %s already joined", id)
	}
	node := &BridgeNode{
		id:             id,
		address:        address,
		implementation: implementation,
		net:            n,
		bus:            bus,
		peers:          make(map[string]struct{}),
		labels:         make(map[string]struct{}),
	}
	n.nodes[id] = node
	return node, nil
}

func (n *Network) node(id string) (*BridgeNode, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	node, ok := n.nodes[id]
	return node, ok
}

// BridgeNode is a Lightning node whose settlements are payment events on a bus.
type BridgeNode struct {
	id             string
	address        string
	implementation string
	net            *Network
	bus            Bus

	mu     sync.Mutex
	peers  map[string]struct{}
	labels map[string]struct{}
}

func (b *BridgeNode) Implementation() string {
	return b.implementation
}

func (b *BridgeNode) Info() NodeInfo {
	return NodeInfo{ID: b.id, Address: b.address}
}

func (b *BridgeNode) NodeID(context.Context) (string, error) {
	return b.id, nil
}

// Connect records peer. Peers in other processes are accepted unseen.
func (b *BridgeNode) Connect(_ context.Context, peer NodeInfo) error {
	id := strings.ToLower(strings.TrimSpace(peer.ID))
	if id == "" {
		return fmt.Errorf("%w: empty node id", ErrUnknownPeer)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.peers[id]; ok {
		return ErrAlreadyConnected
	}
	b.peers[id] = struct{}{}
	return nil
}

func (b *BridgeNode) AddInvoice(_ context.Context, description string, amount int64) (Invoice, error) {
	if amount <= 0 {
		return Invoice{}, ErrInvalidAmount
	}
	created := b.net.now().UnixMilli()
	p := invoicePayload{
		Payee:       b.id,
		Description: description,
		Msat:        amount * 1000,
		Created:     created,
		Nonce:       uuid.NewString(),
	}
	if b.implementation == ImplementationCLightning {
		// labels are unique per node; bump the stamp on a same-millisecond repeat
		b.mu.Lock()
		for ts := created; ; ts++ {
			p.Label = InvoiceLabel(description, ts)
			if _, dup := b.labels[p.Label]; !dup {
				break
			}
		}
		b.labels[p.Label] = struct{}{}
		b.mu.Unlock()
	}

	request, err := encodeRequest(p)
	if err != nil {
		return Invoice{}, fmt.Errorf("encode invoice: %w", err)
	}
	return Invoice{Request: request, Description: description, Amount: amount, Label: p.Label}, nil
}

func (b *BridgeNode) DecodePayReq(_ context.Context, request string) (Invoice, error) {
	p, err := decodeRequest(request)
	if err != nil {
		return Invoice{}, err
	}
	return Invoice{
		Request:     request,
		Description: p.Description,
		Amount:      p.Msat / 1000,
		Label:       p.Label,
	}, nil
}

func (b *BridgeNode) PayInvoice(ctx context.Context, request string) error {
	p, err := decodeRequest(request)
	if err != nil {
		return err
	}
	bus := b.bus
	if payee, ok := b.net.node(p.Payee); ok {
		bus = payee.bus
	}

	release, err := b.claim(ctx, bus, request)
	if err != nil {
		return err
	}
	err = bus.Publish(ctx, model.PaymentEvent{
		ID:         request,
		Tag:        p.Description,
		Amount:     float64(p.Msat) / 1000,
		ObservedAt: b.net.now().UnixMilli(),
	})
	if err != nil {
		release()
		return fmt.Errorf("settle invoice: %w", err)
	}
	return nil
}

// claim marks request paid on this network and, when bus is shared, on the
// bus. The returned func undoes both.
func (b *BridgeNode) claim(ctx context.Context, bus Bus, request string) (func(), error) {
	b.net.mu.Lock()
	if _, done := b.net.paid[request]; done {
		b.net.mu.Unlock()
		return nil, ErrInvoicePaid
	}
	b.net.paid[request] = struct{}{}
	b.net.mu.Unlock()

	unmark := func() {
		b.net.mu.Lock()
		delete(b.net.paid, request)
		b.net.mu.Unlock()
	}

	claimer, shared := bus.(Claimer)
	if !shared {
		return unmark, nil
	}
	first, err := claimer.Claim(ctx, request, claimTTL)
	if err != nil {
		unmark()
		return nil, fmt.Errorf("claim invoice: %w", err)
	}
	if !first {
		return nil, ErrInvoicePaid
	}
	return func() {
		unmark()
		_ = claimer.Release(context.Background(), request)
	}, nil
}

func (b *BridgeNode) Synchronize(ctx context.Context, tag string) (backend.Snapshot, error) {
	return b.bus.Synchronize(ctx, tag)
}

func (b *BridgeNode) Subscribe(ctx context.Context, tag string) (backend.Subscription, error) {
	return b.bus.Subscribe(ctx, tag)
}
