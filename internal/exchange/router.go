package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streamgate/paygate/internal/pkg/apperrors"
	"github.com/streamgate/paygate/internal/pkg/logger"
	"github.com/streamgate/paygate/internal/pkg/metrics"
)

var ErrNoPeers = errors.New("no connected peers")

// ErrNotClaimed is returned by a handler for a message addressed to someone
// else. An invoice no handler claims is unrecognised.
var ErrNotClaimed = errors.New("message not claimed")

// Peer is one live connection to a remote buyer or seller.
type Peer interface {
	RemoteKey() string
	Send(ctx context.Context, frame []byte) error
}

// Handler processes one inbound message from a peer.
type Handler func(ctx context.Context, from Peer, env Envelope) error

type registration struct {
	id uint64
	h  Handler
}

// Router dispatches inbound frames by message type and fans outbound
// messages to connected peers.
type Router struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	nextID   uint64
	peers    map[string]Peer
	log      *slog.Logger
}

func NewRouter() *Router {
	return &Router{
		handlers: make(map[string][]registration),
		peers:    make(map[string]Peer),
		log:      logger.Component("exchange"),
	}
}

// Handle registers h for msgType. Several handlers may share a type. The
// returned func removes h; calling it again is a no-op.
func (r *Router) Handle(msgType string, h Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.handlers[msgType] = append(r.handlers[msgType], registration{id: id, h: h})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		regs := r.handlers[msgType]
		for i, reg := range regs {
			if reg.id != id {
				continue
			}
			kept := make([]registration, 0, len(regs)-1)
			kept = append(kept, regs[:i]...)
			kept = append(kept, regs[i+1:]...)
			if len(kept) == 0 {
				delete(r.handlers, msgType)
			} else {
				r.handlers[msgType] = kept
			}
			return
		}
	}
}

// Handlers reports how many handlers are registered for msgType.
func (r *Router) Handlers(msgType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[msgType])
}

// Attach makes p reachable by Broadcast. A second peer with the same key
// replaces the first.
func (r *Router) Attach(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.RemoteKey()] = p
}

// Detach drops p if it is still the peer registered under its key.
func (r *Router) Detach(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.peers[p.RemoteKey()]; ok && cur == p {
		delete(r.peers, p.RemoteKey())
	}
}

func (r *Router) Peers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Dispatch decodes frame and runs every handler for its type. Handler
// failures are logged and counted; unrecognised invoices are expected
// traffic and never abort the connection.
func (r *Router) Dispatch(ctx context.Context, from Peer, frame []byte) error {
	env, err := Decode(frame)
	if err != nil {
		metrics.InvoiceMessages.WithLabelValues("unknown", "malformed").Inc()
		return err
	}

	r.mu.RLock()
	regs := r.handlers[env.Type]
	r.mu.RUnlock()

	var errs []error
	claimed := false
	for _, reg := range regs {
		err := reg.h(ctx, from, env)
		if errors.Is(err, ErrNotClaimed) {
			continue
		}
		claimed = true
		if err != nil {
			result := "error"
			if apperrors.IsType(err, apperrors.ErrUnrecognisedInvoice) {
				result = "unrecognised"
			}
			metrics.InvoiceMessages.WithLabelValues(env.Type, result).Inc()
			r.log.Warn("message handler failed", "type", env.Type, "peer", from.RemoteKey(), "error", err)
			errs = append(errs, err)
			continue
		}
		metrics.InvoiceMessages.WithLabelValues(env.Type, "ok").Inc()
	}
	if !claimed {
		return r.unclaimed(from, env)
	}
	return errors.Join(errs...)
}

func (r *Router) unclaimed(from Peer, env Envelope) error {
	if env.Type != TypeInvoice {
		metrics.InvoiceMessages.WithLabelValues(env.Type, "unhandled").Inc()
		r.log.Debug("no handler for message", "type", env.Type, "peer", from.RemoteKey())
		return nil
	}
	metrics.InvoiceMessages.WithLabelValues(env.Type, "unrecognised").Inc()
	r.log.Warn("invoice matches no outstanding request", "peer", from.RemoteKey())
	return apperrors.NewUnrecognisedInvoice(nil)
}

// Send encodes payload and writes it to one peer.
func (r *Router) Send(ctx context.Context, to Peer, msgType string, payload any) error {
	frame, err := Encode(msgType, payload)
	if err != nil {
		return err
	}
	if err := to.Send(ctx, frame); err != nil {
		return fmt.Errorf("send %s to %s: %w", msgType, to.RemoteKey(), err)
	}
	return nil
}

// Broadcast sends to every attached peer.
func (r *Router) Broadcast(ctx context.Context, msgType string, payload any) error {
	peers := r.Peers()
	if len(peers) == 0 {
		return ErrNoPeers
	}
	frame, err := Encode(msgType, payload)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range peers {
		if err := p.Send(ctx, frame); err != nil {
			errs = append(errs, fmt.Errorf("send %s to %s: %w", msgType, p.RemoteKey(), err))
		}
	}
	return errors.Join(errs...)
}
