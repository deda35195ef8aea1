package exchange

import "sync"

// PendingRequest is an invoice the buyer has asked for and will pay.
type PendingRequest struct {
	Buyer  string
	Seller string
	Amount int64
}

// Pending holds outstanding requests. Each one matches at most one invoice.
type Pending struct {
	mu   sync.Mutex
	reqs []PendingRequest
}

func (p *Pending) Add(req PendingRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
}

// Consume removes the first request equal to req and reports whether one
// was found.
func (p *Pending) Consume(req PendingRequest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.reqs {
		if r == req {
			p.reqs = append(p.reqs[:i], p.reqs[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}
