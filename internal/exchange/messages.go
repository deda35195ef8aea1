// Package exchange carries the buyer/seller invoice negotiation used by
// Lightning payments: the buyer asks for an invoice, the seller issues one
// tagged for the pair, the buyer pays it only if it was expected.
package exchange

import (
	"github.com/streamgate/paygate/internal/metadata"
	"github.com/streamgate/paygate/internal/pkg/apperrors"
)

const (
	TypePayRequest = "pay-request"
	TypeInvoice    = "invoice"
)

// BuyerInfo tells the seller how to reach the buyer's node.
type BuyerInfo struct {
	ID      string `cbor:"id"`
	Address string `cbor:"address,omitempty"`
}

// PayRequest asks the seller for an invoice of Amount satoshis.
type PayRequest struct {
	Amount    int64     `cbor:"amount"`
	BuyerInfo BuyerInfo `cbor:"buyer_info"`
}

// InvoiceMessage answers a PayRequest.
type InvoiceMessage struct {
	Request string `cbor:"request"`
	Amount  int64  `cbor:"amount"`
}

// ParseDescription extracts the seller and buyer keys from an invoice
// description written by metadata.Tag.
func ParseDescription(description string) (seller, buyer string, err error) {
	seller, buyer, err = metadata.Parse(description)
	if err != nil {
		return "", "", apperrors.NewUnrecognisedInvoice(err)
	}
	return seller, buyer, nil
}
