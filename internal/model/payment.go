package model

// PaymentDeclaration is one payment method a seller advertises, e.g.
// {currency: "LightningSats", amount: "60", interval: "1", unit: "minutes"}.
// Rate is the free-form alternative ("50 Sat/s", "0.00000001 BTC/s").
type PaymentDeclaration struct {
	Currency string `json:"currency" mapstructure:"currency"`
	Amount   string `json:"amount,omitempty" mapstructure:"amount"`
	Interval string `json:"interval,omitempty" mapstructure:"interval"`
	Unit     string `json:"unit,omitempty" mapstructure:"unit"`
	Label    string `json:"label,omitempty" mapstructure:"label"`
	PayTo    string `json:"pay_to,omitempty" mapstructure:"pay_to"`
	Rate     string `json:"rate,omitempty" mapstructure:"rate"`
}

// Seller identifies a seller session and the payment methods it accepts.
type Seller struct {
	ID       string               `json:"id"` // hex public key
	Payments []PaymentDeclaration `json:"payment"`
}

// PaymentEvent is a single observed payment credited to one buyer/seller pair.
// ObservedAt is unix milliseconds. ID is the backend's idempotency key when it has one.
type PaymentEvent struct {
	ID         string  `json:"id,omitempty"`
	Tag        string  `json:"tag,omitempty"`
	Amount     float64 `json:"amount"`
	ObservedAt int64   `json:"observed_at"`
}

// Validation is the accept decision returned to a seller.
type Validation struct {
	Type      string `json:"type"` // "free" or "time"
	Remaining int64  `json:"remaining,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

const (
	ValidationFree = "free"
	ValidationTime = "time"
)

// PaymentOption is a priced quote for a duration in one currency.
type PaymentOption struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Provider string `json:"provider"`
}

// BuyAuth carries the buyer-side credentials a provider may need to pay.
type BuyAuth map[string]string
