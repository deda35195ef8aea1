package rate

import (
	"testing"

	"github.com/streamgate/paygate/internal/model"
	"github.com/streamgate/paygate/internal/pkg/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseString(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"0.00000001 BTC/s", 1},
		{"50 Sat/s", 50},
		{"50 sat/s", 50},
		{"  2 btc / s ", 200000000},
		{"1.5 Sat/s", 1.5},
	}
	for _, tc := range cases {
		r, err := ParseString(tc.in)
		require.NoError(t, err, tc.in)
		assert.InDelta(t, tc.want, r.PerSecond(), 1e-9, tc.in)
	}
}

func TestParseStringRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "50", "50 EUR/s", "Sat/s", "0 Sat/s", "-1 Sat/s", "5 Sat/min"} {
		_, err := ParseString(in)
		assert.True(t, apperrors.IsType(err, apperrors.ErrInvalidRate), "input %q", in)
	}
}

func TestParseStructured(t *testing.T) {
	r, err := Parse(model.PaymentDeclaration{Currency: "LightningSats", Amount: "120", Interval: "2", Unit: "minutes"})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, r.PerSecond(), 1e-12)

	r, err = Parse(model.PaymentDeclaration{Currency: "LightningBTC", Amount: "0.000036", Interval: "1", Unit: "hours"})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, r.PerSecond(), 1e-9)

	r, err = Parse(model.PaymentDeclaration{Currency: "EOS", Amount: "0.0001", Interval: "1", Unit: "seconds"})
	require.NoError(t, err)
	assert.InDelta(t, 0.0001, r.PerSecond(), 1e-12)
}

func TestParseStructuredFallsBackToRateString(t *testing.T) {
	r, err := Parse(model.PaymentDeclaration{Currency: "LightningSats", Rate: "50 Sat/s"})
	require.NoError(t, err)
	assert.Equal(t, 50.0, r.PerSecond())
}

func TestParseStructuredErrors(t *testing.T) {
	bad := []model.PaymentDeclaration{
		{Currency: "EOS", Amount: "1", Interval: "1", Unit: "days"},
		{Currency: "EOS", Amount: "0", Interval: "1", Unit: "seconds"},
		{Currency: "EOS", Amount: "abc", Interval: "1", Unit: "seconds"},
		{Currency: "EOS", Amount: "1", Interval: "0", Unit: "seconds"},
		{Currency: "EOS", Amount: "1", Unit: "seconds"},
	}
	for _, decl := range bad {
		_, err := Parse(decl)
		assert.True(t, apperrors.IsType(err, apperrors.ErrInvalidRate), "decl %+v", decl)
	}
}

func TestNewRejectsNonFinite(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)
	_, err = New(-3)
	assert.Error(t, err)
}

func TestQuote(t *testing.T) {
	q, err := Quote(model.PaymentDeclaration{Currency: "EOS", Amount: "0.6", Interval: "1", Unit: "minutes"}, 120)
	require.NoError(t, err)
	assert.Equal(t, "1.2", q.String())
}

func TestQuoteFreeFormRateInSats(t *testing.T) {
	q, err := Quote(model.PaymentDeclaration{Currency: "LightningBTC", Rate: "0.00000002 BTC/s"}, 60)
	require.NoError(t, err)
	assert.Equal(t, "120", q.String())

	_, err = Quote(model.PaymentDeclaration{Currency: "LightningSats", Rate: "fast"}, 60)
	assert.Error(t, err)
}
