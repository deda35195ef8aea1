package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/streamgate/paygate/internal/backend"
	"github.com/streamgate/paygate/internal/config"
	"github.com/streamgate/paygate/internal/metadata"
	"github.com/streamgate/paygate/internal/middleware"
	"github.com/streamgate/paygate/internal/model"
	"github.com/streamgate/paygate/internal/pkg/logger"
	"github.com/streamgate/paygate/internal/provider"
	"github.com/streamgate/paygate/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sellerKey = "aa01"
	buyerKey  = "bb02"
	adminKey  = "admin"
)

var eosPerSecond = model.PaymentDeclaration{Currency: "EOS", Amount: "0.01", Interval: "1", Unit: "seconds", PayTo: "streamer1111"}

func init() {
	gin.SetMode(gin.TestMode)
	logger.InitWithWriter("error", io.Discard)
}

type fixture struct {
	router    *gin.Engine
	ledger    *backend.Memory
	gateway   *service.GatewayService
	decisions *service.DecisionService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger := backend.NewMemory()
	decisions, err := service.NewDecisionService("", nil)
	require.NoError(t, err)
	env := provider.Env{
		ValidateTimeout: 200 * time.Millisecond,
		Ledgers:         map[provider.Kind]provider.Ledger{provider.KindEOS: ledger},
	}
	gw, err := service.NewGatewayService(env, model.Seller{ID: sellerKey, Payments: []model.PaymentDeclaration{eosPerSecond}}, decisions)
	require.NoError(t, err)
	t.Cleanup(func() {
		gw.Close()
		decisions.Close()
	})

	cfg := &config.Config{Auth: config.AuthConfig{AdminKey: adminKey}}
	entitlements := NewEntitlementHandler(gw)

	r := gin.New()
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.RequestID())
	v1 := r.Group("/v1")
	v1.GET("/seller", entitlements.Seller)
	v1.GET("/value", entitlements.Value)
	v1.GET("/buyers/:buyer/validate", entitlements.Validate)
	v1.GET("/buyers/:buyer/metadata", entitlements.Metadata)

	admin := v1.Group("")
	admin.Use(middleware.AdminMiddleware(cfg))
	admin.Use(middleware.IdempotencyMiddleware(middleware.NewInMemIdempotencyStore(time.Hour)))
	admin.POST("/buy", entitlements.Buy)
	admin.POST("/quote", entitlements.Quote)
	admin.GET("/decisions", NewDecisionHandler(decisions).List)

	return &fixture{router: r, ledger: ledger, gateway: gw, decisions: decisions}
}

func (f *fixture) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSellerCard(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/v1/seller", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.HeaderRequestID))

	var card model.Seller
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &card))
	assert.Equal(t, sellerKey, card.ID)
	require.Len(t, card.Payments, 1)
	assert.Equal(t, "EOS", card.Payments[0].Currency)
}

func TestValidateRejectsThenAcceptsFundedBuyer(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/v1/buyers/"+buyerKey+"/validate", nil, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "NO_SUPPORTED_PAYMENT", body["code"])
	assert.Contains(t, body["message"], "no time left")

	require.NoError(t, f.ledger.Publish(context.Background(), model.PaymentEvent{
		ID:         "tx-1",
		Tag:        metadata.Tag(sellerKey, buyerKey),
		Amount:     1,
		ObservedAt: time.Now().UnixMilli(),
	}))

	require.Eventually(t, func() bool {
		return f.do(http.MethodGet, "/v1/buyers/"+buyerKey+"/validate", nil, nil).Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	var res model.Validation
	rec = f.do(http.MethodGet, "/v1/buyers/"+buyerKey+"/validate", nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, model.ValidationTime, res.Type)
	assert.Greater(t, res.Remaining, int64(90_000))
}

func TestValidateRejectsMalformedBuyer(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/v1/buyers/not-a-key/validate", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decode(t, rec)["code"])
}

func TestMetadataReturnsPairTag(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/v1/buyers/BB02/metadata", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, metadata.Tag(sellerKey, buyerKey), decode(t, rec)["metadata"])
}

func TestValueQuotesOwnStream(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/v1/value?seconds=60", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Seconds int64                 `json:"seconds"`
		Options []model.PaymentOption `json:"options"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Options, 1)
	assert.Equal(t, "0.6", out.Options[0].Amount)
	assert.Equal(t, "EOS", out.Options[0].Currency)

	for _, q := range []string{"", "?seconds=0", "?seconds=abc", "?seconds=90000"} {
		rec = f.do(http.MethodGet, "/v1/value"+q, nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestBuyRequiresAdminKey(t *testing.T) {
	f := newFixture(t)
	req := buyRequest{Seller: model.Seller{ID: "cc03", Payments: []model.PaymentDeclaration{eosPerSecond}}, Amount: 1}

	rec := f.do(http.MethodPost, "/v1/buy", req, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.do(http.MethodPost, "/v1/buy", req, map[string]string{middleware.HeaderAdminKey: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/v1/buy", req, map[string]string{middleware.HeaderAdminKey: adminKey})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	snap, err := f.ledger.Synchronize(context.Background(), metadata.Tag("cc03", sellerKey))
	require.NoError(t, err)
	require.Len(t, snap.Events, 1)
	assert.Equal(t, 1.0, snap.Events[0].Amount)
}

func TestBuyReplaysIdempotentRequest(t *testing.T) {
	f := newFixture(t)
	req := buyRequest{Seller: model.Seller{ID: "cc03", Payments: []model.PaymentDeclaration{eosPerSecond}}, Amount: 2}
	headers := map[string]string{middleware.HeaderAdminKey: adminKey, middleware.HeaderIdempotencyKey: "buy-1"}

	first := f.do(http.MethodPost, "/v1/buy", req, headers)
	require.Equal(t, http.StatusOK, first.Code)
	second := f.do(http.MethodPost, "/v1/buy", req, headers)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())

	snap, err := f.ledger.Synchronize(context.Background(), metadata.Tag("cc03", sellerKey))
	require.NoError(t, err)
	assert.Len(t, snap.Events, 1)
}

func TestBuyRejectsBadBodies(t *testing.T) {
	f := newFixture(t)
	headers := map[string]string{middleware.HeaderAdminKey: adminKey}

	rec := f.do(http.MethodPost, "/v1/buy", buyRequest{Seller: model.Seller{ID: "cc03", Payments: []model.PaymentDeclaration{eosPerSecond}}}, headers)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/v1/buy", buyRequest{Seller: model.Seller{ID: "cc03"}, Amount: 1}, headers)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "UNSUPPORTED_PAYMENT", decode(t, rec)["code"])
}

func TestQuoteRemoteSeller(t *testing.T) {
	f := newFixture(t)
	headers := map[string]string{middleware.HeaderAdminKey: adminKey}
	rec := f.do(http.MethodPost, "/v1/quote", quoteRequest{
		Seller:  model.Seller{ID: "cc03", Payments: []model.PaymentDeclaration{eosPerSecond}},
		Seconds: 120,
	}, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	opts := decode(t, rec)["options"].([]any)
	require.Len(t, opts, 1)
	assert.Equal(t, "1.2", opts[0].(map[string]any)["amount"])
}

func TestDecisionsListFiltersByBuyer(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodGet, "/v1/buyers/"+buyerKey+"/validate", nil, nil)
	f.do(http.MethodGet, "/v1/buyers/dd04/validate", nil, nil)

	headers := map[string]string{middleware.HeaderAdminKey: adminKey}
	rec := f.do(http.MethodGet, "/v1/decisions?buyer="+buyerKey, nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)

	var records []model.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, buyerKey, records[0].BuyerID)
	assert.Equal(t, model.DecisionRejected, records[0].Result)

	rec = f.do(http.MethodGet, "/v1/decisions?from=yesterday", nil, headers)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseTime(t *testing.T) {
	got, err := parseTime("2026-01-02T03:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, 2026, got.Year())

	got, err = parseTime("1700000000")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), got.Unix())

	_, err = parseTime("soon")
	assert.Error(t, err)
}
