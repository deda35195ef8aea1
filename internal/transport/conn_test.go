package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/streamgate/paygate/internal/exchange"
	"github.com/streamgate/paygate/internal/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.InitWithWriter("error", io.Discard)
}

func serve(t *testing.T, localKey string, router *exchange.Router) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, localKey)
		if err != nil {
			return
		}
		_ = conn.Run(r.Context(), router)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestLinkCarriesFramesBothWays(t *testing.T) {
	sellerRouter := exchange.NewRouter()
	got := make(chan exchange.PayRequest, 1)
	sellerRouter.Handle(exchange.TypePayRequest, func(ctx context.Context, from exchange.Peer, env exchange.Envelope) error {
		var req exchange.PayRequest
		if err := env.Unmarshal(&req); err != nil {
			return err
		}
		got <- req
		return sellerRouter.Send(ctx, from, exchange.TypeInvoice, exchange.InvoiceMessage{Request: "lnbc1", Amount: req.Amount})
	})
	url := serve(t, "aa", sellerRouter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn, err := Dial(ctx, url, "bb")
	require.NoError(t, err)
	assert.Equal(t, "aa", conn.RemoteKey())

	buyerRouter := exchange.NewRouter()
	invoices := make(chan exchange.InvoiceMessage, 1)
	buyerRouter.Handle(exchange.TypeInvoice, func(_ context.Context, _ exchange.Peer, env exchange.Envelope) error {
		var inv exchange.InvoiceMessage
		if err := env.Unmarshal(&inv); err != nil {
			return err
		}
		invoices <- inv
		return nil
	})
	go conn.Run(ctx, buyerRouter)

	require.Eventually(t, func() bool { return len(buyerRouter.Peers()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, buyerRouter.Broadcast(ctx, exchange.TypePayRequest, exchange.PayRequest{Amount: 21}))

	select {
	case req := <-got:
		assert.Equal(t, int64(21), req.Amount)
	case <-time.After(2 * time.Second):
		t.Fatal("seller never saw the request")
	}
	select {
	case inv := <-invoices:
		assert.Equal(t, "lnbc1", inv.Request)
		assert.Equal(t, int64(21), inv.Amount)
	case <-time.After(2 * time.Second):
		t.Fatal("buyer never saw the invoice")
	}
	require.Eventually(t, func() bool { return len(sellerRouter.Peers()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "bb", sellerRouter.Peers()[0].RemoteKey())
}

func TestAcceptRejectsMissingKey(t *testing.T) {
	url := serve(t, "aa", exchange.NewRouter())
	_, err := Dial(context.Background(), url, "")
	assert.Error(t, err)
}

func TestRunDetachesOnCancel(t *testing.T) {
	url := serve(t, "aa", exchange.NewRouter())
	ctx, cancel := context.WithCancel(context.Background())
	conn, err := Dial(ctx, url, "bb")
	require.NoError(t, err)

	router := exchange.NewRouter()
	done := make(chan struct{})
	go func() {
		_ = conn.Run(ctx, router)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(router.Peers()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.Empty(t, router.Peers())
	assert.ErrorIs(t, conn.Send(context.Background(), []byte{1}), ErrConnClosed)
}
