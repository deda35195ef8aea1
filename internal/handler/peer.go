package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/streamgate/paygate/internal/exchange"
	"github.com/streamgate/paygate/internal/pkg/logger"
	"github.com/streamgate/paygate/internal/transport"
)

// PeerHandler accepts invoice exchange links from other nodes.
type PeerHandler struct {
	ctx      context.Context
	router   *exchange.Router
	localKey string
}

// NewPeerHandler ties accepted links to ctx, which should live as long as
// the node; hijacked connections outlive http.Server.Shutdown.
func NewPeerHandler(ctx context.Context, router *exchange.Router, localKey string) *PeerHandler {
	return &PeerHandler{ctx: ctx, router: router, localKey: localKey}
}

func (h *PeerHandler) Serve(c *gin.Context) {
	conn, err := transport.Accept(c.Writer, c.Request, h.localKey)
	if err != nil {
		logger.Warn("peer link refused", "error", err, "client_ip", c.ClientIP())
		return
	}
	logger.Info("peer linked", "peer", conn.RemoteKey())
	if err := conn.Run(h.ctx, h.router); err != nil {
		logger.Debug("peer link closed", "peer", conn.RemoteKey(), "error", err)
	}
}
