package transport

import (
	"context"
	"time"

	"github.com/streamgate/paygate/internal/exchange"
	"github.com/streamgate/paygate/internal/pkg/logger"
)

const (
	ReconnBaseDelay = 1 * time.Second
	ReconnMaxDelay  = 30 * time.Second
)

// Maintain keeps a link to url attached to router, redialing with
// exponential backoff until ctx ends.
func Maintain(ctx context.Context, url, localKey string, router *exchange.Router) {
	log := logger.Component("transport", "url", url)
	delay := ReconnBaseDelay

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := Dial(ctx, url, localKey)
		if err != nil {
			log.Error("peer connection failed", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > ReconnMaxDelay {
				delay = ReconnMaxDelay
			}
			continue
		}

		delay = ReconnBaseDelay
		log.Info("peer connected", "peer", conn.RemoteKey())
		if err := conn.Run(ctx, router); err != nil {
			log.Warn("peer disconnected", "peer", conn.RemoteKey(), "error", err)
		}
	}
}
