// Package transport carries exchange frames between buyer and seller nodes
// over websockets.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/streamgate/paygate/internal/exchange"
	"github.com/streamgate/paygate/internal/metadata"
	"github.com/streamgate/paygate/internal/pkg/logger"
)

const (
	// KeyHeader carries each side's hex identity during the handshake.
	KeyHeader = "X-Paygate-Key"

	PingPeriod   = 15 * time.Second // keep-alive interval
	readTimeout  = PingPeriod + 10*time.Second
	writeTimeout = 10 * time.Second
)

var ErrConnClosed = errors.New("connection closed")

// Conn is one authenticated peer link. It implements exchange.Peer.
type Conn struct {
	ws        *websocket.Conn
	remoteKey string

	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

func newConn(ws *websocket.Conn, remoteKey string) *Conn {
	return &Conn{ws: ws, remoteKey: remoteKey, closed: make(chan struct{})}
}

func (c *Conn) RemoteKey() string {
	return c.remoteKey
}

// Send writes one binary frame.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}

// Run attaches the link to router, feeds inbound frames to it and keeps the
// link alive until it drops or ctx ends.
func (c *Conn) Run(ctx context.Context, router *exchange.Router) error {
	log := logger.Component("transport", "peer", c.remoteKey)
	router.Attach(c)
	defer router.Detach(c)
	defer c.Close()

	// a silent peer (no data, no pong) is dead after readTimeout
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go c.ping(ctx)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closed:
		}
	}()

	for {
		kind, frame, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil
			default:
			}
			log.Debug("peer read ended", "error", err)
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		if kind != websocket.BinaryMessage {
			continue
		}
		// handler failures are per message; the link stays up
		_ = router.Dispatch(ctx, c, frame)
	}
}

func (c *Conn) ping(ctx context.Context) {
	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Accept upgrades an inbound request from a peer announcing its key in
// KeyHeader, answering with localKey.
func Accept(w http.ResponseWriter, r *http.Request, localKey string) (*Conn, error) {
	remote, err := metadata.NormalizeKey(r.Header.Get(KeyHeader))
	if err != nil {
		http.Error(w, "missing or invalid "+KeyHeader, http.StatusBadRequest)
		return nil, fmt.Errorf("peer handshake: %w", err)
	}
	ws, err := upgrader.Upgrade(w, r, http.Header{KeyHeader: []string{localKey}})
	if err != nil {
		return nil, fmt.Errorf("peer upgrade: %w", err)
	}
	return newConn(ws, remote), nil
}

// Dial opens a link to url, announcing localKey.
func Dial(ctx context.Context, url, localKey string) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{KeyHeader: []string{localKey}})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	remote, err := metadata.NormalizeKey(resp.Header.Get(KeyHeader))
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("peer handshake: %w", err)
	}
	return newConn(ws, remote), nil
}
