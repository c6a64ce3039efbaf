package signal

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"peerlink/internal/core/domain"
)

type websocketUpgrader = websocket.Upgrader

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		// peers are devices, not browsers
		CheckOrigin:     func(r *http.Request) bool { return true },
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// ServeHTTP upgrades a signaling request. With token auth the device id
// comes from the bearer token, otherwise from the device_id query
// parameter or, failing that, the first envelope.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var peerID domain.PeerID
	verified := h.auth != nil
	if verified {
		id, err := h.auth.Authorize(r)
		if err != nil {
			h.logger.Warnw("rejected signaling connection", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		peerID = id
	} else {
		peerID = domain.PeerID(r.URL.Query().Get("device_id"))
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	h.logger.Infow("peer connected via WebSocket", "peer_id", peerID, "remote", r.RemoteAddr)
	ch := h.register(r.RemoteAddr, peerID, verified)
	h.attach(ch, newWSConn(conn, h.cfg.MaxMessageSize, h.cfg.PingInterval))
}

func (h *Hub) dialWebSocket(ctx context.Context, addr string) (frameConn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: h.cfg.Path}
	q := u.Query()
	q.Set("device_id", string(h.cfg.LocalID))
	u.RawQuery = q.Encode()

	var header http.Header
	if h.auth != nil {
		hdr, err := h.auth.Header(h.cfg.LocalID)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		header = hdr
	}

	dialer := websocket.Dialer{HandshakeTimeout: h.cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, backoff.Permanent(ErrInvalidToken)
		}
		return nil, err
	}
	return newWSConn(conn, h.cfg.MaxMessageSize, h.cfg.PingInterval), nil
}

// wsConn carries one envelope line per text message. The read deadline is
// pushed forward by every message and pong, so a peer that stops answering
// pings is dropped after two intervals.
type wsConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration
}

func newWSConn(conn *websocket.Conn, maxSize int64, pingInterval time.Duration) *wsConn {
	conn.SetReadLimit(maxSize)
	c := &wsConn{conn: conn}
	if pingInterval > 0 {
		c.readTimeout = 2 * pingInterval
		conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		})
	}
	return c
}

func (c *wsConn) ReadLine() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if c.readTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	return bytes.TrimRight(data, "\r\n"), nil
}

func (c *wsConn) WriteLine(line []byte, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, line)
}

func (c *wsConn) Ping(deadline time.Time) error {
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }
