// Package server adapts WebSocket connections to the net.Conn interface so
// the line-based session state machine serves both transports unchanged.
package server

import (
	"bytes"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn presents a gorilla WebSocket connection as a byte stream. Each
// inbound frame is surfaced as one newline-terminated line; each outbound
// write of a newline-terminated line becomes one text frame.
type wsConn struct {
	ws  *websocket.Conn
	buf []byte
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	if len(c.buf) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.buf = append(data, '\n')
	}

	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	payload := bytes.TrimSuffix(p, []byte{'\n'})
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
