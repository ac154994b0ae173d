package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"

	"ticksync.dev/internal/protocol"
)

// Conn is the client end of a session connection. Send may be called from
// one goroutine while ReadLoop runs on another.
type Conn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Dial connects to url and sends hello. The server answers with SETUP or
// ERROR, which ReadLoop delivers like any other message.
func Dial(ctx context.Context, url string, hello protocol.HelloMsg) (*Conn, error) {
	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	conn, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "dial %s", url)
	}
	c := &Conn{conn: conn}
	hello.Type = protocol.TypeHello
	if hello.ProtocolVersion == "" {
		hello.ProtocolVersion = protocol.Version
	}
	if err := c.Send(hello); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "encode")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return eris.Wrap(err, "write")
	}
	return nil
}

// ReadLoop hands every text message to deliver until the connection fails
// or ctx ends.
func (c *Conn) ReadLoop(ctx context.Context, deliver func(msg []byte) bool) error {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return eris.Wrap(err, "read")
		}
		deliver(msg)
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}
