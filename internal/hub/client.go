package hub

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-relay/internal/session"
	"github.com/weiawesome/wes-io-relay/pkg/log"
)

// Config holds the websocket timing and size limits.
type Config struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
}

// Client binds a Session to its websocket connection.
type Client struct {
	Session *session.Session
	Conn    *websocket.Conn
	config  Config
}

func NewClient(s *session.Session, conn *websocket.Conn, cfg Config) *Client {
	return &Client{
		Session: s,
		Conn:    conn,
		config:  cfg,
	}
}

// ReadPump feeds inbound frames to handler one at a time, so events from a
// connection are handled in the order they arrive. onDisconnect runs once
// the connection stops reading.
func (c *Client) ReadPump(handler func(*Client, []byte), onDisconnect func(*Client)) {
	defer func() {
		onDisconnect(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l := log.L()
				l.Debug().Err(err).Str(log.FieldSessionID, c.Session.ID()).Msg("websocket read error")
			}
			break
		}

		c.Session.UpdateActivity()
		handler(c, message)
	}
}

// WritePump drains the session's outbound queue to the connection. When the
// session closes it flushes what is already queued, sends a close frame and
// closes the connection, which in turn ends ReadPump.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.Session.Outbound():
			if err := c.write(message); err != nil {
				return
			}

		case <-c.Session.Done():
			c.flush()
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			c.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.Session.CloseReason()))
			return

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(message []byte) error {
	c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
	w, err := c.Conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	w.Write(message)
	return w.Close()
}

func (c *Client) flush() {
	for {
		select {
		case message := <-c.Session.Outbound():
			if err := c.write(message); err != nil {
				return
			}
		default:
			return
		}
	}
}
