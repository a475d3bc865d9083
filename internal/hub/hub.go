package hub

import (
	"encoding/json"
	"sync"

	"github.com/weiawesome/wes-io-relay/internal/session"
	"github.com/weiawesome/wes-io-relay/pkg/log"
)

// Hub tracks every open connection, authenticated or not, and fans out
// broadcasts to them.
type Hub struct {
	clients    map[string]*Client // session id -> client
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		stop:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.Session.ID()] = client
			h.mu.Unlock()
			l := log.L()
			l.Debug().Str(log.FieldSessionID, client.Session.ID()).Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client.Session.ID())
			h.mu.Unlock()
			l := log.L()
			l.Debug().Str(log.FieldSessionID, client.Session.ID()).Msg("client unregistered")

		case data := <-h.broadcast:
			h.mu.RLock()
			for id, client := range h.clients {
				if err := client.Session.Enqueue(data); err == session.ErrSendBufferFull {
					l := log.L()
					l.Warn().Str(log.FieldSessionID, id).Msg("send buffer full, dropping client")
					go client.Session.Close(session.ReasonSlowConsumer)
				}
			}
			h.mu.RUnlock()

		case <-h.stop:
			return
		}
	}
}

// Stop ends Run and closes every tracked session.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)

		h.mu.RLock()
		defer h.mu.RUnlock()
		for _, client := range h.clients {
			client.Session.Close(session.ReasonShutdown)
		}
	})
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stop:
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stop:
	}
}

// Broadcast queues message for every connection. Delivery is best-effort.
func (h *Hub) Broadcast(message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- data:
	case <-h.stop:
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
