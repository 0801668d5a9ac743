package websocket

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"admission-gateway/pkg/ratelimit"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	sendBuffer      = 16
	broadcastBuffer = 64
	pongWait        = 60 * time.Second
	pingPeriod      = 54 * time.Second
	writeWait       = 10 * time.Second
	staleAfter      = 90 * time.Second
)

var (
	ErrHubStopped    = errors.New("metrics hub stopped")
	ErrBroadcastFull = errors.New("broadcast channel full")
)

// Hub fans SystemMetricsSnapshot values out to dashboard connections. Only
// the run loop adds or removes clients and closes their send channels.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan ratelimit.SystemMetricsSnapshot
	mutex      sync.RWMutex
	upgrader   websocket.Upgrader
	latest     atomic.Pointer[ratelimit.SystemMetricsSnapshot]
	logger     log.FieldLogger
	done       chan struct{}
	stopped    chan struct{}
	startOnce  sync.Once
	stopOnce   sync.Once
}

// NewHub builds a hub. Upgrades are accepted from allowedOrigins, or from any
// origin when the list is empty or contains "*".
func NewHub(logger log.FieldLogger, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan ratelimit.SystemMetricsSnapshot, broadcastBuffer),
		logger:     logger.WithField("component", "metrics_hub"),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     originChecker(allowedOrigins),
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Start begins the hub's main loop.
func (h *Hub) Start() error {
	h.startOnce.Do(func() {
		go h.run()
		h.logger.Info("metrics hub started")
	})
	return nil
}

// Stop closes every connection and waits for the main loop to exit.
func (h *Hub) Stop() error {
	h.stopOnce.Do(func() { close(h.done) })
	// a hub that never started has no loop to wait for
	h.startOnce.Do(func() { close(h.stopped) })
	<-h.stopped
	h.logger.Info("metrics hub stopped")
	return nil
}

func (h *Hub) run() {
	defer close(h.stopped)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			if latest := h.latest.Load(); latest != nil {
				h.deliver(client, *latest)
			}
			h.mutex.Unlock()
			h.logger.WithField("subscriber", client.ID).Debug("subscriber registered")

		case client := <-h.unregister:
			h.remove(client.ID)

		case snapshot := <-h.broadcast:
			h.mutex.Lock()
			for _, client := range h.clients {
				h.deliver(client, snapshot)
			}
			h.mutex.Unlock()

		case <-ticker.C:
			h.healthCheck()

		case <-h.done:
			h.mutex.Lock()
			for id, client := range h.clients {
				delete(h.clients, id)
				close(client.Send)
			}
			h.mutex.Unlock()
			return
		}
	}
}

// deliver queues a filtered snapshot for client. The caller holds the write lock.
func (h *Hub) deliver(client *Client, snapshot ratelimit.SystemMetricsSnapshot) {
	msg := Message{
		Type:      MessageTypeMetrics,
		Data:      applyFilters(snapshot, client.Filters),
		Timestamp: snapshot.Timestamp,
	}
	select {
	case client.Send <- msg:
		client.IsActive = true
	default:
		if client.IsActive {
			h.logger.WithField("subscriber", client.ID).Warn("subscriber send buffer full, dropping snapshot")
		}
		client.IsActive = false
	}
}

func (h *Hub) remove(id string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	client, ok := h.clients[id]
	if !ok {
		return
	}
	delete(h.clients, id)
	close(client.Send)
	h.logger.WithField("subscriber", id).Debug("subscriber unregistered")
}

// Publish queues snapshot for every subscriber without blocking. It is
// meant to be installed with ratelimit.WithSnapshotHandler.
func (h *Hub) Publish(snapshot ratelimit.SystemMetricsSnapshot) error {
	h.latest.Store(&snapshot)
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.broadcast <- snapshot:
		return nil
	default:
		return ErrBroadcastFull
	}
}

// Serve upgrades the request and streams snapshots until the peer leaves.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) error {
	select {
	case <-h.done:
		http.Error(w, ErrHubStopped.Error(), http.StatusServiceUnavailable)
		return ErrHubStopped
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:       uuid.NewString(),
		Conn:     conn,
		Send:     make(chan Message, sendBuffer),
		LastPing: time.Now(),
		IsActive: true,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return ErrHubStopped
	}

	go h.writeMessages(client)
	h.readMessages(client)
	return nil
}

// ConnectedClients returns the number of subscribers.
func (h *Hub) ConnectedClients() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) GetClientStats() ClientStats {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	stats := ClientStats{TotalClients: len(h.clients)}
	for _, client := range h.clients {
		if client.IsActive {
			stats.ActiveClients++
		} else {
			stats.InactiveClients++
		}
	}
	return stats
}

func (h *Hub) touch(client *Client) {
	h.mutex.Lock()
	client.LastPing = time.Now()
	h.mutex.Unlock()
}

func (h *Hub) setFilters(client *Client, filters SnapshotFilters) {
	h.mutex.Lock()
	client.Filters = filters
	h.mutex.Unlock()
}

type clientMessage struct {
	Type    string          `json:"type"`
	Filters SnapshotFilters `json:"filters"`
}

func (h *Hub) readMessages(client *Client) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(4096)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		h.touch(client)
		return client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := client.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).WithField("subscriber", client.ID).Debug("subscriber read failed")
			}
			return
		}
		h.touch(client)

		switch msg.Type {
		case ClientMessageSubscribe:
			h.setFilters(client, msg.Filters)
			h.reply(client, Message{Type: MessageTypeSubscribed, Data: msg.Filters, Timestamp: time.Now()})
		case ClientMessagePing:
			h.reply(client, Message{Type: MessageTypePong, Timestamp: time.Now()})
		default:
			h.reply(client, Message{Type: MessageTypeError, Data: "unknown message type " + msg.Type, Timestamp: time.Now()})
		}
	}
}

// reply queues a control frame. The read lock keeps the run loop from
// closing Send while we write to it.
func (h *Hub) reply(client *Client, msg Message) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	select {
	case client.Send <- msg:
	default:
	}
}

func (h *Hub) writeMessages(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteJSON(msg); err != nil {
				h.logger.WithError(err).WithField("subscriber", client.ID).Debug("subscriber write failed")
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// healthCheck drops subscribers that stopped answering pings.
func (h *Hub) healthCheck() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	now := time.Now()
	for id, client := range h.clients {
		if now.Sub(client.LastPing) > staleAfter {
			h.logger.WithField("subscriber", id).Info("subscriber timed out")
			delete(h.clients, id)
			close(client.Send)
		}
	}
}

// applyFilters returns a copy of snapshot with the tier and reason
// breakdowns narrowed to the requested keys.
func applyFilters(snapshot ratelimit.SystemMetricsSnapshot, filters SnapshotFilters) ratelimit.SystemMetricsSnapshot {
	if len(filters.Tiers) > 0 {
		byTier := make(map[ratelimit.Tier]int64, len(filters.Tiers))
		for _, tier := range filters.Tiers {
			if count, ok := snapshot.ByTier[tier]; ok {
				byTier[tier] = count
			}
		}
		snapshot.ByTier = byTier
	}
	if len(filters.Reasons) > 0 {
		byReason := make(map[ratelimit.Reason]int64, len(filters.Reasons))
		for _, reason := range filters.Reasons {
			if count, ok := snapshot.ByReason[reason]; ok {
				byReason[reason] = count
			}
		}
		snapshot.ByReason = byReason
	}
	return snapshot
}
