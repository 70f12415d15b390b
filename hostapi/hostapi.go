// Package hostapi is the optional WebSocket bridge between the channel
// manager and a browser/host UI: it broadcasts channel events to every
// connected client and dispatches inbound JSON commands into a
// channel.Manager. Grounded on the teacher's websocket/websocket.go Hub
// (register/unregister/broadcast over channels, one reader/one writer
// goroutine per client) generalized from a multi-room game lobby to a
// single broadcast domain of channel-state subscribers, and on
// webrtc/sfu.go's single-writer-goroutine-per-connection discipline.
package hostapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/n0remac/rtsp-vision/channel"
	"github.com/n0remac/rtsp-vision/events"
	"github.com/n0remac/rtsp-vision/vlog"
)

// Upgrader accepts WebSocket upgrades from any origin: CheckOrigin always
// returns true, with no separate production/development mode.
var Upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// client is one connected host-UI subscriber.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans channel-manager events out to every connected client and
// accepts inbound commands from any of them.
type Hub struct {
	mgr *channel.Manager

	mu      sync.Mutex
	clients map[*client]struct{}

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
}

// NewHub constructs a Hub. mgr may be nil at construction time (the
// manager's own Collaborators/New call needs Listener() before a *Manager
// exists) — call SetManager once the manager is built, before Run or any
// inbound command arrives.
func NewHub(mgr *channel.Manager) *Hub {
	return &Hub{
		mgr:        mgr,
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
	}
}

// SetManager binds the Hub to mgr, resolving the construction-order cycle
// between channel.New (needs Listener()) and NewHub (wants a *Manager).
func (h *Hub) SetManager(mgr *channel.Manager) {
	h.mu.Lock()
	h.mgr = mgr
	h.mu.Unlock()
}

// Run is the Hub's single goroutine owning client registration and
// broadcast fan-out (teacher's Hub.Run shape).
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = nil
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// outboundEvent is the wire shape pushed to every connected client.
type outboundEvent struct {
	Kind      string `json:"kind"`
	ChannelID int    `json:"channel_id"`
	State     string `json:"state,omitempty"`
	Count     int    `json:"count,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (h *Hub) push(ev outboundEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- b:
	default:
	}
}

// Listener returns an events.HostListener that forwards every callback to
// the Hub's broadcast channel — register it with channel.Manager's New.
func (h *Hub) Listener() events.HostListener { return hubListener{h} }

type hubListener struct{ h *Hub }

func (l hubListener) OnFrameReceived(channelID int) {
	l.h.push(outboundEvent{Kind: "frame", ChannelID: channelID})
}

func (l hubListener) OnDetectionReceived(channelID int, count int) {
	l.h.push(outboundEvent{Kind: "detections", ChannelID: channelID, Count: count})
}

func (l hubListener) OnChannelStateChanged(channelID int, newState events.State) {
	l.h.push(outboundEvent{Kind: "state", ChannelID: channelID, State: newState.String()})
}

func (l hubListener) OnChannelError(channelID int, message string) {
	l.h.push(outboundEvent{Kind: "error", ChannelID: channelID, Message: message})
}

// ServeHTTP upgrades the request and pumps events to/from the new client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		vlog.WithComponent(vlog.L(), "hostapi").Warn("upgrade failed", "err", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 256)}
	h.register <- c
	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readPump parses inbound commands with gjson — a command dispatch only
// needs the "type" field and a handful of scalar arguments, so a full
// struct unmarshal per message is unnecessary overhead on this hot path.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	logger := vlog.WithComponent(vlog.L(), "hostapi")
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			logger.Info("client disconnected", "err", err)
			return
		}
		if !gjson.ValidBytes(raw) {
			logger.Warn("invalid command json")
			continue
		}
		parsed := gjson.ParseBytes(raw)
		if err := h.dispatch(parsed); err != nil {
			logger.Warn("command failed", "type", parsed.Get("type").String(), "err", err)
		}
	}
}

func (h *Hub) dispatch(msg gjson.Result) error {
	h.mu.Lock()
	mgr := h.mgr
	h.mu.Unlock()
	if mgr == nil {
		return nil
	}
	id := int(msg.Get("channel_id").Int())
	switch msg.Get("type").String() {
	case "create_channel":
		return mgr.CreateChannel(id)
	case "destroy_channel":
		return mgr.DestroyChannel(id)
	case "start_channel":
		return mgr.StartChannel(id, msg.Get("url").String())
	case "stop_channel":
		return mgr.StopChannel(id)
	case "set_detection_enabled":
		return mgr.SetDetectionEnabled(id, msg.Get("enabled").Bool())
	case "set_priority":
		return mgr.SetPriority(id, uint8(msg.Get("priority").Int()))
	case "set_rtsp_url":
		return mgr.SetRTSPURL(id, msg.Get("url").String())
	default:
		return nil
	}
}
