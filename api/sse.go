package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"omroncip/logging"
	"omroncip/plcman"
)

// SSE event types.
const (
	eventValueChange  = "value-change"
	eventStatusChange = "status-change"
)

// sseEvent is an internal event for the SSE hub.
type sseEvent struct {
	Type string
	PLC  string // set when event is PLC-specific (for filtering)
	Tag  string // set when event is tag-specific (for filtering)
	Data interface{}
}

// valueUpdate is the JSON payload for value-change events.
type valueUpdate struct {
	PLC     string      `json:"plc"`
	Tag     string      `json:"tag"`
	Address string      `json:"address,omitempty"`
	Value   interface{} `json:"value"`
	Type    string      `json:"type,omitempty"`
}

// statusUpdate is the JSON payload for status-change events.
type statusUpdate struct {
	PLC            string `json:"plc"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	ProductName    string `json:"productName,omitempty"`
	SerialNumber   string `json:"serialNumber,omitempty"`
	ConnectionMode string `json:"connectionMode,omitempty"`
}

type sseClient struct {
	id     string
	events chan sseEvent
}

// eventHub manages SSE client connections and broadcasts events.
type eventHub struct {
	clients    map[string]*sseClient
	register   chan *sseClient
	unregister chan *sseClient
	broadcast  chan sseEvent
	closeAll   chan struct{}
	mu         sync.RWMutex
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*sseClient),
		register:   make(chan *sseClient),
		unregister: make(chan *sseClient),
		broadcast:  make(chan sseEvent, 256),
		closeAll:   make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					logging.DebugLog("api-sse", "client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.closeAll:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues an event for all clients, dropping it if the hub is backed up.
func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.DebugLog("api-sse", "broadcast channel full, dropping %s event", event.Type)
	}
}

// ClientCount returns the number of connected clients.
func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseClients ends every open stream.
func (h *eventHub) CloseClients() {
	h.closeAll <- struct{}{}
}

func splitFilter(v string) map[string]bool {
	if v == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, s := range strings.Split(v, ",") {
		out[strings.TrimSpace(s)] = true
	}
	return out
}

// handleSSE serves the /api/events stream. Query parameters types, plcs and tags
// take comma-separated filters.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	q := r.URL.Query()
	typeFilter := splitFilter(q.Get("types"))
	plcFilter := splitFilter(q.Get("plcs"))
	tagFilter := splitFilter(q.Get("tags"))

	client := &sseClient{
		id:     fmt.Sprintf("api-%d", time.Now().UnixNano()),
		events: make(chan sseEvent, 64),
	}
	s.hub.register <- client

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.hub.unregister <- client
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if typeFilter != nil && !typeFilter[event.Type] {
				continue
			}
			if plcFilter != nil && event.PLC != "" && !plcFilter[event.PLC] {
				continue
			}
			if tagFilter != nil && event.Tag != "" && !tagFilter[event.Tag] {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// BroadcastChanges sends value-change events for tags not excluded from REST.
func (s *Server) BroadcastChanges(changes []plcman.ValueChange) {
	for _, c := range changes {
		if c.NoREST {
			continue
		}
		address := c.Address
		if address == c.TagName {
			address = ""
		}
		s.hub.Broadcast(sseEvent{
			Type: eventValueChange,
			PLC:  c.PLCName,
			Tag:  c.TagName,
			Data: valueUpdate{
				PLC:     c.PLCName,
				Tag:     c.TagName,
				Address: address,
				Value:   c.Value,
				Type:    c.TypeName,
			},
		})
	}
}

// BroadcastStatus sends a status-change event for every PLC.
func (s *Server) BroadcastStatus() {
	for _, plc := range s.manager.ListPLCs() {
		update := statusUpdate{
			PLC:            plc.Config.Name,
			Status:         plc.GetStatus().String(),
			ConnectionMode: plc.GetConnectionMode(),
		}
		if err := plc.GetError(); err != nil {
			update.Error = err.Error()
		}
		if id := plc.GetIdentity(); id != nil {
			update.ProductName = id.ProductName
			update.SerialNumber = fmt.Sprintf("%08X", id.SerialNumber)
		}
		s.hub.Broadcast(sseEvent{Type: eventStatusChange, PLC: plc.Config.Name, Data: update})
	}
}
