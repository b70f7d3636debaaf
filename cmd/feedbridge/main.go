// Command feedbridge runs a change-feed query against a qconn server and
// rebroadcasts every change to any number of connected WebSocket
// dashboards, adapted from fluxquery-backend's hub.go broadcast pattern
// to qconn's reactive Handler instead of a bespoke job-progress feed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/flowbase/qconn"
)

type changeEvent struct {
	Type   string      `json:"type"`
	OldVal interface{} `json:"old_val,omitempty"`
	NewVal interface{} `json:"new_val,omitempty"`
	Error  interface{} `json:"error,omitempty"`
}

// hub tracks connected dashboard sockets and fans out change events,
// structurally the same registry fluxquery-backend's hub.Hub keeps for
// its own job-progress dashboards.
type hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]bool)}
}

func (h *hub) register(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
	slog.Info("feedbridge: dashboard connected", "total_connections", len(h.clients))
}

func (h *hub) unregister(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.Close()
		slog.Info("feedbridge: dashboard disconnected", "total_connections", len(h.clients))
	}
}

func (h *hub) broadcast(ev changeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("feedbridge: marshal change event failed", "error", err)
		return
	}
	for c := range h.clients {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			slog.Error("feedbridge: broadcast failed", "error", err)
			c.Close()
			delete(h.clients, c)
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	var (
		listenAddr = flag.String("listen", ":8089", "address to serve the dashboard websocket on")
		query      = flag.String("query", "", "JSON-encoded query term to run as a change feed, e.g. [\"changes\",[\"table\",\"events\"]]")
	)
	flag.Parse()
	if *query == "" {
		slog.Error("feedbridge: -query is required")
		os.Exit(1)
	}
	var body interface{}
	if err := json.Unmarshal([]byte(*query), &body); err != nil {
		slog.Error("feedbridge: invalid -query", "error", err)
		os.Exit(1)
	}

	opts := qconn.ConfigFromEnv()
	opts.AutoReconnect = true
	conn, err := qconn.Connect(context.Background(), opts)
	if err != nil {
		slog.Error("feedbridge: connect failed", "error", err)
		os.Exit(1)
	}
	defer conn.Close(qconn.DefaultCloseOpts())

	h := newHub()

	handler := &qconn.Handler{
		OnChange: func(oldVal, newVal interface{}) {
			h.broadcast(changeEvent{Type: "change", OldVal: oldVal, NewVal: newVal})
		},
		OnInitialVal: func(newVal interface{}) {
			h.broadcast(changeEvent{Type: "initial", NewVal: newVal})
		},
		OnChangeError: func(errVal interface{}) {
			h.broadcast(changeEvent{Type: "error", Error: errVal})
		},
		OnError: func(err error) {
			slog.Error("feedbridge: change feed handler error", "error", err)
		},
		OnClose: func() {
			slog.Info("feedbridge: change feed closed")
		},
	}

	if _, err := conn.Run(context.Background(), body, qconn.RunOpts{}, handler); err != nil {
		slog.Error("feedbridge: starting change feed failed", "error", err)
		os.Exit(1)
	}

	http.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("feedbridge: websocket upgrade failed", "error", err)
			return
		}
		h.register(c)
		defer h.unregister(c)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})

	slog.Info("feedbridge: listening", "addr", *listenAddr)
	if err := http.ListenAndServe(*listenAddr, nil); err != nil {
		slog.Error("feedbridge: serve failed", "error", err)
		os.Exit(1)
	}
}
