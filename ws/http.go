package ws

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/tcriess/lightspeed-meet/codec"
	"github.com/tcriess/lightspeed-meet/metrics"
)

// checkOrigin allows every origin if allowedOrigins is empty, otherwise only the listed hosts (or full origins).
func checkOrigin(allowedOrigins []string) func(r *http.Request) bool {
	if len(allowedOrigins) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, allowed := range allowedOrigins {
			if strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
				return true
			}
		}
		return false
	}
}

// ServeWs upgrades the request and runs the client until the connection is closed.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{codec.MsgpackSubprotocol},
		CheckOrigin:  checkOrigin(h.cfg.AllowedOrigins),
	}
	// Upgrade HTTP request to Websocket
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade error", "error", err)
		return
	}
	c := NewClient(h, conn, codec.For(conn.Subprotocol()))
	select {
	case h.Register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.logger.Debug("client connected", "remote", r.RemoteAddr, "codec", c.codec.Name())
	go c.WriteLoop()
	c.ReadLoop()
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Hub) listRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Rooms())
}

func (h *Hub) getRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := h.registry.GetRoom(mux.Vars(r)["meetingId"])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// NewRouter sets up the websocket endpoint, the health check, the metrics endpoint (if m is not nil) and the read
// only room API.
func NewRouter(h *Hub, m *metrics.Metrics) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/meet", h.ServeWs).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	if m != nil {
		router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/rooms", h.listRooms).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{meetingId}", h.getRoom).Methods(http.MethodGet)
	return router
}
