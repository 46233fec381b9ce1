package client

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshkv/core/pkg/telemetry"
)

// AdminServer exposes a node's health, Prometheus metrics, and a live
// state-transition stream over plain HTTP. It never exposes key/value
// data: that flows only over the MQTT command topic.
type AdminServer struct {
	node   *Node
	srv    *http.Server
	router *mux.Router
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewAdminServer builds the admin HTTP surface for node, registering
// node's Prometheus registry (if any) under /metrics.
func NewAdminServer(node *Node, addr string, registry *prometheus.Registry) *AdminServer {
	r := mux.NewRouter()
	a := &AdminServer{node: node, router: r}

	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReadyz).Methods(http.MethodGet)
	r.HandleFunc("/debug/state-stream", a.handleStateStream).Methods(http.MethodGet)

	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	a.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a
}

// ListenAndServe blocks serving the admin HTTP surface until the
// server is shut down or an unrecoverable error occurs.
func (a *AdminServer) ListenAndServe() error {
	err := a.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the admin server within ctx's deadline.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	return a.srv.Shutdown(ctx)
}

func (a *AdminServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap, err := a.node.Health()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleReadyz is stricter than /healthz: it answers 503 when the
// overall status is fatal (e.g. MQTT disconnected). A connecting or
// reconnecting adapter counts as degraded and still answers 200.
func (a *AdminServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	snap, err := a.node.Health()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if snap.Overall == telemetry.StatusFatal {
		writeJSON(w, http.StatusServiceUnavailable, snap)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleStateStream upgrades to a websocket and pushes connection
// state transitions and anti-entropy convergence events as they
// happen. The handler owns the connection's write side exclusively to
// satisfy gorilla/websocket's single-writer requirement.
func (a *AdminServer) handleStateStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := a.node.events.subscribe(32)
	defer a.node.events.unsubscribe(ch)

	go drainPings(r.Context(), conn)

	for event := range ch {
		b, err := event.marshal()
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

// drainPings discards inbound client frames so the connection's read
// side doesn't back up; this endpoint is server-push only.
func drainPings(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
