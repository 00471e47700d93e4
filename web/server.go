// Package web is an external collaborator (spec.md §1 calls it a
// "dashboard", out of the core's own operation surface): a small HTTP
// server exposing live state, metrics, and a websocket feed of
// enriched events, grounded on the teacher's web.Server
// (web/server.go), which serves a debug dashboard the same way —
// net/http with no framework, a single ServeMux, graceful shutdown on
// context cancellation.
package web

import (
	"context"
	"encoding/json"
	"html/template"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mutwatch/mutwatch/core"
	"github.com/mutwatch/mutwatch/enrich"
	metricspkg "github.com/mutwatch/mutwatch/metrics"
	"github.com/mutwatch/mutwatch/serialize"
	"github.com/mutwatch/mutwatch/types"
)

// Server serves the operator-facing dashboard.
type Server struct {
	core       *core.Core
	listenAddr string
	registry   *prometheus.Registry

	mux       *http.ServeMux
	upgrader  websocket.Upgrader
	clientsMu sync.Mutex
	clients   map[*websocket.Conn]struct{}
}

// NewServer builds a Server backed by c's lifecycle state and metrics.
func NewServer(c *core.Core, listenAddr string) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(metricspkg.NewCollector(c.MetricsSnapshot, c.QueueDepth))

	s := &Server{
		core:       c,
		listenAddr: listenAddr,
		registry:   registry,
		mux:        http.NewServeMux(),
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:    make(map[*websocket.Conn]struct{}),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	debugHandler := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			log.Printf("[%s] %s %s", time.Now().Format("15:04:05"), r.Method, r.URL.Path)
			h(w, r)
		}
	}

	s.mux.HandleFunc("/", debugHandler(s.handleIndex))
	s.mux.HandleFunc("/api/state", debugHandler(s.handleState))
	s.mux.HandleFunc("/api/metrics", debugHandler(s.handleMetrics))
	s.mux.HandleFunc("/ws", debugHandler(s.handleWS))
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.listenAddr, Handler: s.mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("web: shutdown error: %v", err)
		}
	}()

	log.Printf("web: listening on %s", s.listenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	tmpl := template.Must(template.New("index").Parse(indexTemplate))
	if err := tmpl.Execute(w, nil); err != nil {
		log.Printf("web: render index: %v", err)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"state": string(s.core.GetState()),
		"error": s.core.GetErrorMessage(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.core.GetMetrics())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = struct{}{}
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, conn)
		s.clientsMu.Unlock()
		conn.Close()
	}()

	// Drain and discard client messages; this is a push-only feed, but
	// reading is what detects the client going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast pushes event, serialized per spec.md §6, to every
// connected websocket client.
func (s *Server) Broadcast(event types.EnrichedEvent) {
	payload, err := serialize.MarshalEnriched(event)
	if err != nil {
		log.Printf("web: marshal event for broadcast: %v", err)
		return
	}

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

// BroadcastSink adapts Server.Broadcast to enrich.Sink, so it can be
// composed with other sinks via sink.Fanout.
type BroadcastSink struct{ Server *Server }

// Handle implements enrich.Sink.
func (b BroadcastSink) Handle(event types.EnrichedEvent) error {
	b.Server.Broadcast(event)
	return nil
}

var _ enrich.Sink = BroadcastSink{}

const indexTemplate = `<!DOCTYPE html>
<html>
<head>
	<title>mutwatch</title>
	<style>body{font-family:monospace;background:#111;color:#ddd;padding:1rem}
	#events{white-space:pre-wrap;font-size:12px}</style>
</head>
<body>
	<h1>mutwatch</h1>
	<div id="state"></div>
	<pre id="events"></pre>
	<script>
	fetch('/api/state').then(r => r.json()).then(s => {
		document.getElementById('state').textContent = 'state: ' + s.state;
	});
	const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
	ws.onmessage = (msg) => {
		const pre = document.getElementById('events');
		pre.textContent = msg.data + '\n' + pre.textContent;
	};
	</script>
</body>
</html>`
