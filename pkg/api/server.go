// Package api is the local ops surface: REST endpoints for health, status,
// monitors, and the audit journal, a WebSocket tail of live events, and the
// Prometheus scrape endpoint.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zonewatch/zonewatch/pkg/bus"
	"github.com/zonewatch/zonewatch/pkg/channels"
	"github.com/zonewatch/zonewatch/pkg/config"
	"github.com/zonewatch/zonewatch/pkg/domain/monitor"
	"github.com/zonewatch/zonewatch/pkg/infrastructure/persistence"
	"github.com/zonewatch/zonewatch/pkg/logger"
	"github.com/zonewatch/zonewatch/pkg/poller"
	"github.com/zonewatch/zonewatch/pkg/scheduler"
)

// Server is the HTTP gateway. It binds to loopback by default; anything
// beyond /api/health and /metrics requires the API key.
type Server struct {
	config    *config.Config
	channels  *channels.Manager
	client    monitor.Client
	relay     *poller.Poller
	digest    *scheduler.Scheduler
	audit     *persistence.AuditStore
	msgBus    *bus.MessageBus
	wsHub     *WSHub
	bridge    *EventBridge
	startTime time.Time
	server    *http.Server
}

// NewServer creates the gateway. The relay, digest, and audit dependencies
// may be nil when those subsystems are disabled.
func NewServer(
	cfg *config.Config,
	mgr *channels.Manager,
	client monitor.Client,
	relay *poller.Poller,
	digest *scheduler.Scheduler,
	audit *persistence.AuditStore,
	msgBus *bus.MessageBus,
) *Server {
	// Secure by default: without a configured key, mint a session key and
	// print it once so local tooling can still connect.
	if cfg.Gateway.APIKey == "" {
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err == nil {
			cfg.Gateway.APIKey = hex.EncodeToString(raw)
			fmt.Println()
			fmt.Println("╔══════════════════════════════════════════════════════╗")
			fmt.Println("║          ZONEWATCH API KEY (session token)            ║")
			fmt.Printf("║  %-52s  ║\n", cfg.Gateway.APIKey)
			fmt.Println("║  Set gateway.api_key in config.yaml to make           ║")
			fmt.Println("║  this permanent. Rotate it any time.                  ║")
			fmt.Println("╚══════════════════════════════════════════════════════╝")
			fmt.Println()
		}
	}

	s := &Server{
		config:    cfg,
		channels:  mgr,
		client:    client,
		relay:     relay,
		digest:    digest,
		audit:     audit,
		msgBus:    msgBus,
		startTime: time.Now(),
	}
	s.wsHub = NewWSHub(s)
	s.bridge = NewEventBridge(msgBus, s.wsHub, audit)
	return s
}

// Start begins listening on the configured host:port.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/system", s.handleSystem)
	mux.HandleFunc("/api/monitors", s.handleMonitors)
	mux.HandleFunc("/api/events/recent", s.handleRecentEvents)
	mux.HandleFunc("/api/audit", s.handleAudit)

	// WebSocket tail of the live event stream
	mux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)

	// Prometheus scrape endpoint
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", s.config.Gateway.Host, s.config.Gateway.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      corsMiddleware(authMiddleware(s.config.Gateway.APIKey, mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.InfoCF("api", "Gateway starting", map[string]interface{}{
		"addr": addr,
	})

	go s.wsHub.Run(ctx)
	go s.bridge.Run(ctx)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("api", "Gateway error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// --- Middleware ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "http://localhost")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isAllowedOrigin checks if the origin is a trusted localhost address.
func isAllowedOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startTime)

	transports := make(map[string]interface{})
	if s.channels != nil {
		transports = s.channels.Status()
	}

	relay := map[string]interface{}{"enabled": false}
	if s.relay != nil {
		relay = s.relay.Status()
		relay["enabled"] = true
	}

	digest := map[string]interface{}{"enabled": false}
	if s.digest != nil {
		digest = s.digest.Status()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime.Seconds()),
		"uptime_human":   formatDuration(uptime),
		"transports":     transports,
		"relay":          relay,
		"digest":         digest,
	})
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	hostname, _ := os.Hostname()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hostname":     hostname,
		"go_version":   runtime.Version(),
		"os":           runtime.GOOS,
		"arch":         runtime.GOARCH,
		"cpus":         runtime.NumCPU(),
		"goroutines":   runtime.NumGoroutine(),
		"memory_mb":    float64(m.Alloc) / 1024 / 1024,
		"sys_mb":       float64(m.Sys) / 1024 / 1024,
		"gc_cycles":    m.NumGC,
		"gateway_host": s.config.Gateway.Host,
		"gateway_port": s.config.Gateway.Port,
	})
}

func (s *Server) handleMonitors(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	monitors, err := s.client.ListMonitors(ctx)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	result := make([]map[string]interface{}, 0, len(monitors))
	for _, m := range monitors {
		result = append(result, map[string]interface{}{
			"id":       m.ID,
			"name":     m.Name,
			"function": m.Function,
			"enabled":  m.Enabled,
			"armed":    m.Armed,
			"state":    m.StateLabel(),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 10)

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	events, err := s.client.RecentEvents(ctx, limit)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}

	limit := queryInt(r, "limit", 50)
	kind := r.URL.Query().Get("kind")

	entries, err := s.audit.Recent(limit, kind)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []persistence.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
