// Package viewserver exposes the synchronization store to local views over
// HTTP and a websocket snapshot stream.
package viewserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/schediq/internal/resource"
	"github.com/agentworkforce/schediq/internal/syncstore"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	// AllowOrigins lists extra origin patterns accepted for the stream.
	AllowOrigins []string
	WriteTimeout time.Duration
	Gatherer     prometheus.Gatherer
	Logger       Logger
}

type Server struct {
	store *syncstore.Store
	cfg   ServerConfig
}

func NewServer(store *syncstore.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *syncstore.Store, cfg ServerConfig) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{store: store, cfg: cfg}
}

type snapshotFrame struct {
	State    resource.State         `json:"state"`
	Analysis resource.AnalysisCache `json:"analysis"`
	Status   syncstore.SyncStatus   `json:"status"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	case r.URL.Path == "/v1/snapshot" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.frame())
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.store.Status())
	case r.URL.Path == "/v1/overview" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.store.Overview())
	case r.URL.Path == "/v1/refresh" && r.Method == http.MethodPost:
		s.handleRefresh(w, r, correlationID)
	case r.URL.Path == "/v1/navigate" && r.Method == http.MethodPost:
		s.handleNavigate(w, r, correlationID)
	case r.URL.Path == "/v1/stream" && r.Method == http.MethodGet:
		s.handleStream(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, correlationID string) {
	raw := strings.TrimSpace(r.URL.Query().Get("kind"))
	if raw == "" || raw == "all" {
		s.store.RefreshAll(r.Context())
		writeJSON(w, http.StatusOK, s.store.Status())
		return
	}
	kind, err := resource.ParseKind(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	s.store.RefreshOne(r.Context(), kind)
	writeJSON(w, http.StatusOK, s.store.Status())
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request, correlationID string) {
	view, err := syncstore.ParseView(r.URL.Query().Get("view"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	fetched, err := s.store.Navigate(r.Context(), view)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"view":    view,
		"fetched": fetched,
		"status":  s.store.Status(),
	})
}

// handleStream sends the current snapshot on connect and then one frame per
// commit. A slow client only ever receives the latest pending frame.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logf("viewserver: websocket accept failed: %v", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	ctx := conn.CloseRead(r.Context())
	pending := make(chan snapshotFrame, 1)
	unsubscribe := s.store.Subscribe(func(state resource.State, cache resource.AnalysisCache) {
		frame := snapshotFrame{State: state, Analysis: cache, Status: s.store.Status()}
		for {
			select {
			case pending <- frame:
				return
			default:
			}
			select {
			case <-pending:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := s.write(ctx, conn, s.frame()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-pending:
			if err := s.write(ctx, conn, frame); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logf("viewserver: stream write failed: %v", err)
				}
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, frame snapshotFrame) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, frame)
}

func (s *Server) frame() snapshotFrame {
	state, cache := s.store.Snapshot()
	return snapshotFrame{State: state, Analysis: cache, Status: s.store.Status()}
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
