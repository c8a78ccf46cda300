// Package feed serves a registry's delivered changes over a websocket and
// its counters in Prometheus text format.
package feed

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"kvbind/internal/logging"
	"kvbind/internal/metrics"
	"kvbind/internal/observe"
)

const (
	ChangesPath = "/changes"
	MetricsPath = "/metrics"

	readBufferSize  = 1024
	writeBufferSize = 1024
	writeTimeout    = 10 * time.Second
)

type Options struct {
	AllowedOrigins []string
	Logger         *logging.Logger
}

// ChangesHandler streams every change the registry delivers. The optional
// key_path query parameter keeps only changes whose key path equals it or
// starts with it followed by a separator.
type ChangesHandler struct {
	Registry       *observe.Registry
	AllowedOrigins []string
	Logger         *logging.Logger
}

func (h *ChangesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Registry == nil || h.Registry.Feed() == nil {
		http.Error(w, "change feed unavailable", http.StatusServiceUnavailable)
		return
	}

	prefix := strings.TrimSpace(r.URL.Query().Get("key_path"))
	output, cancel := h.Registry.Feed().SubscribeFiltered(func(change observe.Change) bool {
		return matchesPrefix(change.KeyPath(), prefix)
	})
	if output == nil {
		http.Error(w, "change feed unavailable", http.StatusServiceUnavailable)
		return
	}
	defer cancel()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, h.AllowedOrigins)
		},
	}
	_, span := startSpan(r, ChangesPath, attribute.String("feed.key_path", prefix))
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "websocket upgrade failed")
		h.logWarn(r, "websocket upgrade failed", err)
		return
	}
	defer conn.Close()

	var sent atomic.Int64
	done := make(chan struct{})
	defer func() {
		close(done)
		span.SetAttributes(attribute.Int64("feed.changes_sent", sent.Load()))
	}()

	go func() {
		for {
			select {
			case change, ok := <-output:
				if !ok {
					deadline := time.Now().Add(writeTimeout)
					_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"), deadline)
					_ = conn.Close()
					return
				}
				payload, ok := buildPayload(change)
				if !ok {
					continue
				}
				if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
					return
				}
				if err := conn.WriteJSON(payload); err != nil {
					return
				}
				sent.Add(1)
			case <-done:
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *ChangesHandler) logWarn(r *http.Request, message string, err error) {
	if h.Logger == nil {
		return
	}
	fields := map[string]string{
		"path":   r.URL.Path,
		"status": strconv.Itoa(http.StatusBadRequest),
	}
	if r.RemoteAddr != "" {
		fields["remote_addr"] = r.RemoteAddr
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	h.Logger.Warn(message, fields)
}

func matchesPrefix(keyPath, prefix string) bool {
	if prefix == "" || keyPath == prefix {
		return true
	}
	return strings.HasPrefix(keyPath, prefix+".")
}

// MetricsHandler writes counters in Prometheus text exposition format.
func MetricsHandler(registry *metrics.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Header().Set("Cache-Control", "no-store, must-revalidate")
		if err := registry.WritePrometheus(w); err != nil {
			http.Error(w, "metrics unavailable", http.StatusInternalServerError)
		}
	})
}

// NewMux routes the change feed and the metrics of registry.
func NewMux(registry *observe.Registry, options Options) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(ChangesPath, &ChangesHandler{
		Registry:       registry,
		AllowedOrigins: options.AllowedOrigins,
		Logger:         options.Logger,
	})
	var counters *metrics.Registry
	if registry != nil {
		counters = registry.Metrics()
	}
	mux.Handle(MetricsPath, MetricsHandler(counters))
	return mux
}
