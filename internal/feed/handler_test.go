package feed

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"kvbind/internal/logging"
	"kvbind/internal/metrics"
	"kvbind/internal/model"
	"kvbind/internal/observe"
)

type sink struct {
	name string
}

func ignore(*sink, observe.Change) {}

func newSink(t *testing.T) *sink {
	target := &sink{name: t.Name()}
	t.Cleanup(func() { runtime.KeepAlive(target) })
	return target
}

func newServer(t *testing.T, options Options) (*httptest.Server, *observe.Registry) {
	t.Helper()
	registry := observe.NewRegistry(observe.Options{
		Logger:  logging.Discard(),
		Metrics: &metrics.Registry{},
	})
	server := httptest.NewServer(NewMux(registry, options))
	t.Cleanup(func() {
		server.Close()
		registry.Close()
	})
	return server, registry
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + ChangesPath + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestChangesStreamsDeliveredChanges(t *testing.T) {
	server, registry := newServer(t, Options{})
	conn := dial(t, server, "")

	profile := model.New(map[string]any{"theme": "dark"})
	user := model.New(map[string]any{"profile": profile, "favoriteColorHex": 0x112233})
	target := newSink(t)
	if _, err := observe.AddTarget(registry, user, "favoriteColorHex", target, ignore); err != nil {
		t.Fatalf("add target: %v", err)
	}
	if err := user.SetValue(context.Background(), "favoriteColorHex", 0xAABBCC); err != nil {
		t.Fatalf("set: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var payload map[string]any
	if err := conn.ReadJSON(&payload); err != nil {
		t.Fatalf("read websocket: %v", err)
	}
	if payload["type"] != observe.ChangeTypeChanged || payload["key_path"] != "favoriteColorHex" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if payload["old"] != float64(0x112233) || payload["new"] != float64(0xAABBCC) {
		t.Fatalf("unexpected values %v -> %v", payload["old"], payload["new"])
	}
	if payload["object_id"] != float64(user.ID()) {
		t.Fatalf("expected object id %d, got %v", user.ID(), payload["object_id"])
	}
	if payload["initial"] != false {
		t.Fatalf("expected a non-initial change")
	}
}

func TestChangesFiltersByKeyPath(t *testing.T) {
	server, registry := newServer(t, Options{})
	conn := dial(t, server, "?key_path=profile")

	profile := model.New(map[string]any{"theme": "dark"})
	user := model.New(map[string]any{"name": "ada", "profile": profile})
	target := newSink(t)
	if _, err := observe.AddTargetForKeyPaths(registry, user, []string{"name", "profile.theme"}, target, ignore); err != nil {
		t.Fatalf("add target: %v", err)
	}
	_ = user.SetValue(context.Background(), "name", "grace")
	_ = profile.SetValue(context.Background(), "theme", "light")

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var payload map[string]any
	if err := conn.ReadJSON(&payload); err != nil {
		t.Fatalf("read websocket: %v", err)
	}
	if payload["key_path"] != "profile.theme" || payload["new"] != "light" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestChangesEncodesObjectsAsReferences(t *testing.T) {
	server, registry := newServer(t, Options{})
	conn := dial(t, server, "")

	first := model.New(map[string]any{"theme": "dark"})
	second := model.New(map[string]any{"theme": "light"})
	user := model.New(map[string]any{"profile": first})
	target := newSink(t)
	if _, err := observe.AddTarget(registry, user, "profile", target, ignore); err != nil {
		t.Fatalf("add target: %v", err)
	}
	_ = user.SetValue(context.Background(), "profile", second)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var payload struct {
		Old objectRef `json:"old"`
		New objectRef `json:"new"`
	}
	if err := conn.ReadJSON(&payload); err != nil {
		t.Fatalf("read websocket: %v", err)
	}
	if payload.Old.ObjectID != first.ID() || payload.New.ObjectID != second.ID() {
		t.Fatalf("unexpected references %+v", payload)
	}
}

func TestChangesRejectsForeignOrigin(t *testing.T) {
	server, _ := newServer(t, Options{AllowedOrigins: []string{"http://allowed.example"}})
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + ChangesPath

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	if conn, _, err := websocket.DefaultDialer.Dial(wsURL, header); err == nil {
		_ = conn.Close()
		t.Fatalf("expected the handshake to fail")
	}

	header.Set("Origin", "http://allowed.example")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("expected allowed origin to connect: %v", err)
	}
	_ = conn.Close()
}

func TestChangesClosesWithRegistry(t *testing.T) {
	server, registry := newServer(t, Options{})
	conn := dial(t, server, "")
	registry.Close()

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the stream to end")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, registry := newServer(t, Options{})
	subject := model.New(map[string]any{"count": 0})
	target := newSink(t)
	if _, err := observe.AddTarget(registry, subject, "count", target, ignore); err != nil {
		t.Fatalf("add target: %v", err)
	}
	_ = subject.SetValue(context.Background(), "count", 1)

	response, err := http.Get(server.URL + MetricsPath)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer response.Body.Close()
	body, _ := io.ReadAll(response.Body)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", response.StatusCode)
	}
	text := string(body)
	if !strings.Contains(text, "kvbind_watchers_active 1") || !strings.Contains(text, "kvbind_changes_delivered_total 1") {
		t.Fatalf("unexpected exposition:\n%s", text)
	}

	post, err := http.Post(server.URL+MetricsPath, "text/plain", nil)
	if err != nil {
		t.Fatalf("post metrics: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", post.StatusCode)
	}
}

func TestUnavailableWithoutRegistry(t *testing.T) {
	recorder := httptest.NewRecorder()
	(&ChangesHandler{}).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, ChangesPath, nil))
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
}
