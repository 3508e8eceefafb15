package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/whispo/contextd/internal/api"
	"github.com/whispo/contextd/internal/api/handlers"
	"github.com/whispo/contextd/internal/events"
	"github.com/whispo/contextd/internal/mcpserver"
	"github.com/whispo/contextd/internal/protocol"
	"github.com/whispo/contextd/internal/registry"
	"github.com/whispo/contextd/internal/tools"
	"github.com/whispo/contextd/pkg/models"
)

func newRouter(t *testing.T, opts api.Options) (http.Handler, *events.Bus) {
	t.Helper()
	reg := registry.New()
	if err := tools.Register(reg, tools.Deps{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	bus := events.NewBus(8)
	h := &handlers.Handlers{
		Server:  mcpserver.New(mcpserver.Options{Registry: reg}),
		Events:  bus,
		Version: "test",
	}
	return api.NewRouter(h, opts), bus
}

func post(h http.Handler, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestMCPEndpoint_Request(t *testing.T) {
	h, _ := newRouter(t, api.Options{})

	w := post(h, "/mcp", `{"jsonrpc":"2.0","id":"a1","method":"tools/list"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body)
	}
	m, err := protocol.Decode(w.Body.Bytes())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if m.ID == nil || m.ID.String() != "a1" {
		t.Errorf("response id = %v, want a1", m.ID)
	}
	var res protocol.ListToolsResult
	if err := json.Unmarshal(m.Result, &res); err != nil || len(res.Tools) != 7 {
		t.Errorf("tools/list = %s (%v)", m.Result, err)
	}
}

func TestMCPEndpoint_NotificationAccepted(t *testing.T) {
	h, _ := newRouter(t, api.Options{})

	w := post(h, "/mcp", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", w.Body)
	}
}

func TestMCPEndpoint_Malformed(t *testing.T) {
	h, _ := newRouter(t, api.Options{})

	for _, body := range []string{`{"jsonrpc":"2.0","id":1`, `{"jsonrpc":"1.0","id":1,"method":"ping"}`, `[]`} {
		w := post(h, "/mcp", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, w.Code)
			continue
		}
		var m protocol.Message
		if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil || m.Error == nil || m.Error.Code != protocol.CodeParseError {
			t.Errorf("%s: body = %s", body, w.Body)
		}
	}
}

func TestMCPEndpoint_CustomPathAndToken(t *testing.T) {
	h, _ := newRouter(t, api.Options{Path: "/rpc", Token: "s3cret"})
	ping := `{"jsonrpc":"2.0","id":1,"method":"ping"}`

	if w := post(h, "/rpc", ping); w.Code != http.StatusUnauthorized {
		t.Errorf("without token: status = %d, want 401", w.Code)
	}
	if w := post(h, "/rpc", ping, "Authorization", "Bearer s3cret"); w.Code != http.StatusOK {
		t.Errorf("with token: status = %d, want 200", w.Code)
	}
	if w := post(h, "/mcp", ping, "Authorization", "Bearer s3cret"); w.Code != http.StatusNotFound {
		t.Errorf("default path: status = %d, want 404", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("/health: status = %d, want 200", w.Code)
	}
}

func TestEventsEndpoint_Streams(t *testing.T) {
	h, bus := newRouter(t, api.Options{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/mcp/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /mcp/events error = %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	next := func() string {
		for sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, "event: ") {
				return strings.TrimPrefix(line, "event: ")
			}
		}
		return ""
	}
	if got := next(); got != "connected" {
		t.Fatalf("first event = %q, want connected", got)
	}

	bus.Publish(models.Event{Type: models.EventGlossaryUpdated})
	if got := next(); got != string(models.EventGlossaryUpdated) {
		t.Errorf("event = %q, want %s", got, models.EventGlossaryUpdated)
	}
}

func TestHealth_ReportsEventSubscribers(t *testing.T) {
	h, bus := newRouter(t, api.Options{})
	_, cancel := bus.Subscribe()
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("/health: status = %d, want 200", w.Code)
	}
	var body struct {
		Status      string `json:"status"`
		Subscribers int    `json:"event_subscribers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode /health: %v", err)
	}
	if body.Status != "healthy" || body.Subscribers != 1 {
		t.Errorf("/health = %+v, want healthy with 1 subscriber", body)
	}
}
