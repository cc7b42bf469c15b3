package integration

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/metorial/chatops/internal/api"
	"github.com/metorial/chatops/internal/broadcast"
	"github.com/metorial/chatops/internal/chat"
	"github.com/metorial/chatops/internal/executor"
	"github.com/metorial/chatops/internal/logging"
	"github.com/metorial/chatops/internal/models"
	"github.com/metorial/chatops/internal/registry"
	"github.com/metorial/chatops/internal/runner"
	"github.com/metorial/chatops/internal/store"
)

type testServer struct {
	URL        string
	DB         *store.DB
	Registry   *registry.Registry
	ScriptsDir string
}

// startServer assembles the same stack as cmd/chatops on an httptest
// server, with the default scripts seeded into a temporary directory.
func startServer(t *testing.T, maxRuntime time.Duration) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	dir := t.TempDir()

	writeScript(t, dir, "hello.sh", "echo 'Hello World'")
	writeScript(t, dir, "date.sh", "date -u +%Y")
	writeScript(t, dir, "system_info.sh", "uname -s")

	db, err := store.NewDB(store.DriverSQLite, filepath.Join(dir, "chatops.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}

	scripts := registry.New(db, logger)
	if _, err := scripts.SeedDefaults(t.Context()); err != nil {
		t.Fatalf("Failed to seed scripts: %v", err)
	}

	metrics := logging.MustMetrics()
	tasks := executor.New(db, runner.New(logger), executor.Options{
		ScriptsDir: dir,
		MaxRuntime: maxRuntime,
		Workers:    2,
	}, metrics, logger)
	rooms := broadcast.New(metrics, logger)
	identity := chat.NewIdentityResolver(db)
	router := chat.NewRouter(db, scripts, tasks, rooms, 25*time.Millisecond, 0, logger)
	sessions := chat.NewHandler(identity, router, rooms, []string{"*"}, logger)

	apiMux := http.NewServeMux()
	api.NewAPI(db, scripts, tasks, identity, nil, rooms, "integration", logger).RegisterRoutes(apiMux)

	mux := http.NewServeMux()
	mux.Handle("/ws/{room}", sessions)
	mux.Handle("/", api.Handler(apiMux, []string{"*"}))

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		sessions.Close()
		tasks.Close()
		db.Close()
	})

	return &testServer{URL: srv.URL, DB: db, Registry: scripts, ScriptsDir: dir}
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0o700); err != nil {
		t.Fatalf("Failed to write script %s: %v", name, err)
	}
}

type wireEvent struct {
	Type   models.EventType       `json:"type"`
	Data   map[string]interface{} `json:"data"`
	UserID int64                  `json:"user_id"`
}

func (e wireEvent) result() map[string]interface{} {
	r, _ := e.Data["result"].(map[string]interface{})
	return r
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (s *testServer) connect(t *testing.T, room, token string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/" + room
	if token != "" {
		url += "?token=" + token
	}

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect to %s: %v", url, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	c := &wsClient{t: t, conn: conn}
	if join := c.next(); join.Type != models.EventUserJoin {
		t.Fatalf("Expected user_join first, got %s", join.Type)
	}
	return c
}

func (c *wsClient) send(content string) {
	c.t.Helper()
	if err := c.conn.WriteJSON(models.InboundFrame{Type: "message", Content: content}); err != nil {
		c.t.Fatalf("Failed to send %q: %v", content, err)
	}
}

func (c *wsClient) next() wireEvent {
	c.t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(15 * time.Second)); err != nil {
		c.t.Fatalf("Failed to set deadline: %v", err)
	}
	var e wireEvent
	if err := c.conn.ReadJSON(&e); err != nil {
		c.t.Fatalf("Failed to read event: %v", err)
	}
	return e
}

// expectSilence fails if any event arrives within d.
func (c *wsClient) expectSilence(d time.Duration) {
	c.t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		c.t.Fatalf("Failed to set deadline: %v", err)
	}
	var e wireEvent
	if err := c.conn.ReadJSON(&e); err == nil {
		c.t.Fatalf("Expected no further events, got %s", e.Type)
	}
}
