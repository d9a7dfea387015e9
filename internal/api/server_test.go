package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/robot-bridge/internal/bridge"
	"github.com/nerrad567/robot-bridge/internal/infrastructure/config"
	"github.com/nerrad567/robot-bridge/internal/infrastructure/database"
	"github.com/nerrad567/robot-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/robot-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/robot-bridge/internal/journal"
	"github.com/nerrad567/robot-bridge/internal/robot"
	"github.com/nerrad567/robot-bridge/migrations"
)

const readWait = 2 * time.Second

// testServer starts a gateway in front of a mock device. mutate may adjust
// the deps before New.
func testServer(t *testing.T, mutate func(*Deps)) (*Server, *robot.Mock) {
	t.Helper()

	mock, err := robot.ListenMock("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenMock: %v", err)
	}
	t.Cleanup(func() { mock.Close() })

	link := robot.New(mock.Config())
	t.Cleanup(func() { link.Close() })

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	deps := Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:       log,
		Link:         link,
		PollInterval: 20 * time.Millisecond,
		Version:      "test",
	}
	if mutate != nil {
		mutate(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	return srv, mock
}

func dial(t *testing.T, srv *Server, header http.Header) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readStatus(t *testing.T, conn *websocket.Conn) bridge.StatusEvent {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(readWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error: %v", err)
	}
	var ev bridge.StatusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decoding %q: %v", data, err)
	}
	if ev.Type != bridge.TypeStatus {
		t.Fatalf("type = %q, want %q", ev.Type, bridge.TypeStatus)
	}
	return ev
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("WriteMessage(%s) error: %v", frame, err)
	}
}

func getJSON(t *testing.T, srv *Server, path string, v any) int {
	t.Helper()

	resp, err := http.Get("http://" + srv.Addr() + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()

	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decoding %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

// ============================================================================
// Construction
// ============================================================================

func TestNew_RequiresLoggerAndLink(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	if _, err := New(Deps{Link: robot.New(robot.Config{Host: "127.0.0.1", Port: 1})}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: log}); err == nil {
		t.Error("New() without link should fail")
	}
}

func TestWithWSDefaults(t *testing.T) {
	cfg := withWSDefaults(config.WebSocketConfig{})
	if cfg.Path != "/ws" {
		t.Errorf("Path = %q, want /ws", cfg.Path)
	}
	if cfg.MaxMessageSize != 8192 || cfg.PingInterval != 30 || cfg.PongTimeout != 10 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.SendBuffer != wsSendBufferSize {
		t.Errorf("SendBuffer = %d, want %d", cfg.SendBuffer, wsSendBufferSize)
	}

	kept := withWSDefaults(config.WebSocketConfig{Path: "/robot", SendBuffer: 4})
	if kept.Path != "/robot" || kept.SendBuffer != 4 {
		t.Errorf("explicit values overwritten: %+v", kept)
	}
}

func TestStart_Twice(t *testing.T) {
	srv, _ := testServer(t, nil)
	if err := srv.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}
}

// ============================================================================
// Channel lifecycle
// ============================================================================

func TestWebSocket_AnnouncesStateOnAttach(t *testing.T) {
	srv, _ := testServer(t, nil)
	conn := dial(t, srv, nil)

	ev := readStatus(t, conn)
	if ev.Data.RobotConnected {
		t.Error("first status should report disconnected before any command")
	}
}

func TestWebSocket_MoveReachesDevice(t *testing.T) {
	srv, mock := testServer(t, nil)
	conn := dial(t, srv, nil)
	readStatus(t, conn)

	send(t, conn, `{"type":"move","data":{"pan":10,"tilt":-5}}`)

	if !mock.WaitForLines(1, readWait) {
		t.Fatal("device never received the move command")
	}
	got := mock.Commands()[0]
	if got["cmd"] != "move" || got["pan"] != float64(10) || got["tilt"] != float64(-5) {
		t.Errorf("device got %v", got)
	}

	// The send connected the link; the poll reports the edge.
	if ev := readStatus(t, conn); !ev.Data.RobotConnected {
		t.Error("expected a connected status after the first command")
	}
}

func TestWebSocket_CommandsKeepOrder(t *testing.T) {
	srv, mock := testServer(t, nil)
	conn := dial(t, srv, nil)
	readStatus(t, conn)

	send(t, conn, `{"type":"face","data":{"val":"happy"}}`)
	send(t, conn, `{"type":"say","data":{"val":"hello"}}`)
	send(t, conn, `{"type":"move"}`)

	if !mock.WaitForLines(3, readWait) {
		t.Fatalf("device got %d lines, want 3", len(mock.Lines()))
	}
	cmds := mock.Commands()
	want := []string{"face", "say", "move"}
	for i, name := range want {
		if cmds[i]["cmd"] != name {
			t.Errorf("command %d = %v, want %s", i, cmds[i]["cmd"], name)
		}
	}
	if cmds[2]["pan"] != float64(0) || cmds[2]["tilt"] != float64(0) {
		t.Errorf("move without data should default to 0/0, got %v", cmds[2])
	}
}

func TestWebSocket_ReconnectReportsStatus(t *testing.T) {
	srv, _ := testServer(t, nil)
	conn := dial(t, srv, nil)
	readStatus(t, conn)

	send(t, conn, `{"type":"reconnect"}`)

	if ev := readStatus(t, conn); !ev.Data.RobotConnected {
		t.Fatal("reconnect should report connected")
	}

	// The poll must not repeat the same transition.
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Errorf("unexpected extra frame %s", data)
	}
}

func TestWebSocket_ReconnectToDeadDevice(t *testing.T) {
	srv, mock := testServer(t, nil)
	conn := dial(t, srv, nil)
	readStatus(t, conn)

	mock.Close()
	send(t, conn, `{"type":"reconnect"}`)

	if ev := readStatus(t, conn); ev.Data.RobotConnected {
		t.Error("reconnect to a closed device should report disconnected")
	}
}

func TestWebSocket_IgnoresBadFrames(t *testing.T) {
	srv, mock := testServer(t, nil)
	conn := dial(t, srv, nil)
	readStatus(t, conn)

	for _, frame := range []string{
		`not json`,
		`{"type":"dance"}`,
		`{"type":"move","data":"wrong"}`,
		`[]`,
	} {
		send(t, conn, frame)
	}
	send(t, conn, `{"type":"say","data":{"val":"still here"}}`)

	if !mock.WaitForLines(1, readWait) {
		t.Fatal("channel stopped after bad frames")
	}
	if got := len(mock.Lines()); got != 1 {
		t.Errorf("device got %d lines, want 1", got)
	}
}

func TestWebSocket_ConnectionLimit(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) { d.WS.MaxConnections = 1 })
	dial(t, srv, nil)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	if err == nil {
		t.Fatal("second channel should be rejected")
	}
	if resp == nil {
		t.Fatalf("expected an HTTP response, got %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestWebSocket_OriginCheck(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) { d.WS.AllowedOrigins = []string{"http://panel.local"} })

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws",
		http.Header{"Origin": []string{"http://evil.example"}})
	if err == nil {
		t.Fatal("foreign origin should be rejected")
	}
	if resp != nil {
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	}
	if n := srv.hub.ClientCount(); n != 0 {
		t.Errorf("rejected upgrade left %d clients registered", n)
	}

	conn := dial(t, srv, http.Header{"Origin": []string{"http://panel.local"}})
	readStatus(t, conn)
}

func TestWebSocket_ClientDisconnectUnregisters(t *testing.T) {
	srv, _ := testServer(t, nil)
	conn := dial(t, srv, nil)
	readStatus(t, conn)

	if n := srv.hub.ClientCount(); n != 1 {
		t.Fatalf("ClientCount() = %d, want 1", n)
	}
	conn.Close()

	deadline := time.Now().Add(readWait)
	for srv.hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client still registered after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClose_EndsChannels(t *testing.T) {
	srv, _ := testServer(t, nil)
	conn := dial(t, srv, nil)
	readStatus(t, conn)

	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(readWait))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatal("channel still open after Close")
			}
			break
		}
	}

	if _, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil); err == nil {
		t.Error("dial after Close should fail")
	}
}

func TestHub_RegisterAfterClose(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	hub := NewHub(withWSDefaults(config.WebSocketConfig{}), log)
	hub.closeAll()

	client := &WSClient{hub: hub, send: make(chan []byte, 1)}
	if err := hub.Register(client); !errors.Is(err, ErrTooManyClients) {
		t.Errorf("Register() after close = %v, want ErrTooManyClients", err)
	}
}

func TestWSClient_TrySend(t *testing.T) {
	client := &WSClient{send: make(chan []byte, 1)}

	if !client.trySend([]byte("a")) {
		t.Error("first send should be queued")
	}
	if client.trySend([]byte("b")) {
		t.Error("send to a full buffer should report false")
	}
	close(client.send)
	if client.trySend([]byte("c")) {
		t.Error("send to a closed channel should report false")
	}
}

// ============================================================================
// HTTP endpoints
// ============================================================================

func TestHealth(t *testing.T) {
	srv, _ := testServer(t, nil)

	var got HealthResponse
	if code := getJSON(t, srv, "/api/v1/health", &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got.Status != "ok" || got.Version != "test" {
		t.Errorf("health = %+v", got)
	}
	if got.RobotConnected {
		t.Error("robot_connected should be false before any command")
	}
	if got.Checks["robot"] == "ok" {
		t.Errorf("checks.robot = %q before any command, want the link error", got.Checks["robot"])
	}
}

func TestHealth_DatabaseCheck(t *testing.T) {
	db, err := database.Open(config.DatabaseConfig{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	srv, _ := testServer(t, func(d *Deps) { d.DB = db })

	var got HealthResponse
	getJSON(t, srv, "/api/v1/health", &got)
	if got.Status != "ok" || got.Checks["database"] != "ok" {
		t.Errorf("healthy database: %+v", got)
	}

	db.Close()
	getJSON(t, srv, "/api/v1/health", &got)
	if got.Status != "degraded" || got.Checks["database"] == "ok" {
		t.Errorf("closed database: %+v", got)
	}
}

func TestHealth_InfluxCheck(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	fake := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/ping") && healthy.Load() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(fake.Close)

	influx, err := influxdb.Connect(config.InfluxDBConfig{
		Enabled:       true,
		URL:           fake.URL,
		Token:         "robotbridge-test-token",
		Org:           "robotbridge",
		Bucket:        "robot",
		BatchSize:     100,
		FlushInterval: 1,
	})
	if err != nil {
		t.Fatalf("influxdb.Connect: %v", err)
	}
	t.Cleanup(func() { influx.Close() })
	srv, _ := testServer(t, func(d *Deps) { d.Influx = influx })

	var got HealthResponse
	getJSON(t, srv, "/api/v1/health", &got)
	if got.Status != "ok" || got.Checks["influxdb"] != "ok" {
		t.Errorf("healthy influxdb: %+v", got)
	}

	var metrics SystemMetrics
	getJSON(t, srv, "/api/v1/metrics", &metrics)
	if metrics.InfluxDB == nil || !metrics.InfluxDB.Connected {
		t.Errorf("influxdb metrics = %+v, want connected", metrics.InfluxDB)
	}

	healthy.Store(false)
	got = HealthResponse{}
	getJSON(t, srv, "/api/v1/health", &got)
	if got.Status != "degraded" || got.Checks["influxdb"] == "ok" {
		t.Errorf("unhealthy influxdb: %+v", got)
	}
}

func TestMetrics(t *testing.T) {
	srv, mock := testServer(t, nil)
	conn := dial(t, srv, nil)
	readStatus(t, conn)

	send(t, conn, `{"type":"say","data":{"val":"hi"}}`)
	if !mock.WaitForLines(1, readWait) {
		t.Fatal("device never received the command")
	}

	// The counter moves just after the write completes.
	var got SystemMetrics
	deadline := time.Now().Add(readWait)
	for {
		if code := getJSON(t, srv, "/api/v1/metrics", &got); code != http.StatusOK {
			t.Fatalf("status = %d", code)
		}
		if got.Robot.CommandsSent > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got.WebSocket.ConnectedClients != 1 {
		t.Errorf("connected_clients = %d, want 1", got.WebSocket.ConnectedClients)
	}
	if got.Robot.Address != mock.Addr() {
		t.Errorf("robot.address = %q, want %q", got.Robot.Address, mock.Addr())
	}
	if got.Robot.CommandsSent != 1 {
		t.Errorf("robot.commands_sent = %d, want 1", got.Robot.CommandsSent)
	}
	if got.MQTT != nil || got.InfluxDB != nil || got.Database != nil || got.Telemetry != nil {
		t.Error("optional sections should be omitted when not configured")
	}
}

func TestHistory_Disabled(t *testing.T) {
	srv, _ := testServer(t, nil)

	var got Error
	if code := getJSON(t, srv, "/api/v1/history", &got); code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if got.Code != ErrCodeUnavailable {
		t.Errorf("code = %q", got.Code)
	}
}

func TestHistory(t *testing.T) {
	db, err := database.Open(config.DatabaseConfig{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	if err := db.Migrate(ctx, migrations.FS, "."); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	repo := journal.NewSQLiteRepository(db.DB)

	for _, rec := range []*journal.CommandRecord{
		{Cmd: "move", Payload: `{"cmd":"move"}`, Delivered: true},
		{Cmd: "say", Payload: `{"cmd":"say"}`, Delivered: false, Error: "not connected"},
	} {
		if err := repo.RecordCommand(ctx, rec); err != nil {
			t.Fatalf("RecordCommand: %v", err)
		}
	}
	if err := repo.RecordLinkEvent(ctx, &journal.LinkEvent{Address: "robot:9000", Connected: true}); err != nil {
		t.Fatalf("RecordLinkEvent: %v", err)
	}

	srv, _ := testServer(t, func(d *Deps) { d.Journal = repo })

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantTotal int
		wantCount int
	}{
		{"all", "", http.StatusOK, 2, 2},
		{"filtered", "?cmd=say", http.StatusOK, 1, 1},
		{"paged", "?limit=1&offset=1", http.StatusOK, 2, 1},
		{"bad limit", "?limit=abc", http.StatusBadRequest, 0, 0},
		{"negative offset", "?offset=-1", http.StatusBadRequest, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got HistoryResponse
			code := getJSON(t, srv, "/api/v1/history"+tt.query, &got)
			if code != tt.wantCode {
				t.Fatalf("status = %d, want %d", code, tt.wantCode)
			}
			if code != http.StatusOK {
				return
			}
			if got.Commands.Total != tt.wantTotal {
				t.Errorf("total = %d, want %d", got.Commands.Total, tt.wantTotal)
			}
			if len(got.Commands.Commands) != tt.wantCount {
				t.Errorf("len(commands) = %d, want %d", len(got.Commands.Commands), tt.wantCount)
			}
			if len(got.Links) != 1 {
				t.Errorf("len(links) = %d, want 1", len(got.Links))
			}
		})
	}
}

func TestControlPage(t *testing.T) {
	srv, _ := testServer(t, nil)

	resp, err := http.Get("http://" + srv.Addr() + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "connection-status") {
		t.Error("control page not served at /")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

// ============================================================================
// Middleware
// ============================================================================

func TestCORS(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) {
		d.Config.CORS.AllowedOrigins = []string{"http://panel.local"}
	})

	tests := []struct {
		origin    string
		wantAllow string
	}{
		{"http://panel.local", "http://panel.local"},
		{"http://evil.example", ""},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodOptions, "http://"+srv.Addr()+"/api/v1/health", nil)
			req.Header.Set("Origin", tt.origin)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("OPTIONS: %v", err)
			}
			resp.Body.Close()

			if resp.StatusCode != http.StatusNoContent {
				t.Errorf("status = %d, want 204", resp.StatusCode)
			}
			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}

func TestRequestIDPropagated(t *testing.T) {
	srv, _ := testServer(t, nil)

	req, _ := http.NewRequest(http.MethodGet, "http://"+srv.Addr()+"/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	if got := resp.Header.Get("X-Request-ID"); got != "abc123" {
		t.Errorf("X-Request-ID = %q, want abc123", got)
	}
}

func TestJoinOrDefault(t *testing.T) {
	if got := joinOrDefault(nil, "GET"); got != "GET" {
		t.Errorf("joinOrDefault(nil) = %q", got)
	}
	if got := joinOrDefault([]string{"GET", "POST"}, "x"); got != "GET, POST" {
		t.Errorf("joinOrDefault = %q", got)
	}
}
