package robot

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// recordingObserver captures link events for assertions.
type recordingObserver struct {
	mu       sync.Mutex
	states   []bool
	commands []Command
	errs     []error
}

func (r *recordingObserver) OnStateChange(connected bool) {
	r.mu.Lock()
	r.states = append(r.states, connected)
	r.mu.Unlock()
}

func (r *recordingObserver) OnCommand(cmd Command, err error) {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recordingObserver) States() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.states...)
}

func newTestMock(t *testing.T) *Mock {
	t.Helper()
	mock, err := ListenMock("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenMock() error = %v", err)
	}
	t.Cleanup(func() { mock.Close() })
	return mock
}

func newTestLink(t *testing.T, cfg Config) *Link {
	t.Helper()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.WriteTimeout = time.Second
	link := New(cfg)
	t.Cleanup(func() { link.Close() })
	return link
}

// unusedPortConfig returns a config pointing at a port nothing listens on.
func unusedPortConfig(t *testing.T) Config {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return Config{Host: "127.0.0.1", Port: port}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_Defaults(t *testing.T) {
	link := New(Config{Host: "127.0.0.1", Port: 9999})

	if link.cfg.ConnectTimeout != defaultConnectTimeout {
		t.Errorf("ConnectTimeout = %v, want %v", link.cfg.ConnectTimeout, defaultConnectTimeout)
	}
	if link.cfg.WriteTimeout != defaultWriteTimeout {
		t.Errorf("WriteTimeout = %v, want %v", link.cfg.WriteTimeout, defaultWriteTimeout)
	}
	if link.Address() != "127.0.0.1:9999" {
		t.Errorf("Address() = %q, want 127.0.0.1:9999", link.Address())
	}
	if link.IsConnected() {
		t.Error("IsConnected() = true before Connect")
	}
	if err := link.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Connect / Disconnect / Reconnect
// =============================================================================

func TestLink_ConnectIdempotent(t *testing.T) {
	mock := newTestMock(t)
	link := newTestLink(t, mock.Config())
	ctx := context.Background()

	if err := link.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := link.Connect(ctx); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}

	if !link.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}
	if got := link.Stats().ConnectAttempts; got != 1 {
		t.Errorf("ConnectAttempts = %d, want 1", got)
	}
	if !waitFor(t, time.Second, func() bool { return mock.Accepted() == 1 }) {
		t.Errorf("mock accepted %d connections, want 1", mock.Accepted())
	}
	if got := mock.ActiveConnections(); got != 1 {
		t.Errorf("ActiveConnections() = %d, want 1", got)
	}
}

func TestLink_ConnectFailure(t *testing.T) {
	link := newTestLink(t, unusedPortConfig(t))

	err := link.Connect(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	if link.IsConnected() {
		t.Error("IsConnected() = true after failed Connect")
	}

	stats := link.Stats()
	if stats.ConnectFailures != 1 {
		t.Errorf("ConnectFailures = %d, want 1", stats.ConnectFailures)
	}
}

func TestLink_DisconnectIdempotent(t *testing.T) {
	mock := newTestMock(t)
	link := newTestLink(t, mock.Config())
	obs := &recordingObserver{}
	link.SetObserver(obs)

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	link.Disconnect()
	link.Disconnect()

	if link.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
	if got := obs.States(); len(got) != 2 || got[0] != true || got[1] != false {
		t.Errorf("observed states = %v, want [true false]", got)
	}
	if !waitFor(t, time.Second, func() bool { return mock.ActiveConnections() == 0 }) {
		t.Error("mock still has an open connection after Disconnect")
	}
}

func TestLink_Reconnect(t *testing.T) {
	mock := newTestMock(t)
	link := newTestLink(t, mock.Config())
	ctx := context.Background()

	if err := link.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := link.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}

	if !link.IsConnected() {
		t.Error("IsConnected() = false after Reconnect")
	}
	stats := link.Stats()
	if stats.Reconnects != 1 {
		t.Errorf("Reconnects = %d, want 1", stats.Reconnects)
	}
	if stats.ConnectAttempts != 2 {
		t.Errorf("ConnectAttempts = %d, want 2", stats.ConnectAttempts)
	}
	if !waitFor(t, time.Second, func() bool { return mock.Accepted() == 2 }) {
		t.Errorf("mock accepted %d connections, want 2", mock.Accepted())
	}
}

func TestLink_ReconnectFailureLeavesDisconnected(t *testing.T) {
	mock := newTestMock(t)
	link := newTestLink(t, mock.Config())
	obs := &recordingObserver{}
	link.SetObserver(obs)

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	mock.Close()

	if err := link.Reconnect(context.Background()); !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Reconnect() error = %v, want ErrConnectionFailed", err)
	}
	if link.IsConnected() {
		t.Error("IsConnected() = true after failed Reconnect")
	}
	if got := obs.States(); len(got) != 2 || got[1] != false {
		t.Errorf("observed states = %v, want [true false]", got)
	}
}

// =============================================================================
// Send
// =============================================================================

func TestLink_SendConnectsOnDemand(t *testing.T) {
	mock := newTestMock(t)
	link := newTestLink(t, mock.Config())

	if err := link.Send(context.Background(), Move(0, 0)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if !mock.WaitForLines(1, time.Second) {
		t.Fatal("mock did not receive the command")
	}
	if got := mock.Lines()[0]; got != `{"cmd":"move","pan":0,"tilt":0}` {
		t.Errorf("received line = %q", got)
	}
	stats := link.Stats()
	if stats.ConnectAttempts != 1 {
		t.Errorf("ConnectAttempts = %d, want 1", stats.ConnectAttempts)
	}
	if stats.CommandsSent != 1 {
		t.Errorf("CommandsSent = %d, want 1", stats.CommandsSent)
	}
}

func TestLink_SendAtMostOneConnectPerCall(t *testing.T) {
	link := newTestLink(t, unusedPortConfig(t))
	obs := &recordingObserver{}
	link.SetObserver(obs)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		err := link.Send(ctx, Say("hello"))
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("Send() #%d error = %v, want ErrNotConnected", i, err)
		}
		if got := link.Stats().ConnectAttempts; got != uint64(i) {
			t.Errorf("after Send() #%d ConnectAttempts = %d, want %d", i, got, i)
		}
	}

	if link.IsConnected() {
		t.Error("IsConnected() = true after failed sends")
	}
	stats := link.Stats()
	if stats.CommandsDropped != 3 {
		t.Errorf("CommandsDropped = %d, want 3", stats.CommandsDropped)
	}
	if len(obs.States()) != 0 {
		t.Errorf("observed states = %v, want none", obs.States())
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.errs) != 3 || obs.errs[0] == nil {
		t.Errorf("observed command errors = %v, want 3 failures", obs.errs)
	}
}

func TestLink_SendWriteFailureDisconnects(t *testing.T) {
	mock := newTestMock(t)
	link := newTestLink(t, mock.Config())
	obs := &recordingObserver{}
	link.SetObserver(obs)

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// Break the socket underneath the link without updating its state.
	link.mu.Lock()
	link.conn.Close()
	link.mu.Unlock()

	err := link.Send(context.Background(), Face("happy"))
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("Send() error = %v, want ErrSendFailed", err)
	}
	if link.IsConnected() {
		t.Error("IsConnected() = true after write failure")
	}

	stats := link.Stats()
	if stats.ErrorsTotal != 1 {
		t.Errorf("ErrorsTotal = %d, want 1", stats.ErrorsTotal)
	}
	if stats.ConnectAttempts != 1 {
		t.Errorf("ConnectAttempts = %d, want 1 (no retry on write failure)", stats.ConnectAttempts)
	}
	if got := obs.States(); len(got) != 2 || got[1] != false {
		t.Errorf("observed states = %v, want [true false]", got)
	}
}

func TestLink_SendCancelledContext(t *testing.T) {
	mock := newTestMock(t)
	link := newTestLink(t, mock.Config())

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := link.Send(ctx, Say("hi")); !errors.Is(err, ErrSendFailed) {
		t.Errorf("Send() error = %v, want ErrSendFailed", err)
	}
	if !link.IsConnected() {
		t.Error("IsConnected() = false, cancellation must not drop the link")
	}
}

func TestLink_SendInvalidCommand(t *testing.T) {
	link := newTestLink(t, unusedPortConfig(t))

	err := link.Send(context.Background(), Command{})
	if !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("Send() error = %v, want ErrInvalidCommand", err)
	}
	if got := link.Stats().ConnectAttempts; got != 0 {
		t.Errorf("ConnectAttempts = %d, want 0", got)
	}
}

func TestLink_ConcurrentSendsShareOneConnection(t *testing.T) {
	mock := newTestMock(t)
	link := newTestLink(t, mock.Config())
	ctx := context.Background()

	const senders = 20
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = link.Send(ctx, Move(i, -i))
		}(i)
	}
	wg.Wait()

	if !mock.WaitForLines(senders, 2*time.Second) {
		t.Fatalf("mock received %d lines, want %d", len(mock.Lines()), senders)
	}
	if got := mock.Accepted(); got != 1 {
		t.Errorf("mock accepted %d connections, want 1", got)
	}
	if got := mock.Invalid(); got != 0 {
		t.Errorf("mock saw %d malformed lines, want 0", got)
	}
}

// =============================================================================
// RefreshConnectionState
// =============================================================================

func TestLink_RefreshWithoutSocket(t *testing.T) {
	link := newTestLink(t, unusedPortConfig(t))
	obs := &recordingObserver{}
	link.SetObserver(obs)

	link.RefreshConnectionState()

	if link.IsConnected() {
		t.Error("IsConnected() = true with no socket")
	}
	if len(obs.States()) != 0 {
		t.Errorf("observed states = %v, want none", obs.States())
	}
}

func TestLink_RefreshDetectsPeerClose(t *testing.T) {
	mock := newTestMock(t)
	link := newTestLink(t, mock.Config())

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !waitFor(t, time.Second, func() bool { return mock.ActiveConnections() == 1 }) {
		t.Fatal("mock never saw the connection")
	}

	mock.DropConnections()

	ok := waitFor(t, 2*time.Second, func() bool {
		link.RefreshConnectionState()
		return !link.IsConnected()
	})
	if !ok {
		t.Fatal("RefreshConnectionState() never noticed the peer closing")
	}

	// The next send reconnects
	if err := link.Send(context.Background(), Say("back")); err != nil {
		t.Fatalf("Send() after peer close error = %v", err)
	}
	if !mock.WaitForLines(1, time.Second) {
		t.Error("mock did not receive the command after reconnect")
	}
}

func TestLink_RefreshKeepsLiveConnection(t *testing.T) {
	mock := newTestMock(t)
	link := newTestLink(t, mock.Config())

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		link.RefreshConnectionState()
	}
	if !link.IsConnected() {
		t.Error("IsConnected() = false, refresh dropped a live connection")
	}
}

// =============================================================================
// Close
// =============================================================================

func TestLink_Close(t *testing.T) {
	mock := newTestMock(t)
	link := New(mock.Config())

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := link.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := link.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if link.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
	if err := link.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect() after Close error = %v, want ErrClosed", err)
	}
	if err := link.Send(context.Background(), Say("late")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() after Close error = %v, want ErrNotConnected", err)
	}
}

func TestLink_Stats(t *testing.T) {
	link := New(Config{Host: "127.0.0.1", Port: 1})

	stats := link.Stats()
	if stats.CommandsSent != 0 || stats.CommandsDropped != 0 || stats.ErrorsTotal != 0 {
		t.Errorf("initial stats = %+v, want zero counters", stats)
	}
	if !stats.LastActivity.IsZero() {
		t.Errorf("LastActivity = %v, want zero", stats.LastActivity)
	}

	link.commandsSent.Add(5)
	link.errorsTotal.Add(2)
	link.connected.Store(true)

	stats = link.Stats()
	if stats.CommandsSent != 5 {
		t.Errorf("CommandsSent = %d, want 5", stats.CommandsSent)
	}
	if stats.ErrorsTotal != 2 {
		t.Errorf("ErrorsTotal = %d, want 2", stats.ErrorsTotal)
	}
	if !stats.Connected {
		t.Error("Connected = false, want true")
	}
}
