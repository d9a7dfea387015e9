package robot

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) isClosed() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// Default timeouts for device communication.
const (
	// defaultConnectTimeout bounds a single dial.
	defaultConnectTimeout = 5 * time.Second

	// defaultWriteTimeout bounds a single write and flush.
	defaultWriteTimeout = 5 * time.Second

	// readBufferSize is the scratch buffer for the EOF watcher.
	readBufferSize = 512
)

// Config holds device connection settings.
type Config struct {
	Host string
	Port int

	// ConnectTimeout is the maximum time to wait for a dial.
	// Default: 5 seconds.
	ConnectTimeout time.Duration

	// WriteTimeout is the maximum time to wait for a command write.
	// Default: 5 seconds.
	WriteTimeout time.Duration
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Stats holds operational statistics.
type Stats struct {
	CommandsSent    uint64
	CommandsDropped uint64 // Not connected, or the write failed
	ConnectAttempts uint64
	ConnectFailures uint64
	Reconnects      uint64 // Explicit Reconnect calls
	ErrorsTotal     uint64
	LastActivity    time.Time
	Connected       bool
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Observer receives link events. Callbacks run on the goroutine that caused
// the event, after the link lock has been released, and must not block.
type Observer interface {
	// OnStateChange is called when the connected flag flips.
	OnStateChange(connected bool)

	// OnCommand is called once per Send with its outcome (nil when delivered).
	OnCommand(cmd Command, err error)
}

// Link owns the single TCP session to the device.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Connect, Disconnect, Reconnect, Send and RefreshConnectionState are
//     serialised by one mutex so their check-then-act sequences are atomic.
//
// Failure model:
//   - Every transport failure collapses to "disconnected". The next Send
//     makes exactly one connect attempt; there is no background reconnect.
type Link struct {
	cfg    Config
	addr   string
	dialer net.Dialer

	mu     sync.Mutex
	conn   net.Conn
	writer *bufio.Writer
	eof    *closeOnce // closed by the watcher when the read side ends
	closed bool

	// connected mirrors the state under mu so readers never wait on a dial.
	connected atomic.Bool

	// Connection watchers
	wg sync.WaitGroup

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex

	// Observer (optional)
	observer   Observer
	observerMu sync.RWMutex

	// Statistics (atomic for performance)
	commandsSent    atomic.Uint64
	commandsDropped atomic.Uint64
	connectAttempts atomic.Uint64
	connectFailures atomic.Uint64
	reconnects      atomic.Uint64
	errorsTotal     atomic.Uint64
	lastActivity    atomic.Int64 // Unix timestamp
}

// New creates a disconnected link. No I/O happens until Connect or Send.
func New(cfg Config) *Link {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Link{
		cfg:  cfg,
		addr: cfg.Address(),
	}
}

// Connect opens the TCP session.
//
// It is idempotent: when already connected with a live socket it returns nil
// without dialling. A stale socket is closed first. Failure leaves the link
// disconnected and is never fatal.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	before := l.connected.Load()
	err := l.connectLocked(ctx)
	after := l.connected.Load()
	l.mu.Unlock()

	l.notifyTransition(before, after)
	return err
}

// Disconnect closes the socket if present. Idempotent.
func (l *Link) Disconnect() {
	l.mu.Lock()
	before := l.disconnectLocked()
	l.mu.Unlock()

	l.notifyTransition(before, false)
}

// Reconnect drops the current socket and dials again, returning the dial result.
func (l *Link) Reconnect(ctx context.Context) error {
	l.mu.Lock()
	before := l.disconnectLocked()
	l.reconnects.Add(1)
	err := l.connectLocked(ctx)
	after := l.connected.Load()
	l.mu.Unlock()

	l.notifyTransition(before, after)
	return err
}

// RefreshConnectionState is a cheap liveness probe with no socket I/O.
//
// A missing socket marks the link disconnected; a socket whose peer has
// closed (observed by the watcher) is torn down. When another operation
// holds the lock the probe is skipped, since that operation settles the
// state itself.
func (l *Link) RefreshConnectionState() {
	if !l.mu.TryLock() {
		return
	}

	var before bool
	switch {
	case l.conn == nil:
		before = l.connected.Swap(false)
	case l.eof != nil && l.eof.isClosed():
		l.logInfo("device closed connection", "address", l.addr)
		before = l.disconnectLocked()
	default:
		before = l.connected.Load()
	}
	after := l.connected.Load()
	l.mu.Unlock()

	l.notifyTransition(before, after)
}

// Send writes one command to the device.
//
// When disconnected it makes exactly one connect attempt; if that fails the
// command is dropped. A write failure disconnects the link. Failures are
// logged here; the returned error is informational and callers on the
// client path discard it.
func (l *Link) Send(ctx context.Context, cmd Command) error {
	payload, err := cmd.Encode()
	if err != nil {
		l.commandsDropped.Add(1)
		l.logWarn("command dropped", "cmd", cmd.Name, "error", err)
		l.notifyCommand(cmd, err)
		return err
	}

	l.mu.Lock()
	before := l.connected.Load()
	err = l.sendLocked(ctx, payload)
	after := l.connected.Load()
	l.mu.Unlock()

	l.notifyTransition(before, after)

	if err != nil {
		l.logWarn("command dropped", "cmd", cmd.Name, "error", err)
	} else {
		l.logDebug("command sent", "command", string(payload[:len(payload)-1]))
	}
	l.notifyCommand(cmd, err)
	return err
}

func (l *Link) sendLocked(ctx context.Context, payload []byte) error {
	if !l.connected.Load() {
		if err := l.connectLocked(ctx); err != nil {
			l.commandsDropped.Add(1)
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
	}

	// Check context before touching the socket
	select {
	case <-ctx.Done():
		l.commandsDropped.Add(1)
		return fmt.Errorf("%w: %w", ErrSendFailed, ctx.Err())
	default:
	}

	deadline := time.Now().Add(l.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	err := l.conn.SetWriteDeadline(deadline)
	if err == nil {
		_, err = l.writer.Write(payload)
	}
	if err == nil {
		err = l.writer.Flush()
	}
	if err != nil {
		l.errorsTotal.Add(1)
		l.commandsDropped.Add(1)
		l.logError("write to device failed", err)
		l.disconnectLocked()
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	l.commandsSent.Add(1)
	l.lastActivity.Store(time.Now().Unix())
	return nil
}

// connectLocked dials once. Caller holds mu.
func (l *Link) connectLocked(ctx context.Context) error {
	if l.closed {
		return ErrClosed
	}

	if l.connected.Load() && l.conn != nil && !l.eof.isClosed() {
		return nil
	}

	// Drop any stale socket (best-effort)
	if l.conn != nil {
		l.disconnectLocked()
	}

	l.connectAttempts.Add(1)

	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()

	conn, err := l.dialer.DialContext(dialCtx, "tcp", l.addr)
	if err != nil {
		l.connectFailures.Add(1)
		l.connected.Store(false)
		l.logError("failed to connect to device", err)
		return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, l.addr, err)
	}

	eof := newCloseOnce()
	l.conn = conn
	l.writer = bufio.NewWriter(conn)
	l.eof = eof
	l.connected.Store(true)
	l.lastActivity.Store(time.Now().Unix())

	l.wg.Add(1)
	go l.watch(conn, eof)

	l.logInfo("connected to device", "address", l.addr)
	return nil
}

// disconnectLocked clears the socket and returns the previous connected value.
// Caller holds mu.
func (l *Link) disconnectLocked() bool {
	was := l.connected.Swap(false)
	if l.conn != nil {
		_ = l.conn.Close()
		l.logInfo("disconnected from device", "address", l.addr)
	}
	l.conn = nil
	l.writer = nil
	l.eof = nil
	return was
}

// watch drains the read side until it fails, then records end-of-stream.
// The device never replies, so anything read is discarded.
func (l *Link) watch(conn net.Conn, eof *closeOnce) {
	defer l.wg.Done()
	defer eof.Close()

	buf := make([]byte, readBufferSize)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

// Close disconnects and stops all watchers. Later Connect calls return
// ErrClosed. Safe to call multiple times.
func (l *Link) Close() error {
	l.mu.Lock()
	l.closed = true
	before := l.disconnectLocked()
	l.mu.Unlock()

	l.wg.Wait()
	l.notifyTransition(before, false)
	return nil
}

// SetLogger sets the logger for this link.
func (l *Link) SetLogger(logger Logger) {
	l.loggerMu.Lock()
	l.logger = logger
	l.loggerMu.Unlock()
}

// SetObserver registers the event observer. Pass nil to remove it.
func (l *Link) SetObserver(o Observer) {
	l.observerMu.Lock()
	l.observer = o
	l.observerMu.Unlock()
}

// IsConnected returns the current connected flag without blocking.
func (l *Link) IsConnected() bool {
	return l.connected.Load()
}

// Address returns the device host:port.
func (l *Link) Address() string {
	return l.addr
}

// Stats returns current operational statistics.
func (l *Link) Stats() Stats {
	var last time.Time
	if ts := l.lastActivity.Load(); ts > 0 {
		last = time.Unix(ts, 0)
	}
	return Stats{
		CommandsSent:    l.commandsSent.Load(),
		CommandsDropped: l.commandsDropped.Load(),
		ConnectAttempts: l.connectAttempts.Load(),
		ConnectFailures: l.connectFailures.Load(),
		Reconnects:      l.reconnects.Load(),
		ErrorsTotal:     l.errorsTotal.Load(),
		LastActivity:    last,
		Connected:       l.IsConnected(),
	}
}

// HealthCheck reports ErrNotConnected when the link is down.
func (l *Link) HealthCheck(_ context.Context) error {
	if !l.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (l *Link) notifyTransition(before, after bool) {
	if before == after {
		return
	}
	l.observerMu.RLock()
	o := l.observer
	l.observerMu.RUnlock()

	if o != nil {
		o.OnStateChange(after)
	}
}

func (l *Link) notifyCommand(cmd Command, err error) {
	l.observerMu.RLock()
	o := l.observer
	l.observerMu.RUnlock()

	if o != nil {
		o.OnCommand(cmd, err)
	}
}

func (l *Link) getLogger() Logger {
	l.loggerMu.RLock()
	defer l.loggerMu.RUnlock()
	return l.logger
}

func (l *Link) logDebug(msg string, keysAndValues ...any) {
	if logger := l.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (l *Link) logInfo(msg string, keysAndValues ...any) {
	if logger := l.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (l *Link) logWarn(msg string, keysAndValues ...any) {
	if logger := l.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (l *Link) logError(msg string, err error) {
	if logger := l.getLogger(); logger != nil {
		logger.Error(msg, "address", l.addr, "error", err)
	}
}
