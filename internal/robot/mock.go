package robot

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Mock is a stand-in device: a TCP listener that reads newline-delimited
// commands, logs each one, and records what it received. It never replies.
//
// It backs the robotmock command and the package tests.
type Mock struct {
	listener net.Listener

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	lines    []string
	commands []map[string]any

	accepted atomic.Int64
	invalid  atomic.Int64

	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex
}

// ListenMock starts a mock device on addr ("127.0.0.1:0" picks a free port).
func ListenMock(addr string) (*Mock, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	m := &Mock{
		listener: listener,
		conns:    make(map[net.Conn]struct{}),
		done:     newCloseOnce(),
	}

	m.wg.Add(1)
	go m.acceptLoop()
	return m, nil
}

func (m *Mock) acceptLoop() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if m.done.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			m.logWarn("accept failed", "error", err)
			continue
		}

		m.accepted.Add(1)
		m.mu.Lock()
		if m.done.isClosed() {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.conns[conn] = struct{}{}
		m.mu.Unlock()

		m.wg.Add(1)
		go m.handle(conn)
	}
}

func (m *Mock) handle(conn net.Conn) {
	defer m.wg.Done()

	peer := conn.RemoteAddr().String()
	m.logInfo("client connected", "peer", peer)

	defer func() {
		m.mu.Lock()
		delete(m.conns, conn)
		m.mu.Unlock()
		conn.Close()
		m.logInfo("client disconnected", "peer", peer)
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		m.logInfo("received", "line", line)

		var cmd map[string]any
		if err := json.Unmarshal([]byte(line), &cmd); err != nil {
			m.invalid.Add(1)
			m.logWarn("failed to decode command", "line", line, "error", err)
			cmd = nil
		} else {
			m.logDebug("parsed command", "cmd", cmd["cmd"])
		}

		m.mu.Lock()
		m.lines = append(m.lines, line)
		if cmd != nil {
			m.commands = append(m.commands, cmd)
		}
		m.mu.Unlock()
	}
}

// Addr returns the listening address.
func (m *Mock) Addr() string {
	return m.listener.Addr().String()
}

// Config returns a link configuration pointing at this mock.
func (m *Mock) Config() Config {
	tcp := m.listener.Addr().(*net.TCPAddr)
	return Config{Host: tcp.IP.String(), Port: tcp.Port}
}

// Lines returns a copy of every raw line received.
func (m *Mock) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...)
}

// Commands returns every line that decoded as a JSON object.
func (m *Mock) Commands() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]any(nil), m.commands...)
}

// Accepted returns how many connections have been accepted.
func (m *Mock) Accepted() int {
	return int(m.accepted.Load())
}

// Invalid returns how many lines failed to decode.
func (m *Mock) Invalid() int {
	return int(m.invalid.Load())
}

// ActiveConnections returns how many client sockets are open.
func (m *Mock) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// WaitForLines blocks until at least n lines arrived or timeout elapses.
func (m *Mock) WaitForLines(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		got := len(m.lines)
		m.mu.Unlock()
		if got >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// DropConnections closes every open client socket, as a device reboot would.
// The listener keeps accepting.
func (m *Mock) DropConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for conn := range m.conns {
		conn.Close()
	}
}

// Close stops the listener and all connections. Safe to call multiple times.
func (m *Mock) Close() error {
	m.done.Close()
	err := m.listener.Close()
	m.DropConnections()
	m.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// SetLogger sets the logger for this mock.
func (m *Mock) SetLogger(logger Logger) {
	m.loggerMu.Lock()
	m.logger = logger
	m.loggerMu.Unlock()
}

func (m *Mock) getLogger() Logger {
	m.loggerMu.RLock()
	defer m.loggerMu.RUnlock()
	return m.logger
}

func (m *Mock) logDebug(msg string, keysAndValues ...any) {
	if logger := m.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (m *Mock) logInfo(msg string, keysAndValues ...any) {
	if logger := m.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (m *Mock) logWarn(msg string, keysAndValues ...any) {
	if logger := m.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
