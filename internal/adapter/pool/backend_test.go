package pool

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ferrant/ragmux/internal/core/domain"
)

// fakeBackend is an in-process MCP server speaking newline-delimited
// JSON over TCP.
type fakeBackend struct {
	t        *testing.T
	listener net.Listener

	mu          sync.Mutex
	pingBroken  bool
	queryError  string
	queryDelay  time.Duration
	results     []domain.RAGResult
	metrics     map[string]interface{}
	queryCount  int
	activeConns []net.Conn
}

func startFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	return startFakeBackendAt(t, "127.0.0.1:0")
}

// startFakeBackendAt binds an explicit address so a backend can be
// restarted on the same port.
func startFakeBackendAt(t *testing.T, addr string) *fakeBackend {
	t.Helper()

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	backend := &fakeBackend{
		t:        t,
		listener: listener,
		results: []domain.RAGResult{
			{Content: "doc one", Score: 0.92},
			{Content: "doc two", Score: 0.81},
		},
		metrics: map[string]interface{}{
			"memoryUsage":     0.4,
			"cpuUsage":        0.2,
			"connectionCount": 1,
		},
	}

	go backend.acceptLoop()
	t.Cleanup(backend.Close)
	return backend
}

func (b *fakeBackend) acceptLoop() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.activeConns = append(b.activeConns, conn)
		b.mu.Unlock()
		go b.serve(conn)
	}
}

func (b *fakeBackend) serve(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)

	for scanner.Scan() {
		var request struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			ID     string          `json:"id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &request); err != nil {
			continue
		}
		go b.respond(conn, request.Method, request.ID)
	}
}

func (b *fakeBackend) respond(conn net.Conn, method, id string) {
	b.mu.Lock()
	pingBroken := b.pingBroken
	queryError := b.queryError
	queryDelay := b.queryDelay
	results := b.results
	metrics := b.metrics
	b.mu.Unlock()

	reply := map[string]interface{}{"id": id}
	switch method {
	case "ping":
		if pingBroken {
			reply["result"] = "pang"
		} else {
			reply["result"] = "pong"
		}
	case "system/metrics":
		reply["result"] = metrics
	case "rag/query":
		b.mu.Lock()
		b.queryCount++
		b.mu.Unlock()

		if queryDelay > 0 {
			time.Sleep(queryDelay)
		}
		if queryError != "" {
			reply["error"] = map[string]string{"message": queryError}
		} else {
			reply["result"] = map[string]interface{}{"results": results, "source": "fake"}
		}
	default:
		reply["error"] = map[string]string{"message": "unknown method"}
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		return
	}
	_, _ = conn.Write(append(payload, '\n'))
}

func (b *fakeBackend) setQueryError(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queryError = message
}

func (b *fakeBackend) setQueryDelay(delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queryDelay = delay
}

func (b *fakeBackend) setPingBroken(broken bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pingBroken = broken
}

func (b *fakeBackend) queries() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queryCount
}

func (b *fakeBackend) addr() string {
	return b.listener.Addr().String()
}

func (b *fakeBackend) hostPort() (string, int) {
	tcpAddr := b.listener.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port
}

func (b *fakeBackend) serverConfig(capabilities ...string) domain.ServerConfig {
	host, port := b.hostPort()
	return domain.ServerConfig{Host: host, Port: port, Capabilities: capabilities}
}

// Close drops the listener and every accepted connection.
func (b *fakeBackend) Close() {
	_ = b.listener.Close()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, conn := range b.activeConns {
		_ = conn.Close()
	}
	b.activeConns = nil
}
