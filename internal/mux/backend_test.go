package mux

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
	queryDelay  time.Duration
	activeConns []net.Conn
}

func startFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	backend := &fakeBackend{t: t, listener: listener}
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
			Method string `json:"method"`
			ID     string `json:"id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &request); err != nil {
			continue
		}
		go b.respond(conn, request.Method, request.ID)
	}
}

func (b *fakeBackend) respond(conn net.Conn, method, id string) {
	b.mu.Lock()
	queryDelay := b.queryDelay
	b.mu.Unlock()

	reply := map[string]interface{}{"id": id}
	switch method {
	case "ping":
		reply["result"] = "pong"
	case "system/metrics":
		reply["result"] = map[string]interface{}{"memoryUsage": 0.3, "cpuUsage": 0.1}
	case "rag/query":
		if queryDelay > 0 {
			time.Sleep(queryDelay)
		}
		reply["result"] = map[string]interface{}{
			"results": []domain.RAGResult{{Content: "doc one", Score: 0.9}},
			"source":  "fake",
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

func (b *fakeBackend) config(capabilities ...string) domain.ServerConfig {
	tcpAddr := b.listener.Addr().(*net.TCPAddr)
	return domain.ServerConfig{Host: tcpAddr.IP.String(), Port: tcpAddr.Port, Capabilities: capabilities}
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
