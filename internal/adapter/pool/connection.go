package pool

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"

	"github.com/ferrant/ragmux/internal/adapter/health"
	"github.com/ferrant/ragmux/internal/core/domain"
)

// maxFrameSize bounds a single reply line; anything larger is a
// protocol error, not a legitimate RAG response.
const maxFrameSize = 16 << 20

// Connection is one duplex ndjson stream to a backend server. Requests
// are multiplexed by id; replies are demultiplexed strictly and
// unsolicited frames dropped. Writes serialise on a mutex.
type Connection struct {
	serverID    string
	addr        string
	dialTimeout time.Duration

	writeMu sync.Mutex
	conn    net.Conn

	pendingMu sync.Mutex
	pending   map[string]chan wireReply
	closed    bool

	readerDone chan struct{}
}

func NewConnection(serverID, addr string, dialTimeout time.Duration) *Connection {
	return &Connection{
		serverID:    serverID,
		addr:        addr,
		dialTimeout: dialTimeout,
		pending:     make(map[string]chan wireReply),
		readerDone:  make(chan struct{}),
	}
}

// Connect establishes the TCP stream, retrying with jittered
// exponential backoff until the dial timeout budget is spent.
func (c *Connection) Connect(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: c.dialTimeout}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = c.dialTimeout

	var conn net.Conn
	operation := func() error {
		var err error
		conn, err = dialer.DialContext(ctx, "tcp", c.addr)
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return &domain.ConnectionError{Err: err, ServerID: c.serverID, Op: "dial"}
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Connected reports whether the stream can still carry calls. A
// connection whose read loop has ended is dead even while the underlying
// conn is non-nil; callers re-dial it.
func (c *Connection) Connected() bool {
	c.pendingMu.Lock()
	closed := c.closed
	c.pendingMu.Unlock()
	if closed {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn != nil
}

// call sends one request frame and waits for its matching reply or the
// context deadline.
func (c *Connection) call(ctx context.Context, method string, params interface{}, id string) (wireReply, error) {
	frame, err := encodeFrame(wireRequest{Method: method, Params: params, ID: id})
	if err != nil {
		return wireReply{}, &domain.ProtocolError{ServerID: c.serverID, Detail: fmt.Sprintf("encode: %v", err)}
	}

	replyCh := make(chan wireReply, 1)

	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return wireReply{}, &domain.ConnectionError{Err: net.ErrClosed, ServerID: c.serverID, Op: "call"}
	}
	c.pending[id] = replyCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	conn := c.conn
	if conn == nil {
		c.writeMu.Unlock()
		return wireReply{}, &domain.ConnectionError{Err: fmt.Errorf("not connected"), ServerID: c.serverID, Op: "call"}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	_, err = conn.Write(frame)
	c.writeMu.Unlock()

	if err != nil {
		return wireReply{}, &domain.ConnectionError{Err: err, ServerID: c.serverID, Op: "write"}
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return wireReply{}, &domain.ConnectionError{Err: net.ErrClosed, ServerID: c.serverID, Op: "read"}
		}
		return reply, nil
	case <-ctx.Done():
		return wireReply{}, ctx.Err()
	}
}

// readLoop demultiplexes reply frames by id until the stream ends, then
// fails every pending call.
func (c *Connection) readLoop(conn net.Conn) {
	defer close(c.readerDone)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64<<10), maxFrameSize)

	for scanner.Scan() {
		reply, err := decodeFrame(scanner.Bytes())
		if err != nil || reply.ID == "" {
			// Malformed or unsolicited frame; drop it.
			continue
		}

		c.pendingMu.Lock()
		replyCh, waiting := c.pending[reply.ID]
		if waiting {
			delete(c.pending, reply.ID)
		}
		c.pendingMu.Unlock()

		if waiting {
			replyCh <- reply
		}
	}

	c.failPending()
}

func (c *Connection) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	c.closed = true
	for id, replyCh := range c.pending {
		close(replyCh)
		delete(c.pending, id)
	}
}

// Close tears the stream down and fails outstanding calls.
func (c *Connection) Close() error {
	c.writeMu.Lock()
	conn := c.conn
	c.conn = nil
	c.writeMu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-c.readerDone
	return err
}

// Ping issues a liveness probe; any reply other than "pong" is a
// failure.
func (c *Connection) Ping(ctx context.Context, id string) (time.Duration, error) {
	start := time.Now()

	reply, err := c.call(ctx, methodPing, map[string]interface{}{}, id)
	latency := time.Since(start)
	if err != nil {
		return latency, err
	}
	if reply.Error != nil {
		return latency, &domain.ProtocolError{ServerID: c.serverID, Detail: fmt.Sprintf("ping error: %s", reply.Error.Message)}
	}

	var pong string
	if err := wireJSON.Unmarshal(reply.Result, &pong); err != nil || pong != "pong" {
		return latency, &domain.ProtocolError{ServerID: c.serverID, Detail: "ping reply was not pong"}
	}
	return latency, nil
}

// Metrics fetches self-reported resource usage; fields are optional so
// the reply is probed leniently.
func (c *Connection) Metrics(ctx context.Context, id string) (health.ResourceMetrics, error) {
	reply, err := c.call(ctx, methodMetrics, map[string]interface{}{}, id)
	if err != nil {
		return health.ResourceMetrics{}, err
	}
	if reply.Error != nil {
		return health.ResourceMetrics{}, &domain.ApplicationError{ServerID: c.serverID, Message: reply.Error.Message}
	}

	result := gjson.ParseBytes(reply.Result)
	return health.ResourceMetrics{
		MemoryUsage:     result.Get("memoryUsage").Float(),
		CPUUsage:        result.Get("cpuUsage").Float(),
		DiskUsage:       result.Get("diskUsage").Float(),
		ConnectionCount: int(result.Get("connectionCount").Int()),
		QueueSize:       int(result.Get("queueSize").Int()),
	}, nil
}

// Query executes one rag/query call and decodes the ranked results.
func (c *Connection) Query(ctx context.Context, id string, req *domain.RAGRequest) (*domain.RAGResponse, error) {
	params := queryParams{
		Query:      req.Query,
		Context:    req.Context,
		MaxResults: req.EffectiveMaxResults(),
		Threshold:  req.EffectiveThreshold(),
	}

	reply, err := c.call(ctx, methodQuery, params, id)
	if err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, &domain.ApplicationError{ServerID: c.serverID, Message: reply.Error.Message}
	}

	var result queryResult
	if err := wireJSON.Unmarshal(reply.Result, &result); err != nil {
		return nil, &domain.ProtocolError{ServerID: c.serverID, Detail: fmt.Sprintf("decode result: %v", err)}
	}

	return &domain.RAGResponse{
		Results: result.Results,
		Metadata: domain.ResponseMetadata{
			TotalResults: len(result.Results),
			Source:       result.Source,
			QueryID:      id,
			ServerID:     c.serverID,
		},
	}, nil
}
