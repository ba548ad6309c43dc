// Package bus is the control plane side of the agent channel: a registry of live node connections and
// request/response correlation for commands sent over them.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"botfleet/pkg/config"
	"botfleet/pkg/logger"
	"botfleet/pkg/metrics"
	"botfleet/pkg/protocol"

	"github.com/google/uuid"
)

var (
	ErrNodeUnreachable  = errors.New("node unreachable")
	ErrCommandTimeout   = errors.New("command timed out")
	ErrConnectionClosed = errors.New("connection closed")
)

// Conn is the subset of *websocket.Conn the bus needs
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// Handler receives agent-originated messages
type Handler interface {
	OnConnect(ctx context.Context, nodeID string)
	OnHeartbeat(ctx context.Context, hb *protocol.Heartbeat)
	OnHealthEvent(ctx context.Context, event *protocol.HealthEvent)
	OnDisconnect(ctx context.Context, nodeID string)
}

type connection struct {
	nodeID  string
	conn    Conn
	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func (c *connection) write(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

type pendingCall struct {
	conn   *connection
	result chan *protocol.CommandResult
}

// Bus routes commands to connected agents
type Bus struct {
	cfg config.BusConfig

	mu      sync.RWMutex
	conns   map[string]*connection
	pending map[string]*pendingCall

	handlerMu sync.RWMutex
	handler   Handler
}

// New creates a bus
func New(cfg config.BusConfig) *Bus {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	if cfg.LongCommandTimeout <= 0 {
		cfg.LongCommandTimeout = 15 * time.Minute
	}
	return &Bus{
		cfg:     cfg,
		conns:   make(map[string]*connection),
		pending: make(map[string]*pendingCall),
	}
}

// SetHandler sets the receiver of heartbeats, health events and connection changes
func (b *Bus) SetHandler(h Handler) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.handler = h
}

func (b *Bus) getHandler() Handler {
	b.handlerMu.RLock()
	defer b.handlerMu.RUnlock()
	return b.handler
}

// Timeout returns how long Send waits for a result of the given type
func (b *Bus) Timeout(t protocol.CommandType) time.Duration {
	if t.IsLongRunning() {
		return b.cfg.LongCommandTimeout
	}
	return b.cfg.CommandTimeout
}

// IsConnected reports whether nodeID has a live channel to this replica
func (b *Bus) IsConnected(nodeID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.conns[nodeID]
	return ok
}

// ConnectedNodes lists node ids with a live channel
func (b *Bus) ConnectedNodes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	nodes := make([]string, 0, len(b.conns))
	for id := range b.conns {
		nodes = append(nodes, id)
	}
	return nodes
}

func (b *Bus) register(c *connection) {
	b.mu.Lock()
	old := b.conns[c.nodeID]
	b.conns[c.nodeID] = c
	metrics.ConnectedNodes.Set(float64(len(b.conns)))
	b.mu.Unlock()

	if old != nil {
		logger.WarnCtx(context.Background(), "replacing existing connection for node %s", c.nodeID)
		old.close()
	}
}

// unregister removes c only if it is still the node's current connection
func (b *Bus) unregister(c *connection) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.conns[c.nodeID]
	if !ok || current != c {
		return false
	}
	delete(b.conns, c.nodeID)
	metrics.ConnectedNodes.Set(float64(len(b.conns)))
	return true
}

// Serve owns conn for nodeID until the channel drops or ctx is cancelled. A newer Serve for the same
// node closes this one.
func (b *Bus) Serve(ctx context.Context, nodeID string, conn Conn) error {
	c := &connection{nodeID: nodeID, conn: conn, closed: make(chan struct{})}
	b.register(c)
	logger.InfoCtx(ctx, "node %s connected", nodeID)

	if h := b.getHandler(); h != nil {
		h.OnConnect(ctx, nodeID)
	}

	stop := context.AfterFunc(ctx, c.close)
	defer stop()

	err := b.readLoop(ctx, c)
	c.close()

	if b.unregister(c) {
		logger.InfoCtx(ctx, "node %s disconnected: %v", nodeID, err)
		if h := b.getHandler(); h != nil {
			h.OnDisconnect(context.WithoutCancel(ctx), nodeID)
		}
	}
	return err
}

func (b *Bus) readLoop(ctx context.Context, c *connection) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			logger.WarnCtx(ctx, "node %s sent an invalid message: %v", c.nodeID, err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.CommandResult:
			b.deliver(ctx, c, m)
		case *protocol.Heartbeat:
			if m.NodeID != c.nodeID {
				logger.WarnCtx(ctx, "heartbeat node_id %q does not match channel node %s", m.NodeID, c.nodeID)
				m.NodeID = c.nodeID
			}
			if h := b.getHandler(); h != nil {
				h.OnHeartbeat(ctx, m)
			}
		case *protocol.HealthEvent:
			m.NodeID = c.nodeID
			if h := b.getHandler(); h != nil {
				h.OnHealthEvent(ctx, m)
			}
		}
	}
}

func (b *Bus) deliver(ctx context.Context, c *connection, result *protocol.CommandResult) {
	b.mu.Lock()
	call, ok := b.pending[result.ID]
	if ok && call.conn == c {
		delete(b.pending, result.ID)
	}
	b.mu.Unlock()

	if !ok || call.conn != c {
		logger.WarnCtx(ctx, "dropping result for unknown command %s from node %s", result.ID, c.nodeID)
		return
	}
	call.result <- result
}

// Send writes cmd to nodeID and waits for its result. A missing connection fails immediately with
// ErrNodeUnreachable; there is no queueing and no retry.
func (b *Bus) Send(ctx context.Context, nodeID string, cmd protocol.Command) (*protocol.CommandResult, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	command := string(cmd.Type)

	b.mu.Lock()
	c, ok := b.conns[nodeID]
	if !ok {
		b.mu.Unlock()
		metrics.CommandsTotal.WithLabelValues(command, "unreachable").Inc()
		return nil, fmt.Errorf("%w: %s", ErrNodeUnreachable, nodeID)
	}
	call := &pendingCall{conn: c, result: make(chan *protocol.CommandResult, 1)}
	b.pending[cmd.ID] = call
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, cmd.ID)
		b.mu.Unlock()
	}()

	start := time.Now()
	if err := c.write(cmd); err != nil {
		metrics.CommandsTotal.WithLabelValues(command, "closed").Inc()
		return nil, fmt.Errorf("%w: write %s to %s: %v", ErrConnectionClosed, command, nodeID, err)
	}

	timer := time.NewTimer(b.Timeout(cmd.Type))
	defer timer.Stop()

	select {
	case result := <-call.result:
		metrics.CommandDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
		outcome := "success"
		if !result.Success {
			outcome = "failed"
		}
		metrics.CommandsTotal.WithLabelValues(command, outcome).Inc()
		return result, nil
	case <-c.closed:
		metrics.CommandsTotal.WithLabelValues(command, "closed").Inc()
		return nil, fmt.Errorf("%w: %s while waiting for %s", ErrConnectionClosed, nodeID, command)
	case <-timer.C:
		metrics.CommandsTotal.WithLabelValues(command, "timeout").Inc()
		return nil, fmt.Errorf("%w: %s on %s after %s", ErrCommandTimeout, command, nodeID, b.Timeout(cmd.Type))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Exec sends payload to nodeID and decodes a successful result into out (which may be nil).
// A failed result becomes an error carrying the agent's message.
func (b *Bus) Exec(ctx context.Context, nodeID string, payload protocol.Payload, out interface{}) error {
	result, err := b.Send(ctx, nodeID, protocol.NewCommand(uuid.NewString(), payload))
	if err != nil {
		return err
	}
	if err := result.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return result.DecodeData(out)
}

// PendingCount is the number of commands awaiting a result
func (b *Bus) PendingCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

// Close drops every connection
func (b *Bus) Close() {
	b.mu.RLock()
	conns := make([]*connection, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}
