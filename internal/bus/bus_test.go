package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"botfleet/pkg/config"
	"botfleet/pkg/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeConn is an in-memory Conn: the test plays the agent through inbox and outbox
type pipeConn struct {
	inbox  chan []byte
	outbox chan []byte
	done   chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{inbox: make(chan []byte, 16), outbox: make(chan []byte, 16), done: make(chan struct{})}
}

func (p *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-p.inbox:
		return 1, data, nil
	case <-p.done:
		return 0, nil, io.EOF
	}
}

func (p *pipeConn) WriteJSON(v interface{}) error {
	select {
	case <-p.done:
		return errors.New("write on closed connection")
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.outbox <- data
	return nil
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// nextCommand reads the next command the bus wrote. It is called from agent goroutines, so it never
// calls FailNow.
func (p *pipeConn) nextCommand(t *testing.T) protocol.Command {
	t.Helper()
	select {
	case data := <-p.outbox:
		var cmd protocol.Command
		assert.NoError(t, json.Unmarshal(data, &cmd))
		return cmd
	case <-time.After(2 * time.Second):
		t.Error("no command written")
		return protocol.Command{}
	}
}

func (p *pipeConn) reply(t *testing.T, result protocol.CommandResult) {
	t.Helper()
	data, err := json.Marshal(result)
	assert.NoError(t, err)
	p.inbox <- data
}

type recordingHandler struct {
	mu           sync.Mutex
	connects     []string
	disconnects  []string
	heartbeats   []*protocol.Heartbeat
	healthEvents []*protocol.HealthEvent
}

func (h *recordingHandler) OnConnect(_ context.Context, nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects = append(h.connects, nodeID)
}

func (h *recordingHandler) OnHeartbeat(_ context.Context, hb *protocol.Heartbeat) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heartbeats = append(h.heartbeats, hb)
}

func (h *recordingHandler) OnHealthEvent(_ context.Context, event *protocol.HealthEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healthEvents = append(h.healthEvents, event)
}

func (h *recordingHandler) OnDisconnect(_ context.Context, nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, nodeID)
}

func (h *recordingHandler) snapshot() recordingHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return recordingHandler{
		connects:     append([]string(nil), h.connects...),
		disconnects:  append([]string(nil), h.disconnects...),
		heartbeats:   append([]*protocol.Heartbeat(nil), h.heartbeats...),
		healthEvents: append([]*protocol.HealthEvent(nil), h.healthEvents...),
	}
}

// connect serves conn for nodeID in the background and waits for registration
func connect(t *testing.T, b *Bus, nodeID string, conn Conn) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- b.Serve(context.Background(), nodeID, conn) }()
	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		c, ok := b.conns[nodeID]
		return ok && c.conn == conn
	}, 2*time.Second, 5*time.Millisecond)
	return done
}

func TestSend_UnknownNode(t *testing.T) {
	b := New(config.BusConfig{})

	start := time.Now()
	_, err := b.Send(context.Background(), "ghost", protocol.NewCommand("c1", &protocol.BotInspectPayload{Name: "tenant_a"}))
	assert.ErrorIs(t, err, ErrNodeUnreachable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSend_CorrelatesResult(t *testing.T) {
	b := New(config.BusConfig{})
	conn := newPipeConn()
	connect(t, b, "n1", conn)

	go func() {
		cmd := conn.nextCommand(t)
		// an unrelated result first; it must be dropped, not delivered
		conn.reply(t, protocol.CommandResult{ID: "other", Type: protocol.MessageCommandResult, Success: true})
		conn.reply(t, protocol.SuccessResult(cmd, protocol.ActionResult{Name: "tenant_a", Action: "started"}))
	}()

	result, err := b.Send(context.Background(), "n1", protocol.NewCommand("c1", &protocol.BotStartPayload{Name: "tenant_a"}))
	require.NoError(t, err)
	assert.Equal(t, "c1", result.ID)
	assert.True(t, result.Success)

	var data protocol.ActionResult
	require.NoError(t, result.DecodeData(&data))
	assert.Equal(t, "started", data.Action)
	assert.Equal(t, 0, b.PendingCount())
}

func TestSend_Timeout(t *testing.T) {
	b := New(config.BusConfig{CommandTimeout: 50 * time.Millisecond, LongCommandTimeout: time.Hour})
	conn := newPipeConn()
	connect(t, b, "n1", conn)

	_, err := b.Send(context.Background(), "n1", protocol.NewCommand("c1", &protocol.BotInspectPayload{Name: "tenant_a"}))
	assert.ErrorIs(t, err, ErrCommandTimeout)
	assert.Equal(t, 0, b.PendingCount())

	// a late result is dropped without blocking the read loop
	conn.reply(t, protocol.CommandResult{ID: "c1", Type: protocol.MessageCommandResult, Success: true})
	assert.True(t, b.IsConnected("n1"))
}

func TestTimeout_PerCommandType(t *testing.T) {
	b := New(config.BusConfig{})
	assert.Equal(t, 30*time.Second, b.Timeout(protocol.CommandBotInspect))
	assert.Equal(t, 15*time.Minute, b.Timeout(protocol.CommandBotExport))
	assert.Equal(t, 15*time.Minute, b.Timeout(protocol.CommandBackupRunNightly))
}

func TestSend_ConnectionDropFailsPending(t *testing.T) {
	b := New(config.BusConfig{})
	conn := newPipeConn()
	done := connect(t, b, "n1", conn)

	go func() {
		conn.nextCommand(t)
		conn.Close()
	}()

	_, err := b.Send(context.Background(), "n1", protocol.NewCommand("c1", &protocol.BotExportPayload{Name: "tenant_a"}))
	assert.ErrorIs(t, err, ErrConnectionClosed)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.False(t, b.IsConnected("n1"))
}

func TestSend_ContextCancelled(t *testing.T) {
	b := New(config.BusConfig{})
	connect(t, b, "n1", newPipeConn())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := b.Send(ctx, "n1", protocol.NewCommand("c1", &protocol.BotInspectPayload{Name: "tenant_a"}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServe_NewerConnectionReplacesOlder(t *testing.T) {
	b := New(config.BusConfig{})
	handler := &recordingHandler{}
	b.SetHandler(handler)

	first := newPipeConn()
	firstDone := connect(t, b, "n1", first)
	second := newPipeConn()
	connect(t, b, "n1", second)

	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("older connection was not closed")
	}

	assert.True(t, b.IsConnected("n1"), "the older connection's exit must not unregister the newer one")
	assert.Equal(t, []string{"n1"}, b.ConnectedNodes())
	snap := handler.snapshot()
	assert.Equal(t, []string{"n1", "n1"}, snap.connects)
	assert.Empty(t, snap.disconnects)

	go func() {
		cmd := second.nextCommand(t)
		second.reply(t, protocol.SuccessResult(cmd, nil))
	}()
	result, err := b.Send(context.Background(), "n1", protocol.NewCommand("c1", &protocol.BotStartPayload{Name: "tenant_a"}))
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestServe_RoutesAgentMessages(t *testing.T) {
	b := New(config.BusConfig{})
	handler := &recordingHandler{}
	b.SetHandler(handler)

	conn := newPipeConn()
	done := connect(t, b, "n1", conn)

	conn.inbox <- []byte(`{"type":"heartbeat","node_id":"spoofed","containers":[{"name":"tenant_a","state":"running"}],"resources":{}}`)
	conn.inbox <- []byte(`{"type":"health_event","node_id":"n1","container":"tenant_a","event":"oom_killed","message":"exit 137"}`)
	conn.inbox <- []byte(`garbage`)

	require.Eventually(t, func() bool {
		snap := handler.snapshot()
		return len(snap.heartbeats) == 1 && len(snap.healthEvents) == 1
	}, 2*time.Second, 5*time.Millisecond)

	snap := handler.snapshot()
	assert.Equal(t, "n1", snap.heartbeats[0].NodeID, "node id comes from the channel")
	assert.Equal(t, protocol.HealthOOMKilled, snap.healthEvents[0].Event)

	conn.Close()
	<-done
	assert.Equal(t, []string{"n1"}, handler.snapshot().disconnects)
}

func TestExec(t *testing.T) {
	b := New(config.BusConfig{})
	conn := newPipeConn()
	connect(t, b, "n1", conn)

	go func() {
		cmd := conn.nextCommand(t)
		conn.reply(t, protocol.SuccessResult(cmd, protocol.LogsResult{Logs: "hello"}))
		cmd = conn.nextCommand(t)
		conn.reply(t, protocol.ErrorResult(cmd, errors.New("no such container")))
	}()

	var logs protocol.LogsResult
	require.NoError(t, b.Exec(context.Background(), "n1", &protocol.BotLogsPayload{Name: "tenant_a"}, &logs))
	assert.Equal(t, "hello", logs.Logs)

	err := b.Exec(context.Background(), "n1", &protocol.BotStopPayload{Name: "tenant_b"}, nil)
	assert.EqualError(t, err, "bot.stop failed: no such container")
}
