// Package agent implements the long-lived node agent.
//
// The agent registers once at boot, then keeps a WebSocket channel to the control
// plane open. The connection lifecycle is an explicit state machine:
//
//	Disconnected -> Connecting -> Connected -> Disconnected -> ...
//
// Heartbeats run only while Connected. Inbound commands are executed concurrently,
// one goroutine per command, and always answered with exactly one result.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"botfleet/pkg/config"
	"botfleet/pkg/health"
	"botfleet/pkg/logger"
	"botfleet/pkg/protocol"
	"botfleet/pkg/runtime"
	"botfleet/pkg/storage"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the connection state
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	writeTimeout    = 10 * time.Second
	registerTimeout = 30 * time.Second
	maxMessageSize  = 4 << 20
)

// Agent is the node agent
type Agent struct {
	cfg     *config.AgentConfig
	rt      runtime.Runtime
	store   storage.ObjectStore
	monitor *health.Monitor

	httpClient *http.Client
	dialer     *websocket.Dialer
	backoff    *Backoff
	diskUsage  health.DiskUsageFunc

	state atomic.Int32

	// writeMu serializes writes; conn is only replaced while holding it
	writeMu sync.Mutex
	conn    *websocket.Conn

	handlers map[protocol.CommandType]handlerFunc

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// Option customizes an Agent
type Option func(*Agent)

// WithBackoff overrides the reconnect backoff
func WithBackoff(b *Backoff) Option {
	return func(a *Agent) { a.backoff = b }
}

// WithHTTPClient overrides the registration HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(a *Agent) { a.httpClient = c }
}

// WithDiskUsage overrides the disk usage probe used by the health monitor
func WithDiskUsage(fn health.DiskUsageFunc) Option {
	return func(a *Agent) { a.diskUsage = fn }
}

// New creates an agent. store may be nil, in which case backup commands fail.
func New(cfg *config.AgentConfig, rt runtime.Runtime, store storage.ObjectStore, opts ...Option) *Agent {
	a := &Agent{
		cfg:        cfg,
		rt:         rt,
		store:      store,
		httpClient: &http.Client{Timeout: registerTimeout},
		dialer:     &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		backoff:    NewBackoff(DefaultInitialDelay, DefaultMaxDelay),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.monitor = health.NewMonitor(rt, health.Options{
		NodeID:            cfg.NodeID,
		ContainerPrefix:   cfg.ContainerPrefix,
		DiskPath:          cfg.DiskPath,
		DiskThreshold:     cfg.DiskThreshold,
		DiskCheckInterval: cfg.DiskCheckInterval,
		DiskUsage:         a.diskUsage,
	}, a.SendHealthEvent)

	a.registerHandlers()
	return a
}

// State returns the current connection state
func (a *Agent) State() State {
	return State(a.state.Load())
}

func (a *Agent) setState(s State) {
	prev := State(a.state.Swap(int32(s)))
	if prev != s {
		logger.Info("agent connection state changed",
			zap.String("from", prev.String()),
			zap.String("to", s.String()),
		)
	}
}

// Register announces the node to the control plane. Any non-2xx response is an error the caller treats as fatal.
func (a *Agent) Register(ctx context.Context) error {
	body, err := json.Marshal(protocol.RegisterRequest{
		NodeID:       a.cfg.NodeID,
		Host:         a.cfg.Host,
		CapacityMB:   a.cfg.CapacityMB,
		AgentVersion: a.cfg.AgentVersion,
	})
	if err != nil {
		return err
	}

	endpoint := strings.TrimRight(a.cfg.PlatformURL, "/") + "/internal/nodes/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.NodeSecret)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("register request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("registration rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	logger.Info("node registered",
		zap.String("node_id", a.cfg.NodeID),
		zap.String("platform", a.cfg.PlatformURL),
	)
	return nil
}

func (a *Agent) channelURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(a.cfg.PlatformURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid platform url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = u.Path + "/internal/nodes/" + url.PathEscape(a.cfg.NodeID) + "/ws"
	return u.String(), nil
}

// Run starts the health monitor and keeps the channel connected until ctx is cancelled or Shutdown is called.
func (a *Agent) Run(ctx context.Context) error {
	a.lifecycleMu.Lock()
	if a.done != nil {
		a.lifecycleMu.Unlock()
		return fmt.Errorf("agent already running")
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	done := a.done
	a.lifecycleMu.Unlock()
	defer close(done)

	a.monitor.Start(ctx)

	for {
		a.setState(StateConnecting)
		conn, err := a.dial(ctx)
		if err != nil {
			a.setState(StateDisconnected)
			if ctx.Err() != nil {
				return nil
			}
			delay := a.backoff.Next()
			logger.WarnCtx(ctx, "connect failed, retrying in %v: %v", delay, err)
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}

		closed := a.onOpen(ctx, conn)
		select {
		case err = <-closed:
		case <-ctx.Done():
			conn.Close()
			err = <-closed
		}
		a.onClose(conn)

		if ctx.Err() != nil {
			return nil
		}
		delay := a.backoff.Next()
		logger.WarnCtx(ctx, "channel closed, reconnecting in %v: %v", delay, err)
		if !sleepCtx(ctx, delay) {
			return nil
		}
	}
}

func (a *Agent) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := a.channelURL()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.cfg.NodeSecret)

	conn, resp, err := a.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// onOpen moves to Connected, starts the heartbeat and the read loop; the returned channel yields the read error
func (a *Agent) onOpen(ctx context.Context, conn *websocket.Conn) <-chan error {
	a.backoff.Reset()

	a.writeMu.Lock()
	a.conn = conn
	a.writeMu.Unlock()
	a.setState(StateConnected)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		a.heartbeatLoop(hbCtx)
	}()

	closed := make(chan error, 1)
	go func() {
		err := a.readLoop(ctx, conn)
		stopHeartbeat()
		<-hbDone
		closed <- err
	}()
	return closed
}

func (a *Agent) onClose(conn *websocket.Conn) {
	a.writeMu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	a.writeMu.Unlock()
	conn.Close()
	a.setState(StateDisconnected)
}

func (a *Agent) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// handlers outlive the connection that delivered them
	handlerCtx := context.WithoutCancel(ctx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var cmd protocol.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			logger.WarnCtx(ctx, "invalid command message: %v", err)
			if cmd.ID != "" {
				a.send(protocol.ErrorResult(cmd, err))
			}
			continue
		}

		go func(cmd protocol.Command) {
			result := a.Dispatch(logger.WithTraceID(handlerCtx, cmd.ID), cmd)
			if !a.send(result) {
				logger.Warn("dropped command result, not connected",
					zap.String("command_id", cmd.ID),
					zap.String("type", string(cmd.Type)),
				)
			}
		}(cmd)
	}
}

// send writes v if connected; it reports false when the message was dropped
func (a *Agent) send(v interface{}) bool {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if a.conn == nil || a.State() != StateConnected {
		return false
	}
	a.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := a.conn.WriteJSON(v); err != nil {
		logger.Warn("failed to write message", zap.Error(err))
		return false
	}
	return true
}

// SendHealthEvent forwards a health event; it is dropped when not connected
func (a *Agent) SendHealthEvent(ev protocol.HealthEvent) {
	if ev.NodeID == "" {
		ev.NodeID = a.cfg.NodeID
	}
	if !a.send(ev) {
		logger.Debug("dropped health event, not connected",
			zap.String("container", ev.Container),
			zap.String("event", string(ev.Event)),
		)
	}
}

// Shutdown stops the heartbeat and health monitor and closes the channel. In-flight handlers are not awaited.
func (a *Agent) Shutdown() {
	a.lifecycleMu.Lock()
	cancel, done := a.cancel, a.done
	a.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.monitor.Stop()

	a.writeMu.Lock()
	if a.conn != nil {
		a.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutdown"),
			time.Now().Add(time.Second))
		a.conn.Close()
	}
	a.writeMu.Unlock()

	if done != nil {
		<-done
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
