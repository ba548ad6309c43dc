// Package health watches tenant containers on a node and reports failures.
//
// The Monitor consumes the container engine event stream and classifies each
// tenant container failure:
//   - die with exit code 137 -> oom_killed, otherwise died; one restart is attempted
//     and a successful restart is reported as restarted
//   - die of a container stopped or removed on command -> stopped, no restart
//   - health_status unhealthy -> unhealthy, no restart
//
// A periodic disk check reports disk_low once usage reaches the threshold.
// Events are handed to an emit callback; delivery is fire-and-forget.
package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"botfleet/pkg/config"
	"botfleet/pkg/logger"
	"botfleet/pkg/protocol"
	"botfleet/pkg/runtime"
	"botfleet/pkg/sysinfo"

	"go.uber.org/zap"
)

const (
	oomExitCode             = 137
	defaultResubscribeDelay = 5 * time.Second
	defaultDiskInterval     = 60 * time.Second
	restartTimeout          = 30 * time.Second
)

// EmitFunc delivers a health event to the control plane
type EmitFunc func(event protocol.HealthEvent)

// DiskUsageFunc returns the used percentage of the filesystem at path
type DiskUsageFunc func(path string) (float64, error)

// Options configures a Monitor
type Options struct {
	NodeID            string
	ContainerPrefix   string
	DiskPath          string
	DiskThreshold     float64
	DiskCheckInterval time.Duration
	ResubscribeDelay  time.Duration
	DiskUsage         DiskUsageFunc
}

// Monitor classifies container failures and disk pressure
type Monitor struct {
	rt   runtime.Runtime
	emit EmitFunc
	opts Options

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	// containers whose next die was requested by the control plane
	stopMu   sync.Mutex
	expected map[string]struct{}
}

// NewMonitor creates a monitor; zero options fall back to defaults
func NewMonitor(rt runtime.Runtime, opts Options, emit EmitFunc) *Monitor {
	if opts.ContainerPrefix == "" {
		opts.ContainerPrefix = config.DefaultContainerPrefix
	}
	if opts.DiskPath == "" {
		opts.DiskPath = "/"
	}
	if opts.DiskThreshold <= 0 || opts.DiskThreshold > 100 {
		opts.DiskThreshold = config.DefaultDiskThreshold
	}
	if opts.DiskCheckInterval <= 0 {
		opts.DiskCheckInterval = defaultDiskInterval
	}
	if opts.ResubscribeDelay <= 0 {
		opts.ResubscribeDelay = defaultResubscribeDelay
	}
	if opts.DiskUsage == nil {
		opts.DiskUsage = hostDiskUsage
	}
	return &Monitor{rt: rt, emit: emit, opts: opts, expected: make(map[string]struct{})}
}

// ExpectStop marks name as going down on purpose. Its next die is reported as stopped and not restarted.
// Call it before asking the runtime to stop or remove the container.
func (m *Monitor) ExpectStop(name string) {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()
	m.expected[name] = struct{}{}
}

// ClearStop drops a pending mark, e.g. when the container is started again without having died
func (m *Monitor) ClearStop(name string) {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()
	delete(m.expected, name)
}

// takeStop consumes the mark for name
func (m *Monitor) takeStop(name string) bool {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()
	if _, ok := m.expected[name]; !ok {
		return false
	}
	delete(m.expected, name)
	return true
}

func hostDiskUsage(path string) (float64, error) {
	usage, err := sysinfo.Disk(path)
	if err != nil {
		return 0, err
	}
	return usage.UsedPercent(), nil
}

// Start launches the event and disk loops. Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.watchEvents(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.watchDisk(ctx)
	}()
}

// Stop cancels both loops and waits for them to exit
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Monitor) watchEvents(ctx context.Context) {
	for {
		err := m.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.WarnCtx(ctx, "container event stream ended, resubscribing in %v: %v", m.opts.ResubscribeDelay, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.opts.ResubscribeDelay):
		}
	}
}

// consume reads one subscription until it fails or ctx is cancelled
func (m *Monitor) consume(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, errs := m.rt.Events(subCtx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			if err == nil {
				err = fmt.Errorf("event stream closed")
			}
			return err
		case ev, ok := <-events:
			if !ok {
				// errs carries the reason when the producer reports one
				select {
				case err := <-errs:
					return err
				default:
					return fmt.Errorf("event stream closed")
				}
			}
			m.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent classifies a single runtime event
func (m *Monitor) HandleEvent(ctx context.Context, ev runtime.Event) {
	if !strings.HasPrefix(ev.Container, m.opts.ContainerPrefix) {
		return
	}

	switch ev.Kind {
	case runtime.EventDie:
		if m.takeStop(ev.Container) {
			logger.Debug("container stopped on command", zap.String("container", ev.Container), zap.Int("exit_code", ev.ExitCode))
			m.send(ev.Container, protocol.HealthStopped, fmt.Sprintf("container stopped on command (exit code %d)", ev.ExitCode))
			return
		}
		kind := protocol.HealthDied
		msg := fmt.Sprintf("container exited with code %d", ev.ExitCode)
		if ev.ExitCode == oomExitCode {
			kind = protocol.HealthOOMKilled
			msg = "container killed (exit code 137, likely out of memory)"
		}
		m.send(ev.Container, kind, msg)
		m.restart(ctx, ev.Container)

	case runtime.EventHealth:
		if ev.Health == "unhealthy" {
			m.send(ev.Container, protocol.HealthUnhealthy, "container health check failing")
		}
	}
}

func (m *Monitor) restart(ctx context.Context, name string) {
	restartCtx, cancel := context.WithTimeout(ctx, restartTimeout)
	defer cancel()

	if err := m.rt.Start(restartCtx, name); err != nil {
		logger.Error("auto-restart failed",
			zap.String("container", name),
			zap.Error(err),
		)
		return
	}
	logger.Info("container auto-restarted", zap.String("container", name))
	m.send(name, protocol.HealthRestarted, "container restarted after failure")
}

func (m *Monitor) watchDisk(ctx context.Context) {
	ticker := time.NewTicker(m.opts.DiskCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckDisk()
		}
	}
}

// CheckDisk emits disk_low when usage is at or above the threshold. Stat failures are ignored.
func (m *Monitor) CheckDisk() {
	used, err := m.opts.DiskUsage(m.opts.DiskPath)
	if err != nil {
		logger.Debug("disk check failed", zap.String("path", m.opts.DiskPath), zap.Error(err))
		return
	}
	if used >= m.opts.DiskThreshold {
		m.send("", protocol.HealthDiskLow,
			fmt.Sprintf("disk usage at %.1f%% on %s (threshold %.0f%%)", used, m.opts.DiskPath, m.opts.DiskThreshold))
	}
}

func (m *Monitor) send(container string, kind protocol.HealthKind, msg string) {
	if m.emit == nil {
		return
	}
	m.emit(protocol.HealthEvent{
		Type:      protocol.MessageHealthEvent,
		NodeID:    m.opts.NodeID,
		Container: container,
		Event:     kind,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})
}
