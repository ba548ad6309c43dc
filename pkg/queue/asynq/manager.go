package asynq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"botfleet/pkg/config"
	"botfleet/pkg/logger"

	"github.com/hibiken/asynq"
)

const (
	TypeRecoveryDrive = "recovery:drive"

	queueDefault = "default"
)

// RecoveryDrivePayload asks a worker to drive one recovery event
type RecoveryDrivePayload struct {
	EventID string `json:"event_id"`
}

// ParseRecoveryDrivePayload decodes a recovery:drive task payload
func ParseRecoveryDrivePayload(task *asynq.Task) (RecoveryDrivePayload, error) {
	var p RecoveryDrivePayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return p, fmt.Errorf("invalid %s payload: %w", TypeRecoveryDrive, err)
	}
	if p.EventID == "" {
		return p, fmt.Errorf("invalid %s payload: event_id is required", TypeRecoveryDrive)
	}
	return p, nil
}

// Manager queue manager
type Manager struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	inspector *asynq.Inspector
	maxRetry  int
}

// NewManager creates queue manager
func NewManager(cfg *config.Config) (*Manager, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Queue.Concurrency,
			Queues: map[string]int{
				queueDefault: 10,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return time.Duration(n) * 10 * time.Second
			},
			Logger: asynqLogger{},
		},
	)

	return &Manager{
		client:    client,
		server:    server,
		mux:       asynq.NewServeMux(),
		inspector: asynq.NewInspector(redisOpt),
		maxRetry:  cfg.Queue.MaxRetry,
	}, nil
}

// EnqueueRecoveryDrive enqueues a drive of one recovery event. Duplicate drives of the same event
// within a minute are collapsed.
func (m *Manager) EnqueueRecoveryDrive(ctx context.Context, eventID string) error {
	payload, err := json.Marshal(RecoveryDrivePayload{EventID: eventID})
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	task := asynq.NewTask(TypeRecoveryDrive, payload)
	info, err := m.client.EnqueueContext(ctx, task,
		asynq.Queue(queueDefault),
		asynq.Unique(time.Minute),
		asynq.Timeout(30*time.Minute),
		asynq.MaxRetry(m.maxRetry),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		logger.InfoCtx(ctx, "recovery drive for event %s already queued", eventID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	logger.InfoCtx(ctx, "task enqueued, type: %s, task_id: %s, queue: %s", TypeRecoveryDrive, info.ID, info.Queue)
	return nil
}

// RegisterHandler registers task handler
func (m *Manager) RegisterHandler(pattern string, handler asynq.Handler) {
	m.mux.Handle(pattern, handler)
}

// Start starts queue processor
func (m *Manager) Start() error {
	logger.InfoCtx(context.Background(), "starting queue server")
	return m.server.Start(m.mux)
}

// Stop stops queue processor
func (m *Manager) Stop() {
	logger.InfoCtx(context.Background(), "stopping queue server")
	m.server.Stop()
	m.server.Shutdown()
}

// Close closes client
func (m *Manager) Close() error {
	m.inspector.Close()
	return m.client.Close()
}

// GetPendingTaskCount retrieves pending task count
func (m *Manager) GetPendingTaskCount() (int, error) {
	stats, err := m.inspector.GetQueueInfo(queueDefault)
	if err != nil {
		return 0, err
	}
	return stats.Pending, nil
}

// asynqLogger routes asynq's internal logs through the application logger
type asynqLogger struct{}

func (asynqLogger) Debug(args ...interface{}) { logger.DebugCtx(context.Background(), "asynq: %s", fmt.Sprint(args...)) }
func (asynqLogger) Info(args ...interface{})  { logger.InfoCtx(context.Background(), "asynq: %s", fmt.Sprint(args...)) }
func (asynqLogger) Warn(args ...interface{})  { logger.WarnCtx(context.Background(), "asynq: %s", fmt.Sprint(args...)) }
func (asynqLogger) Error(args ...interface{}) { logger.ErrorCtx(context.Background(), "asynq: %s", fmt.Sprint(args...)) }
func (asynqLogger) Fatal(args ...interface{}) { logger.FatalCtx(context.Background(), "asynq: %s", fmt.Sprint(args...)) }
