package recovery

import (
	"context"
	"fmt"

	queue "botfleet/pkg/queue/asynq"

	"github.com/hibiken/asynq"
)

// ProcessDriveTask handles recovery:drive tasks. Malformed payloads are not retried.
func (o *Orchestrator) ProcessDriveTask(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseRecoveryDrivePayload(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	_, err = o.Drive(ctx, payload.EventID)
	return err
}
