package asynq

import (
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecoveryDrivePayload(t *testing.T) {
	p, err := ParseRecoveryDrivePayload(asynq.NewTask(TypeRecoveryDrive, []byte(`{"event_id":"ev-1"}`)))
	require.NoError(t, err)
	assert.Equal(t, "ev-1", p.EventID)

	_, err = ParseRecoveryDrivePayload(asynq.NewTask(TypeRecoveryDrive, []byte(`{}`)))
	assert.Error(t, err)

	_, err = ParseRecoveryDrivePayload(asynq.NewTask(TypeRecoveryDrive, []byte(`nope`)))
	assert.Error(t, err)
}
