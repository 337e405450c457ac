package jobs

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDeactivateInactiveTaskPayload(t *testing.T) {
	at := time.Date(2025, 1, 10, 3, 0, 0, 0, time.FixedZone("WIB", 7*3600))
	task, err := NewDeactivateInactiveTask("ops@example.com", at)
	require.NoError(t, err)
	assert.Equal(t, TaskUsersDeactivateInactive, task.Type())

	var payload DeactivateInactivePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, "ops@example.com", payload.RequestedBy)
	require.NotNil(t, payload.RequestedAt)
	assert.True(t, at.Equal(*payload.RequestedAt))
	assert.Equal(t, time.UTC, payload.RequestedAt.Location())
}

func TestSchedulerTaskPayloadIsStable(t *testing.T) {
	first, err := NewDeactivateInactiveTask("", time.Time{})
	require.NoError(t, err)
	second, err := NewDeactivateInactiveTask(RequestedByScheduler, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, first.Payload(), second.Payload())
	assert.JSONEq(t, `{"requested_by":"scheduler"}`, string(first.Payload()))
}

func TestDeactivateInactiveOptions(t *testing.T) {
	assert.Len(t, DeactivateInactiveOptions(0), 2)
	assert.Len(t, DeactivateInactiveOptions(15*time.Minute), 4)
}
