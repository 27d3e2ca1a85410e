package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkItem_JSON(t *testing.T) {
	t.Parallel()

	item := WorkItem{
		BaseEvent: NewBaseEvent(WorkItemEvent, "c1"),
		Kind:      WorkRequestCheck,
		TargetID:  "r1",
		SweepAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(item)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"scheduler.work_item"`)
	assert.Contains(t, string(data), `"kind":"request_check"`)

	var decoded WorkItem
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, item.ID, decoded.ID)
	assert.Equal(t, WorkItemEvent, decoded.GetType())
	assert.True(t, item.SweepAt.Equal(decoded.SweepAt))
}

func TestNewBaseEvent(t *testing.T) {
	t.Parallel()

	a := NewBaseEvent(RealtimePublishedEvent, "c1")
	b := NewBaseEvent(RealtimePublishedEvent, "c1")

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "c1", a.CompanyID)
	assert.Equal(t, RealtimePublishedEvent, RealtimePublished{}.GetType())
}
