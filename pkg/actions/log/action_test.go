package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	logaction "github.com/absamo/triven-workflow/pkg/actions/log"
	"github.com/absamo/triven-workflow/pkg/engine"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAction_Run(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  models.Payload
		message string
	}{
		{name: "default message", config: nil, message: "workflow step reached"},
		{name: "configured message", config: models.Payload{"message": models.String("po synced")}, message: "po synced"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer

			action := logaction.New(slog.New(slog.NewJSONHandler(&buf, nil)))

			err := action.Run(context.Background(), engine.ActionInput{
				Instance: &models.WorkflowInstance{ID: "i1", EntityType: models.EntityPurchaseOrder, EntityID: "po-1"},
				Step:     models.WorkflowStepDefinition{StepNumber: 3, Name: "Audit"},
				Config:   tt.config,
			})
			require.NoError(t, err)

			var record map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

			assert.Equal(t, tt.message, record["msg"])
			assert.Equal(t, "log", record["action_type"])
			assert.Equal(t, "i1", record["instance_id"])
			assert.InDelta(t, 3, record["step"], 0)
		})
	}
}
