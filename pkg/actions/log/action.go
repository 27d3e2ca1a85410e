// Package log records a step activation in the service log.
package log

import (
	"context"
	"log/slog"

	"github.com/absamo/triven-workflow/pkg/engine"
)

const Name = "log"

// Action writes one record with the instance, the step and an optional
// "message" from the step config.
type Action struct {
	logger *slog.Logger
}

var _ engine.Action = (*Action)(nil)

func New(logger *slog.Logger) *Action {
	return &Action{logger: logger.With("action_type", "log")}
}

func (a *Action) Run(ctx context.Context, in engine.ActionInput) error {
	attrs := []any{"step", in.Step.StepNumber, "step_name", in.Step.Name}

	if in.Instance != nil {
		attrs = append(attrs,
			"instance_id", in.Instance.ID,
			"entity_type", in.Instance.EntityType,
			"entity_id", in.Instance.EntityID)
	}

	message := "workflow step reached"
	if v, ok := in.Config["message"].AsString(); ok && v != "" {
		message = v
	}

	a.logger.InfoContext(ctx, message, attrs...)

	return nil
}
