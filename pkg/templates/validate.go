// Package templates owns workflow template definitions: authoring validation,
// the compiled step graph, YAML seeding and the store service.
package templates

import (
	"errors"
	"fmt"
	"strings"

	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/go-playground/validator/v10"
)

// Validator checks templates at create/update time so authoring errors never reach runtime.
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	return &Validator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Validate returns a validation error listing every problem found.
func (v *Validator) Validate(t *models.WorkflowTemplate) error {
	var issues []string

	if err := v.validate.Struct(t); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return apperr.Validation("templates.Validate", "%v", err)
		}

		for _, fe := range fieldErrs {
			issues = append(issues, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}

	if !t.EntityType.Valid() {
		issues = append(issues, fmt.Sprintf("unknown entity type %q", t.EntityType))
	}

	if !t.TriggerType.Valid() {
		issues = append(issues, fmt.Sprintf("unknown trigger type %q", t.TriggerType))
	}

	if t.TriggerType.RequiresConditions() && t.TriggerConditions.IsEmpty() {
		issues = append(issues, fmt.Sprintf("trigger %s requires trigger conditions", t.TriggerType))
	}

	issues = append(issues, conditionIssues("trigger_conditions", t.TriggerConditions)...)
	issues = append(issues, stepIssues(t.Steps)...)

	if len(issues) == 0 {
		if _, err := Compile(t.Steps); err != nil {
			issues = append(issues, err.Error())
		}
	}

	if len(issues) > 0 {
		return apperr.Validation("templates.Validate", "%s", strings.Join(issues, "; "))
	}

	return nil
}

func stepIssues(steps []models.WorkflowStepDefinition) []string {
	var issues []string

	numbers := make(map[int]bool, len(steps))
	names := make(map[string]bool, len(steps))

	for _, s := range steps {
		at := fmt.Sprintf("step %d", s.StepNumber)

		if numbers[s.StepNumber] {
			issues = append(issues, fmt.Sprintf("duplicate step number %d", s.StepNumber))
		}

		numbers[s.StepNumber] = true

		name := strings.ToLower(strings.TrimSpace(s.Name))
		if names[name] {
			issues = append(issues, fmt.Sprintf("duplicate step name %q", s.Name))
		}

		names[name] = true

		if !s.Type.Valid() {
			issues = append(issues, fmt.Sprintf("%s: unknown step type %q", at, s.Type))

			continue
		}

		if s.Type.NeedsAssignee() {
			switch {
			case !s.AssigneeType.Valid():
				issues = append(issues, fmt.Sprintf("%s: %s step needs a valid assignee type", at, s.Type))
			case s.AssigneeType.NeedsRef() && s.AssigneeRef == "":
				issues = append(issues, fmt.Sprintf("%s: assignee type %s needs assignee_ref", at, s.AssigneeType))
			}
		}

		if s.Priority != "" && !s.Priority.Valid() {
			issues = append(issues, fmt.Sprintf("%s: unknown priority %q", at, s.Priority))
		}

		switch s.Type {
		case models.StepConditionalLogic:
			if len(s.Branches) == 0 {
				issues = append(issues, at+": conditional_logic needs at least one branch")
			}

			if s.AllowParallel {
				issues = append(issues, at+": conditional_logic cannot run in parallel")
			}

			for n, b := range s.Branches {
				if b.Conditions.IsEmpty() {
					issues = append(issues, fmt.Sprintf("%s: branch %d has no conditions", at, n+1))
				}

				issues = append(issues, conditionIssues(fmt.Sprintf("%s branch %d", at, n+1), &b.Conditions)...)
			}
		case models.StepDataValidation:
			if s.Conditions.IsEmpty() {
				issues = append(issues, at+": data_validation needs conditions")
			}
		case models.StepAutomaticAction, models.StepIntegration:
			if s.Action == "" {
				issues = append(issues, fmt.Sprintf("%s: %s needs an action", at, s.Type))
			}
		}

		if s.AllowParallel && !s.Type.RequiresHumanInput() && s.Type != models.StepConditionalLogic {
			issues = append(issues, fmt.Sprintf("%s: only approval steps can run in parallel", at))
		}

		issues = append(issues, conditionIssues(at+" conditions", s.Conditions)...)

		switch s.EscalationTarget {
		case "", models.EscalateToManager, models.EscalateNone:
		case models.EscalateToRole:
			if s.EscalationRole == "" {
				issues = append(issues, at+": escalation target role needs escalation_role")
			}
		default:
			issues = append(issues, fmt.Sprintf("%s: unknown escalation target %q", at, s.EscalationTarget))
		}
	}

	return issues
}

func conditionIssues(where string, set *models.ConditionSet) []string {
	if set == nil {
		return nil
	}

	var issues []string

	if th := set.Threshold; th != nil {
		if th.Field == "" {
			issues = append(issues, where+": threshold needs a field")
		}

		if !th.Operator.Valid(models.NumericOperators) {
			issues = append(issues, fmt.Sprintf("%s: threshold operator %q is not numeric", where, th.Operator))
		}
	}

	for _, f := range set.Fields {
		if f.Field == "" {
			issues = append(issues, where+": field condition needs a field")
		}

		if !f.Operator.Valid(models.FieldOperators) {
			issues = append(issues, fmt.Sprintf("%s: unknown operator %q", where, f.Operator))
		}

		if (f.Operator == models.OpIn || f.Operator == models.OpNotIn) && f.Value.Kind != models.ValueKindList {
			issues = append(issues, fmt.Sprintf("%s: operator %s needs a list value", where, f.Operator))
		}
	}

	if tc := set.Time; tc != nil {
		for _, d := range tc.DaysOfWeek {
			if d < 0 || d > 6 {
				issues = append(issues, fmt.Sprintf("%s: day of week %d out of range 0-6", where, d))
			}
		}

		if r := tc.TimeRange; r != nil && (r.StartHour < 0 || r.StartHour > 23 || r.EndHour < 0 || r.EndHour > 23) {
			issues = append(issues, where+": time range hours out of range")
		}
	}

	return issues
}
