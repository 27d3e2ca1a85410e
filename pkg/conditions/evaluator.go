// Package conditions evaluates trigger, branch and validation conditions against entity snapshots.
package conditions

import (
	"strconv"
	"strings"
	"time"

	"github.com/absamo/triven-workflow/pkg/models"
)

// HolidayFunc reports whether the given instant falls on a holiday.
type HolidayFunc func(t time.Time) bool

type Option func(*Evaluator)

// WithHolidays sets the calendar consulted by exclude_holidays.
func WithHolidays(fn HolidayFunc) Option {
	return func(e *Evaluator) { e.holidays = fn }
}

// WithLocation sets the zone used for day-of-week and hour checks. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(e *Evaluator) {
		if loc != nil {
			e.location = loc
		}
	}
}

// Evaluator is stateless apart from its options and safe for concurrent use.
type Evaluator struct {
	holidays HolidayFunc
	location *time.Location
}

func New(opts ...Option) *Evaluator {
	e := &Evaluator{location: time.UTC}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Result is the outcome of evaluating a ConditionSet.
type Result struct {
	Matched bool `json:"matched"`
	// Satisfied lists the conditions that held, in evaluation order.
	Satisfied []string `json:"satisfied,omitempty"`
	// FailedOn describes the first condition that did not hold.
	FailedOn string `json:"failed_on,omitempty"`
}

// Evaluate ANDs every condition of the set. An empty set always matches.
func (e *Evaluator) Evaluate(set *models.ConditionSet, snapshot models.EntitySnapshot) Result {
	result := Result{Matched: true}

	for _, c := range set.Conditions() {
		if !e.Match(c, snapshot) {
			result.Matched = false
			result.FailedOn = c.Describe()

			return result
		}

		result.Satisfied = append(result.Satisfied, c.Describe())
	}

	return result
}

// Matches is shorthand for Evaluate(...).Matched.
func (e *Evaluator) Matches(set *models.ConditionSet, snapshot models.EntitySnapshot) bool {
	return e.Evaluate(set, snapshot).Matched
}

// Match evaluates a single condition. Missing fields and type mismatches never match.
func (e *Evaluator) Match(c models.Condition, snapshot models.EntitySnapshot) bool {
	switch cond := c.(type) {
	case models.ThresholdCondition:
		return e.matchThreshold(cond, snapshot)
	case models.FieldCondition:
		return e.matchField(cond, snapshot)
	case models.TimeConditions:
		return e.matchTime(cond, snapshot)
	default:
		return false
	}
}

func (e *Evaluator) matchThreshold(c models.ThresholdCondition, snapshot models.EntitySnapshot) bool {
	if c.Currency != "" && !strings.EqualFold(c.Currency, snapshot.Currency()) {
		return false
	}

	v, ok := snapshot.Field(c.Field)
	if !ok {
		return false
	}

	n, ok := numeric(v)
	if !ok {
		return false
	}

	return compareNumbers(n, c.Operator, c.Value)
}

func (e *Evaluator) matchField(c models.FieldCondition, snapshot models.EntitySnapshot) bool {
	v, ok := snapshot.Field(c.Field)
	if !ok {
		return false
	}

	switch c.Operator {
	case models.OpContains:
		return contains(v, c.Value)
	case models.OpNotContains:
		return !contains(v, c.Value)
	case models.OpIn:
		return memberOf(v, c.Value)
	case models.OpNotIn:
		return !memberOf(v, c.Value)
	case models.OpEqual:
		return equal(v, c.Value)
	case models.OpNotEqual:
		return !equal(v, c.Value)
	case models.OpGreaterThan, models.OpGreaterOrEqual, models.OpLessThan, models.OpLessOrEqual:
		if a, ok := numeric(v); ok {
			if b, ok := numeric(c.Value); ok {
				return compareNumbers(a, c.Operator, b)
			}

			return false
		}

		a, aok := v.AsString()
		b, bok := c.Value.AsString()

		if !aok || !bok {
			return false
		}

		return compareStrings(a, c.Operator, b)
	default:
		return false
	}
}

func (e *Evaluator) matchTime(c models.TimeConditions, snapshot models.EntitySnapshot) bool {
	if snapshot.Timestamp.IsZero() {
		return false
	}

	at := snapshot.Timestamp.In(e.location)

	if len(c.DaysOfWeek) > 0 {
		day := int(at.Weekday())
		found := false

		for _, d := range c.DaysOfWeek {
			if d == day {
				found = true

				break
			}
		}

		if !found {
			return false
		}
	}

	if r := c.TimeRange; r != nil {
		hour := at.Hour()

		if r.StartHour <= r.EndHour {
			if hour < r.StartHour || hour > r.EndHour {
				return false
			}
		} else if hour < r.StartHour && hour > r.EndHour {
			// overnight range such as 22:00-06:00
			return false
		}
	}

	if c.ExcludeHolidays && e.holidays != nil && e.holidays(at) {
		return false
	}

	return true
}

// numeric accepts numbers and numeric strings.
func numeric(v models.Value) (float64, bool) {
	if n, ok := v.AsNumber(); ok {
		return n, true
	}

	if s, ok := v.AsString(); ok {
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil {
			return n, true
		}
	}

	return 0, false
}

func compareNumbers(a float64, op models.Operator, b float64) bool {
	switch op {
	case models.OpGreaterThan:
		return a > b
	case models.OpGreaterOrEqual:
		return a >= b
	case models.OpLessThan:
		return a < b
	case models.OpLessOrEqual:
		return a <= b
	case models.OpEqual:
		return a == b
	case models.OpNotEqual:
		return a != b
	default:
		return false
	}
}

func compareStrings(a string, op models.Operator, b string) bool {
	switch op {
	case models.OpGreaterThan:
		return a > b
	case models.OpGreaterOrEqual:
		return a >= b
	case models.OpLessThan:
		return a < b
	case models.OpLessOrEqual:
		return a <= b
	default:
		return false
	}
}

func equal(a, b models.Value) bool {
	if a.Equal(b) {
		return true
	}

	// "6000" and 6000 compare equal
	x, xok := numeric(a)
	y, yok := numeric(b)

	return xok && yok && x == y
}

// contains is substring match for strings and element match for lists. Case-sensitive.
func contains(field, needle models.Value) bool {
	switch field.Kind {
	case models.ValueKindString:
		s, ok := needle.AsString()

		return ok && strings.Contains(field.Str, s)
	case models.ValueKindList:
		for _, item := range field.List {
			if item.Equal(needle) {
				return true
			}
		}

		return false
	default:
		return false
	}
}

// memberOf reports whether field is one of the values listed by set.
func memberOf(field, set models.Value) bool {
	if set.Kind != models.ValueKindList {
		return field.Equal(set)
	}

	for _, item := range set.List {
		if field.Equal(item) {
			return true
		}
	}

	return false
}
