package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Operator is a comparison used by threshold and field conditions.
type Operator string

const (
	OpGreaterThan    Operator = "gt"
	OpGreaterOrEqual Operator = "gte"
	OpLessThan       Operator = "lt"
	OpLessOrEqual    Operator = "lte"
	OpEqual          Operator = "eq"
	OpNotEqual       Operator = "ne"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpIn             Operator = "in"
	OpNotIn          Operator = "not_in"
)

// NumericOperators are the operators a threshold condition accepts.
var NumericOperators = []Operator{OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual, OpEqual, OpNotEqual}

// FieldOperators are the operators a field condition accepts.
var FieldOperators = []Operator{
	OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual, OpEqual, OpNotEqual,
	OpContains, OpNotContains, OpIn, OpNotIn,
}

func (o Operator) Valid(allowed []Operator) bool {
	for _, a := range allowed {
		if o == a {
			return true
		}
	}

	return false
}

// ConditionKind tags the members of the Condition sum type.
type ConditionKind string

const (
	ConditionKindThreshold ConditionKind = "threshold"
	ConditionKindField     ConditionKind = "field"
	ConditionKindTime      ConditionKind = "time"
)

// Condition is implemented by ThresholdCondition, FieldCondition and TimeConditions only.
type Condition interface {
	Kind() ConditionKind
	Describe() string
}

type ThresholdCondition struct {
	Field    string   `json:"field"              validate:"required"`
	Operator Operator `json:"operator"           validate:"required"`
	Value    float64  `json:"value"`
	Currency string   `json:"currency,omitempty"`
}

func (ThresholdCondition) Kind() ConditionKind { return ConditionKindThreshold }

func (c ThresholdCondition) Describe() string {
	desc := fmt.Sprintf("threshold %s %s %s", c.Field, c.Operator, strconv.FormatFloat(c.Value, 'f', -1, 64))
	if c.Currency != "" {
		desc += " " + c.Currency
	}

	return desc
}

type FieldCondition struct {
	Field    string   `json:"field"    validate:"required"`
	Operator Operator `json:"operator" validate:"required"`
	Value    Value    `json:"value"`
}

func (FieldCondition) Kind() ConditionKind { return ConditionKindField }

func (c FieldCondition) Describe() string {
	return fmt.Sprintf("field %s %s %s", c.Field, c.Operator, c.Value.String())
}

// TimeRange is an inclusive range of whole hours, written "HH:00".
type TimeRange struct {
	StartHour int
	EndHour   int
}

type timeRangeJSON struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (r TimeRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(timeRangeJSON{
		Start: fmt.Sprintf("%02d:00", r.StartHour),
		End:   fmt.Sprintf("%02d:00", r.EndHour),
	})
}

func (r *TimeRange) UnmarshalJSON(data []byte) error {
	var raw timeRangeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	start, err := ParseHour(raw.Start)
	if err != nil {
		return err
	}

	end, err := ParseHour(raw.End)
	if err != nil {
		return err
	}

	r.StartHour, r.EndHour = start, end

	return nil
}

// ParseHour parses "HH:00" (or "HH") into an hour of day.
func ParseHour(s string) (int, error) {
	hh, mm, found := strings.Cut(strings.TrimSpace(s), ":")
	if found && mm != "00" {
		return 0, fmt.Errorf("time %q must be on the hour", s)
	}

	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}

	return hour, nil
}

type TimeConditions struct {
	DaysOfWeek      []int      `json:"day_of_week,omitempty"`
	TimeRange       *TimeRange `json:"time_range,omitempty"`
	ExcludeHolidays bool       `json:"exclude_holidays,omitempty"`
}

func (TimeConditions) Kind() ConditionKind { return ConditionKindTime }

func (c TimeConditions) Describe() string {
	parts := []string{"time"}
	if len(c.DaysOfWeek) > 0 {
		parts = append(parts, fmt.Sprintf("days=%v", c.DaysOfWeek))
	}

	if c.TimeRange != nil {
		parts = append(parts, fmt.Sprintf("hours=%02d:00-%02d:00", c.TimeRange.StartHour, c.TimeRange.EndHour))
	}

	if c.ExcludeHolidays {
		parts = append(parts, "no-holidays")
	}

	return strings.Join(parts, " ")
}

// ConditionSet groups the three condition families. Groups are ANDed together.
type ConditionSet struct {
	Threshold *ThresholdCondition `json:"threshold,omitempty"`
	Fields    []FieldCondition    `json:"field_conditions,omitempty"`
	Time      *TimeConditions     `json:"time_conditions,omitempty"`
}

func (c *ConditionSet) IsEmpty() bool {
	return c == nil || (c.Threshold == nil && len(c.Fields) == 0 && c.Time == nil)
}

// Conditions flattens the set in evaluation order: threshold, fields, time.
func (c *ConditionSet) Conditions() []Condition {
	if c == nil {
		return nil
	}

	out := make([]Condition, 0, len(c.Fields)+2)
	if c.Threshold != nil {
		out = append(out, *c.Threshold)
	}

	for _, f := range c.Fields {
		out = append(out, f)
	}

	if c.Time != nil {
		out = append(out, *c.Time)
	}

	return out
}

// BranchRule routes a conditional_logic step to GoTo when Conditions match.
type BranchRule struct {
	Conditions ConditionSet `json:"conditions"`
	GoTo       int          `json:"go_to"`
}
