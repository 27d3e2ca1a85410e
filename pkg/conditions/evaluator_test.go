package conditions_test

import (
	"testing"
	"time"

	"github.com/absamo/triven-workflow/pkg/conditions"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/stretchr/testify/assert"
)

func snapshot(fields models.Payload) models.EntitySnapshot {
	// Wednesday 10:30 UTC
	return models.EntitySnapshot{Fields: fields, Timestamp: time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)}
}

func TestEvaluate_ThresholdCurrency(t *testing.T) {
	t.Parallel()

	set := &models.ConditionSet{Threshold: &models.ThresholdCondition{
		Field: "amount", Operator: models.OpGreaterOrEqual, Value: 5000, Currency: "EUR",
	}}
	eval := conditions.New()

	eur := eval.Evaluate(set, snapshot(models.Payload{"amount": models.Number(6000), "currency": models.String("EUR")}))
	assert.True(t, eur.Matched)
	assert.Equal(t, []string{"threshold amount gte 5000 EUR"}, eur.Satisfied)

	usd := eval.Evaluate(set, snapshot(models.Payload{"amount": models.Number(6000), "currency": models.String("USD")}))
	assert.False(t, usd.Matched)
	assert.Equal(t, "threshold amount gte 5000 EUR", usd.FailedOn)

	below := eval.Evaluate(set, snapshot(models.Payload{"amount": models.Number(4999.99), "currency": models.String("EUR")}))
	assert.False(t, below.Matched)
}

func TestEvaluate_EmptySetMatches(t *testing.T) {
	t.Parallel()

	eval := conditions.New()

	assert.True(t, eval.Matches(nil, snapshot(nil)))
	assert.True(t, eval.Matches(&models.ConditionSet{}, snapshot(nil)))
}

func TestMatch_FieldOperators(t *testing.T) {
	t.Parallel()

	snap := snapshot(models.Payload{
		"amount":   models.Number(120),
		"status":   models.String("Approved"),
		"tags":     models.List(models.String("urgent"), models.String("export")),
		"supplier": models.String("ACME Corp"),
		"qty":      models.String("15"),
	})

	tests := []struct {
		name  string
		cond  models.FieldCondition
		match bool
	}{
		{"gt number", models.FieldCondition{Field: "amount", Operator: models.OpGreaterThan, Value: models.Number(100)}, true},
		{"lte number", models.FieldCondition{Field: "amount", Operator: models.OpLessOrEqual, Value: models.Number(119)}, false},
		{"numeric string", models.FieldCondition{Field: "qty", Operator: models.OpGreaterOrEqual, Value: models.Number(15)}, true},
		{"eq string", models.FieldCondition{Field: "status", Operator: models.OpEqual, Value: models.String("Approved")}, true},
		{"ne string", models.FieldCondition{Field: "status", Operator: models.OpNotEqual, Value: models.String("Approved")}, false},
		{"contains substring", models.FieldCondition{Field: "supplier", Operator: models.OpContains, Value: models.String("ACME")}, true},
		{"contains is case-sensitive", models.FieldCondition{Field: "supplier", Operator: models.OpContains, Value: models.String("acme")}, false},
		{"contains list element", models.FieldCondition{Field: "tags", Operator: models.OpContains, Value: models.String("urgent")}, true},
		{"not_contains list element", models.FieldCondition{Field: "tags", Operator: models.OpNotContains, Value: models.String("domestic")}, true},
		{"in list", models.FieldCondition{Field: "status", Operator: models.OpIn, Value: models.List(models.String("Approved"), models.String("Open"))}, true},
		{"in is case-sensitive", models.FieldCondition{Field: "status", Operator: models.OpIn, Value: models.List(models.String("approved"))}, false},
		{"not_in list", models.FieldCondition{Field: "status", Operator: models.OpNotIn, Value: models.List(models.String("Closed"))}, true},
		{"unknown field never matches", models.FieldCondition{Field: "missing", Operator: models.OpNotEqual, Value: models.String("x")}, false},
		{"unknown field with not_in", models.FieldCondition{Field: "missing", Operator: models.OpNotIn, Value: models.List(models.String("x"))}, false},
		{"type mismatch", models.FieldCondition{Field: "status", Operator: models.OpGreaterThan, Value: models.Number(1)}, false},
	}

	eval := conditions.New()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.match, eval.Match(tt.cond, snap))
		})
	}
}

func TestMatch_TimeConditions(t *testing.T) {
	t.Parallel()

	snap := snapshot(nil)
	eval := conditions.New()

	tests := []struct {
		name  string
		cond  models.TimeConditions
		match bool
	}{
		{"weekday member", models.TimeConditions{DaysOfWeek: []int{1, 2, 3, 4, 5}}, true},
		{"sunday only", models.TimeConditions{DaysOfWeek: []int{0}}, false},
		{"inside range", models.TimeConditions{TimeRange: &models.TimeRange{StartHour: 9, EndHour: 17}}, true},
		{"end hour inclusive", models.TimeConditions{TimeRange: &models.TimeRange{StartHour: 8, EndHour: 10}}, true},
		{"outside range", models.TimeConditions{TimeRange: &models.TimeRange{StartHour: 11, EndHour: 17}}, false},
		{"overnight range", models.TimeConditions{TimeRange: &models.TimeRange{StartHour: 22, EndHour: 6}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.match, eval.Match(tt.cond, snap))
		})
	}
}

func TestMatch_Holidays(t *testing.T) {
	t.Parallel()

	holiday := func(t time.Time) bool { return t.Month() == time.March && t.Day() == 4 }
	cond := models.TimeConditions{ExcludeHolidays: true}

	assert.False(t, conditions.New(conditions.WithHolidays(holiday)).Match(cond, snapshot(nil)))
	assert.True(t, conditions.New().Match(cond, snapshot(nil)))
}

func TestMatch_Location(t *testing.T) {
	t.Parallel()

	tokyo := time.FixedZone("JST", 9*3600)
	cond := models.TimeConditions{TimeRange: &models.TimeRange{StartHour: 19, EndHour: 20}}

	assert.True(t, conditions.New(conditions.WithLocation(tokyo)).Match(cond, snapshot(nil)))
}

func TestEvaluate_GroupsAreANDed(t *testing.T) {
	t.Parallel()

	set := &models.ConditionSet{
		Threshold: &models.ThresholdCondition{Field: "amount", Operator: models.OpGreaterThan, Value: 100},
		Fields: []models.FieldCondition{
			{Field: "status", Operator: models.OpEqual, Value: models.String("Open")},
		},
		Time: &models.TimeConditions{DaysOfWeek: []int{3}},
	}

	res := conditions.New().Evaluate(set, snapshot(models.Payload{"amount": models.Number(150), "status": models.String("Closed")}))

	assert.False(t, res.Matched)
	assert.Equal(t, "field status eq Open", res.FailedOn)
	assert.Len(t, res.Satisfied, 1)
}
