package kafka_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/engine"
	"github.com/absamo/triven-workflow/pkg/mocks"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/receivers/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	sarama.ConsumerGroupSession

	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim

	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func claimOf(msgs ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}

	close(ch)

	return &fakeClaim{messages: ch}
}

func record(offset int64, key, value string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:     "triven.entity.events",
		Offset:    offset,
		Key:       []byte(key),
		Value:     []byte(value),
		Timestamp: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func newReceiver(t *testing.T, handler kafka.TriggerHandler) *kafka.Receiver {
	t.Helper()

	r, err := kafka.NewReceiver(kafka.Config{
		Brokers:       []string{"localhost:9092"},
		Topics:        []string{"triven.entity.events"},
		ConsumerGroup: "triven-intake",
	}, handler, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	return r
}

func TestDecode(t *testing.T) {
	msg := record(1, "po-9", `{"company_id":"c1","entity_type":"purchase_order","trigger_type":"entity_created","fields":{"total":1200},"created_by":"u1"}`)

	got, err := kafka.Decode(msg)
	require.NoError(t, err)

	assert.Equal(t, "c1", got.CompanyID)
	assert.Equal(t, models.EntityPurchaseOrder, got.EntityType)
	assert.Equal(t, "po-9", got.EntityID)
	assert.Equal(t, models.TriggerEntityCreated, got.Type)
	assert.Equal(t, "u1", got.Snapshot.CreatedBy)
	assert.Equal(t, msg.Timestamp, got.Snapshot.Timestamp)
	assert.Equal(t, models.Number(1200), got.Snapshot.Fields["total"])

	_, err = kafka.Decode(record(2, "", "not json"))
	assert.Error(t, err)
}

func TestReceiver_ConsumeClaim(t *testing.T) {
	handler := &mocks.MockTriggerHandler{}
	handler.On("HandleTrigger", mock.Anything, mock.MatchedBy(func(tr engine.Trigger) bool {
		return tr.EntityID == "po-1"
	})).Return([]*models.WorkflowInstance{{ID: "wi-1"}}, nil)
	handler.On("HandleTrigger", mock.Anything, mock.MatchedBy(func(tr engine.Trigger) bool {
		return tr.EntityID == "po-2"
	})).Return(nil, apperr.Validation("engine.HandleTrigger", "unknown trigger type"))

	session := &fakeSession{ctx: context.Background()}
	claim := claimOf(
		record(10, "po-1", `{"company_id":"c1","entity_type":"purchase_order","trigger_type":"entity_created"}`),
		record(11, "", "{broken"),
		record(12, "po-2", `{"company_id":"c1","entity_type":"purchase_order","trigger_type":"bogus"}`),
	)

	err := newReceiver(t, handler).ConsumeClaim(session, claim)
	require.NoError(t, err)

	assert.Equal(t, []int64{10, 11, 12}, session.marked)
	handler.AssertNumberOfCalls(t, "HandleTrigger", 2)
}

func TestReceiver_TransientFailureIsNotMarked(t *testing.T) {
	handler := &mocks.MockTriggerHandler{}
	handler.On("HandleTrigger", mock.Anything, mock.Anything).
		Return(nil, apperr.External("store", errors.New("connection reset"))).Once()

	session := &fakeSession{ctx: context.Background()}
	claim := claimOf(
		record(20, "po-3", `{"company_id":"c1","entity_type":"purchase_order","trigger_type":"entity_created"}`),
		record(21, "po-4", `{"company_id":"c1","entity_type":"purchase_order","trigger_type":"entity_created"}`),
	)

	err := newReceiver(t, handler).ConsumeClaim(session, claim)
	require.Error(t, err)

	assert.Empty(t, session.marked)
	handler.AssertNumberOfCalls(t, "HandleTrigger", 1)
}

func TestNewReceiver_RequiresConfig(t *testing.T) {
	_, err := kafka.NewReceiver(kafka.Config{Topics: []string{"t"}, ConsumerGroup: "g"}, nil, slog.New(slog.DiscardHandler))
	assert.Error(t, err)

	_, err = kafka.NewReceiver(kafka.Config{Brokers: []string{"b"}, ConsumerGroup: "g"}, nil, slog.New(slog.DiscardHandler))
	assert.Error(t, err)

	_, err = kafka.NewReceiver(kafka.Config{Brokers: []string{"b"}, Topics: []string{"t"}}, nil, slog.New(slog.DiscardHandler))
	assert.Error(t, err)
}
