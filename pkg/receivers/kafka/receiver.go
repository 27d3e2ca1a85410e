// Package kafka consumes business events from Kafka topics and starts the workflows they trigger.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/engine"
	"github.com/absamo/triven-workflow/pkg/models"
)

// TriggerHandler starts the instances matching one business event.
type TriggerHandler interface {
	HandleTrigger(ctx context.Context, t engine.Trigger) ([]*models.WorkflowInstance, error)
}

// Message is the JSON value of one entity event. The record key is used as
// entity id when the body does not carry one.
type Message struct {
	CompanyID  string             `json:"company_id"`
	EntityType models.EntityType  `json:"entity_type"`
	EntityID   string             `json:"entity_id"`
	Type       models.TriggerType `json:"trigger_type"`
	Fields     models.Payload     `json:"fields"`
	CreatedBy  string             `json:"created_by,omitempty"`
	ActorID    string             `json:"actor_id,omitempty"`
	Timestamp  *time.Time         `json:"timestamp,omitempty"`
}

type Config struct {
	Brokers       []string
	Topics        []string
	ConsumerGroup string
}

type Receiver struct {
	config   Config
	handler  TriggerHandler
	logger   *slog.Logger
	consumer sarama.ConsumerGroup
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewReceiver(config Config, handler TriggerHandler, logger *slog.Logger) (*Receiver, error) {
	switch {
	case len(config.Brokers) == 0:
		return nil, errors.New("kafka intake requires at least one broker")
	case len(config.Topics) == 0:
		return nil, errors.New("kafka intake requires at least one topic")
	case config.ConsumerGroup == "":
		return nil, errors.New("kafka intake requires a consumer group")
	}

	return &Receiver{
		config:  config,
		handler: handler,
		logger:  logger.With("module", "kafka_intake"),
	}, nil
}

// Start joins the consumer group and consumes until Stop or ctx is done.
func (r *Receiver) Start(ctx context.Context) error {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_6_0_0
	cfg.Consumer.Group.Session.Timeout = 10 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumerGroup(r.config.Brokers, r.config.ConsumerGroup, cfg)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer group: %w", err)
	}

	r.consumer = consumer
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(2)

	go func() {
		defer r.wg.Done()

		for ctx.Err() == nil {
			if err := consumer.Consume(ctx, r.config.Topics, r); err != nil {
				r.logger.ErrorContext(ctx, "kafka consume failed", "error", err)

				select {
				case <-ctx.Done():
				case <-time.After(5 * time.Second):
				}
			}
		}
	}()

	go func() {
		defer r.wg.Done()

		for {
			select {
			case err, ok := <-consumer.Errors():
				if !ok {
					return
				}

				r.logger.ErrorContext(ctx, "kafka consumer group error", "error", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	r.logger.InfoContext(ctx, "kafka intake started",
		"topics", r.config.Topics,
		"consumer_group", r.config.ConsumerGroup,
	)

	return nil
}

func (r *Receiver) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}

	r.wg.Wait()

	if r.consumer == nil {
		return nil
	}

	if err := r.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer group: %w", err)
	}

	return nil
}

func (r *Receiver) Setup(sarama.ConsumerGroupSession) error { return nil }

func (r *Receiver) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim marks a record once it has been handled or can never be.
// A transient failure ends the claim without marking so the record is
// redelivered from the last committed offset.
func (r *Receiver) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			if err := r.handle(ctx, msg); err != nil {
				return err
			}

			session.MarkMessage(msg, "")
		}
	}
}

func (r *Receiver) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	logger := r.logger.With("topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)

	trigger, err := Decode(msg)
	if err != nil {
		logger.WarnContext(ctx, "dropping undecodable entity event", "error", err)

		return nil
	}

	started, err := r.handler.HandleTrigger(ctx, trigger)

	switch apperr.KindOf(err) {
	case "":
		if err != nil {
			return fmt.Errorf("failed to handle entity event: %w", err)
		}
	case apperr.KindExternal:
		return fmt.Errorf("failed to handle entity event: %w", err)
	default:
		logger.WarnContext(ctx, "dropping rejected entity event",
			"entity_type", trigger.EntityType,
			"entity_id", trigger.EntityID,
			"error", err,
		)

		return nil
	}

	logger.DebugContext(ctx, "entity event handled",
		"entity_type", trigger.EntityType,
		"entity_id", trigger.EntityID,
		"started", len(started),
	)

	return nil
}

// Decode maps a record onto an engine trigger.
func Decode(msg *sarama.ConsumerMessage) (engine.Trigger, error) {
	var m Message
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return engine.Trigger{}, fmt.Errorf("invalid entity event: %w", err)
	}

	if m.EntityID == "" {
		m.EntityID = string(msg.Key)
	}

	at := msg.Timestamp.UTC()
	if m.Timestamp != nil {
		at = m.Timestamp.UTC()
	}

	return engine.Trigger{
		CompanyID:  m.CompanyID,
		EntityType: m.EntityType,
		EntityID:   m.EntityID,
		Type:       m.Type,
		Snapshot: models.EntitySnapshot{
			Fields:    m.Fields,
			Timestamp: at,
			CreatedBy: m.CreatedBy,
		},
		ActorID: m.ActorID,
	}, nil
}
