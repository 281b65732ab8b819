package kafka

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/idangerous/pushqueue/internal/application"
	"github.com/idangerous/pushqueue/internal/kafka/registry"

	// Blank import triggers init() in each handler file,
	// registering all command handlers into the registry.
	_ "github.com/idangerous/pushqueue/internal/kafka/handlers"
)

// Consumer wraps the franz-go Kafka client and feeds push commands from the
// intake topic into the Sender.
type Consumer struct {
	client *kgo.Client
	sender *application.Sender
}

// New creates a Consumer with the given brokers, group ID, and topic.
func New(brokers []string, groupID, topic string, sender *application.Sender) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, err
	}
	return &Consumer{client: client, sender: sender}, nil
}

// Start begins polling Kafka and processing records. Blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	log.Info().Msg("kafka consumer started")

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			break
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			log.Error().Err(err).Str("topic", topic).Int32("partition", partition).Msg("kafka fetch error")
		})

		fetches.EachRecord(func(r *kgo.Record) {
			c.process(ctx, r)
		})

		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			log.Error().Err(err).Msg("kafka commit error")
		}
	}

	c.client.Close()
	log.Info().Msg("kafka consumer stopped")
}

// process dispatches a Kafka record to the registered command handler, then
// queues or delivers the resulting job. Bulk specs are queued for the next
// pass; single-customer specs are delivered inline.
func (c *Consumer) process(ctx context.Context, r *kgo.Record) {
	log.Debug().
		Str("topic", r.Topic).
		Str("key", string(r.Key)).
		Msg("processing kafka record")

	spec := registry.Dispatch(r.Value)
	if spec == nil {
		log.Debug().Str("topic", r.Topic).Msg("no handler matched, skipping")
		return
	}

	var err error
	if spec.TargetCustomerID != nil {
		_, err = c.sender.SendToCustomer(ctx, *spec)
	} else {
		_, err = c.sender.EnqueueBulk(ctx, *spec)
	}
	if err != nil {
		log.Error().Err(err).
			Str("topic", r.Topic).
			Str("title", spec.Title).
			Msg("failed to handle push command from kafka")
		return
	}

	if spec.TargetCustomerID != nil {
		log.Info().Int64("customer_id", *spec.TargetCustomerID).Msg("push command delivered")
	} else {
		log.Info().Str("title", spec.Title).Msg("push command queued")
	}
}
