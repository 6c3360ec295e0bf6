package grants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"trophymint/pkg/config"
	"trophymint/pkg/errutil"
)

const (
	readTimeout  = time.Second
	retryBackoff = 2 * time.Second
)

// Consumer feeds milestone.completed events from Kafka into the grant
// service. Offsets are committed by hand: only after an event is applied or
// rejected for good. Transient failures seek back and retry in place, so
// delivery is at least once and grants stay idempotent by event id.
type Consumer struct {
	cfg *config.Config
	svc Service

	kc   *kafka.Consumer
	done chan struct{}
	wg   sync.WaitGroup
}

type ConsumerParams struct {
	fx.In

	Config  *config.Config
	Service Service
}

func NewConsumer(p ConsumerParams) *Consumer {
	return &Consumer{
		cfg:  p.Config,
		svc:  p.Service,
		done: make(chan struct{}),
	}
}

// RegisterConsumer starts the consume loop when Kafka is configured and
// leaves it off otherwise, so single-binary setups run without a broker.
func RegisterConsumer(lc fx.Lifecycle, c *Consumer) {
	if c.cfg.Kafka.Addrs == "" || c.cfg.Kafka.GrantsTopic == "" {
		zap.L().Warn("[Grants] kafka not configured, milestone consumer disabled")
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			kc, err := kafka.NewConsumer(&kafka.ConfigMap{
				"bootstrap.servers":  c.cfg.Kafka.Addrs,
				"group.id":           c.cfg.Kafka.GroupID,
				"auto.offset.reset":  "earliest",
				"enable.auto.commit": false,
			})
			if err != nil {
				return fmt.Errorf("create kafka consumer: %w", err)
			}
			if err := kc.SubscribeTopics([]string{c.cfg.Kafka.GrantsTopic}, nil); err != nil {
				kc.Close()
				return fmt.Errorf("subscribe %s: %w", c.cfg.Kafka.GrantsTopic, err)
			}
			c.kc = kc

			c.wg.Add(1)
			go c.run()

			zap.L().Info("▶️ [Grants] milestone consumer started",
				zap.String("topic", c.cfg.Kafka.GrantsTopic),
				zap.String("group_id", c.cfg.Kafka.GroupID),
			)
			return nil
		},
		OnStop: func(_ context.Context) error {
			close(c.done)
			c.wg.Wait()
			return c.kc.Close()
		},
	})
}

func (c *Consumer) run() {
	defer c.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		msg, err := c.kc.ReadMessage(readTimeout)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			zap.L().Warn("[Grants] read message", zap.Error(err))
			continue
		}

		c.handle(ctx, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, msg *kafka.Message) {
	var evt MilestoneEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		zap.L().Error("❌ [Grants] undecodable milestone event",
			zap.String("partition", msg.TopicPartition.String()),
			zap.Error(err),
		)
		eventOutcomes.WithLabelValues("invalid").Inc()
		c.commit(msg)
		return
	}

	granted, err := c.svc.Apply(ctx, &evt)
	if err != nil {
		if retryable(err) {
			eventOutcomes.WithLabelValues("retried").Inc()
			zap.L().Warn("[Grants] transient failure, retrying event",
				zap.String("event_id", evt.EventID),
				zap.Error(err),
			)
			if serr := c.kc.Seek(msg.TopicPartition, 0); serr != nil {
				zap.L().Error("❌ [Grants] seek back failed", zap.Error(serr))
			}
			time.Sleep(retryBackoff)
			return
		}

		eventOutcomes.WithLabelValues("rejected").Inc()
		zap.L().Error("❌ [Grants] milestone event rejected",
			zap.String("event_id", evt.EventID),
			zap.String("holder_ref", evt.HolderRef),
			zap.Error(err),
		)
		c.commit(msg)
		return
	}

	eventOutcomes.WithLabelValues("applied").Inc()
	if len(granted) > 0 {
		zap.L().Info("✅ [Grants] milestone applied",
			zap.String("event_id", evt.EventID),
			zap.String("holder_ref", evt.HolderRef),
			zap.Int("granted", len(granted)),
		)
	}
	c.commit(msg)
}

func (c *Consumer) commit(msg *kafka.Message) {
	if _, err := c.kc.CommitMessage(msg); err != nil {
		zap.L().Error("❌ [Grants] offset commit failed", zap.Error(err))
	}
}

// retryable separates transport-class failures, which are worth replaying,
// from deterministic rejections that would fail the same way forever.
func retryable(err error) bool {
	var be errutil.BaseError
	if errors.As(err, &be) {
		switch be.Status() {
		case errutil.StatusBadGateway, errutil.StatusServiceUnavailable, errutil.StatusGatewayTimeout, errutil.StatusTimeout:
			return true
		default:
			return false
		}
	}

	// untyped errors are db or transport hiccups
	return true
}
