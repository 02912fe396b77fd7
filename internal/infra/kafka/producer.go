package kafka

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/arklim/twofactor-service/internal/infra/config"
)

// Producer sends audit events through a Sarama AsyncProducer.
// Delivery failures are logged and counted, never returned to the login flow.
type Producer struct {
	producer sarama.AsyncProducer
	logger   *zap.Logger
	cfg      config.KafkaSettings

	failed    atomic.Int64
	closeOnce sync.Once
	drained   chan struct{}
}

// NewProducer dials the brokers and starts draining delivery errors.
// With kafka.async disabled every in-sync replica must acknowledge a message.
func NewProducer(cfg config.KafkaSettings, logger *zap.Logger) (*Producer, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V3_5_0_0
	sc.ClientID = "twofactor-service"

	sc.Producer.RequiredAcks = sarama.WaitForLocal
	if !cfg.Async {
		sc.Producer.RequiredAcks = sarama.WaitForAll
	}
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.Flush.Frequency = 100 * time.Millisecond
	sc.Producer.Retry.Max = 3
	sc.Producer.Return.Successes = false
	sc.Producer.Return.Errors = true
	sc.Metadata.Retry.Backoff = 250 * time.Millisecond

	ap, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	p := newProducer(ap, cfg, logger)
	logger.Info("kafka producer initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic_prefix", cfg.TopicPrefix),
		zap.Bool("async", cfg.Async),
	)
	return p, nil
}

func newProducer(ap sarama.AsyncProducer, cfg config.KafkaSettings, logger *zap.Logger) *Producer {
	p := &Producer{
		producer: ap,
		logger:   logger,
		cfg:      cfg,
		drained:  make(chan struct{}),
	}
	go p.drainErrors()
	return p
}

// drainErrors runs until the producer closes its error channel.
func (p *Producer) drainErrors() {
	defer close(p.drained)
	for perr := range p.producer.Errors() {
		if perr == nil {
			continue
		}
		p.failed.Add(1)
		p.logger.Error("kafka delivery failed",
			zap.Error(perr.Err),
			zap.String("topic", perr.Msg.Topic),
		)
	}
}

// Send queues msg, giving up when ctx ends first.
func (p *Producer) Send(ctx context.Context, msg *sarama.ProducerMessage) error {
	select {
	case p.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failed reports how many messages the brokers rejected since start.
func (p *Producer) Failed() int64 {
	return p.failed.Load()
}

// Close flushes buffered messages and waits for the error drain to finish.
func (p *Producer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.logger.Info("closing kafka producer")
		if cerr := p.producer.Close(); cerr != nil {
			err = fmt.Errorf("close kafka producer: %w", cerr)
		}
		<-p.drained
	})
	return err
}

// TopicName prefixes the event type unless it already carries the prefix.
func (p *Producer) TopicName(eventType string) string {
	if p.cfg.TopicPrefix == "" {
		return eventType
	}
	prefix := p.cfg.TopicPrefix + "."
	if strings.HasPrefix(eventType, prefix) {
		return eventType
	}
	return prefix + eventType
}
