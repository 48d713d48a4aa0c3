// Package kafka publishes alerts to a Kafka topic so SIEM and paging
// systems can consume them off the pipeline's critical path.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"audittrail/internal/alert"
)

// Publisher implements alert.Alerter over a Kafka topic. Produces are
// asynchronous; delivery failures are logged and dropped, matching the
// fire-and-forget contract.
type Publisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

var _ alert.Alerter = (*Publisher)(nil)

// New connects to the brokers and makes sure the alerts topic exists.
// Topic auto-creation is often disabled in production clusters, so we
// create it explicitly through the admin API and tolerate "already exists".
func New(brokers []string, topic string, logger *slog.Logger) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("alert kafka: connect %v: %w", brokers, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	adm := kadm.NewClient(client)
	if _, err := adm.CreateTopic(ctx, 1, 1, nil, topic); err != nil {
		if !strings.Contains(err.Error(), "TOPIC_ALREADY_EXISTS") {
			client.Close()
			return nil, fmt.Errorf("alert kafka: create topic %q: %w", topic, err)
		}
	}

	return &Publisher{client: client, topic: topic, logger: logger}, nil
}

func (p *Publisher) Notify(ctx context.Context, a alert.Alert) {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	value, err := json.Marshal(a)
	if err != nil {
		p.logger.Error("alert kafka: marshal alert", "error", err, "kind", string(a.Kind))
		return
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(a.Kind),
		Value: value,
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Error("alert kafka: produce failed",
				"error", err,
				"kind", string(a.Kind),
				"record_id", a.RecordID,
			)
		}
	})
}

// Close flushes pending produces and releases the client.
func (p *Publisher) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.client.Flush(ctx)
	p.client.Close()
}
