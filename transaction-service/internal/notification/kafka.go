package notification

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mulehunter/backend/shared/config"
	"github.com/mulehunter/backend/shared/metrics"
	"github.com/segmentio/kafka-go"
)

// KafkaNotifier publishes re-analysis requests to a topic, keyed by
// transaction id, for pipelines that consume from Kafka instead of HTTP.
type KafkaNotifier struct {
	writer  *kafka.Writer
	cfg     config.NotificationConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewKafkaNotifier(cfg config.NotificationConfig, m *metrics.Metrics, logger *slog.Logger) *KafkaNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.KafkaTopic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           cfg.Timeout,
		MaxAttempts:            1,
	}
	return &KafkaNotifier{writer: writer, cfg: cfg, metrics: m, logger: logger}
}

func (n *KafkaNotifier) NotifyReanalysis(ctx context.Context, transactionID string, sourceAccount, targetAccount int64) Delivery {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(NewReanalysisRequest(transactionID, sourceAccount, targetAccount))
	if err != nil {
		return record(ctx, n.metrics, n.logger, transactionID, failed(config.TransportKafka, err.Error()))
	}
	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(transactionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "trigger", Value: []byte(TriggerTransactionEvent)},
		},
	})
	if err != nil {
		return record(ctx, n.metrics, n.logger, transactionID, failed(config.TransportKafka, err.Error()))
	}
	return record(ctx, n.metrics, n.logger, transactionID, delivered(config.TransportKafka))
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
