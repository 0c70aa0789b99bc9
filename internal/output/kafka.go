package output

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	apperrors "ethstats/internal/errors"
	"ethstats/pkg/models"
)

// KafkaOutput Kafka输出器，每个地址一条消息，以地址为 key
type KafkaOutput struct {
	logger   *logrus.Logger
	topic    string
	producer sarama.SyncProducer
}

// NewProducerConfig 同步生产者配置
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Timeout = 5 * time.Second
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_8_0_0
	return config
}

// NewKafkaOutput 创建Kafka输出器
func NewKafkaOutput(brokers []string, topic string, logger *logrus.Logger) (*KafkaOutput, error) {
	logger.Infof("初始化Kafka输出器，brokers: %v, topic: %s", brokers, topic)

	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrKafkaProduceFailed, fmt.Errorf("创建Kafka生产者失败: %w", err))
	}

	logger.Info("Kafka生产者已创建")
	return NewKafkaOutputWithProducer(producer, topic, logger), nil
}

// NewKafkaOutputWithProducer 使用已有的生产者创建输出器
func NewKafkaOutputWithProducer(producer sarama.SyncProducer, topic string, logger *logrus.Logger) *KafkaOutput {
	return &KafkaOutput{
		logger:   logger,
		topic:    topic,
		producer: producer,
	}
}

// Name 输出器名称
func (k *KafkaOutput) Name() string {
	return "kafka"
}

// WriteStats 批量发送统计行
func (k *KafkaOutput) WriteStats(rows []*models.AddressStats) error {
	if len(rows) == 0 {
		return nil
	}

	msgs := make([]*sarama.ProducerMessage, 0, len(rows))
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("序列化数据失败: %w", err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: k.topic,
			Key:   sarama.StringEncoder(row.Address),
			Value: sarama.ByteEncoder(data),
		})
	}

	if err := k.producer.SendMessages(msgs); err != nil {
		return apperrors.Wrap(apperrors.ErrKafkaProduceFailed, fmt.Errorf("发送消息到Kafka失败: %w", err))
	}

	k.logger.Infof("成功发送 %d 条统计到Kafka topic '%s'", len(msgs), k.topic)
	return nil
}

// Close 关闭Kafka连接
func (k *KafkaOutput) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
