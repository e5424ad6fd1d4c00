package app

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/labrise/ims/internal/messaging/kafka"
)

// eventBus держит опциональный Kafka producer. Без брокеров сервис
// работает автономно: события копятся в outbox и публикуются при
// следующем запуске с Kafka.
type eventBus struct {
	producer *kafka.Producer
	logger   *log.Entry
}

// newEventBus подключается к Kafka, если задан хотя бы один брокер.
// Ошибка подключения не фатальна: возвращается шина без producer.
func newEventBus(brokers string, logger *log.Entry) *eventBus {
	bus := &eventBus{logger: logger}

	brokerList := parseBrokerList(brokers)
	if len(brokerList) == 0 {
		logger.Info("kafka brokers are not configured, events stay in outbox")
		return bus
	}

	producer, err := kafka.NewProducer(brokerList)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return bus
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	bus.producer = producer
	return bus
}

// Producer возвращает producer либо nil, если Kafka недоступна.
func (b *eventBus) Producer() *kafka.Producer {
	return b.producer
}

func (b *eventBus) Close() {
	if b.producer == nil {
		return
	}

	if err := b.producer.Close(); err != nil {
		b.logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	b.logger.Info("kafka producer closed")
}

// parseBrokerList разбирает список брокеров через запятую, отбрасывая пустые элементы.
func parseBrokerList(brokers string) []string {
	var list []string
	for _, broker := range strings.Split(brokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			list = append(list, broker)
		}
	}
	return list
}
