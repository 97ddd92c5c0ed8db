// common/serviceid/serviceid.go
package serviceid

import (
	"github.com/YangYounghwa/asynkaf/common/backoff"
	"github.com/YangYounghwa/asynkaf/kafka/consumer"
	"github.com/YangYounghwa/asynkaf/kafka/producer"
)

// ServiceNameKey - ключ лейбла для метрик всех подсистем.
const ServiceNameKey = "service"

// InitServiceName задаёт единое имя сервиса для backoff, Kafka-producer и Kafka-consumer.
// Нужно вызывать в main() до первой метрики.
func InitServiceName(name string) {
	if name == "" {
		name = "asynkaf"
	}
	backoff.SetServiceLabel(name)
	producer.SetServiceLabel(name)
	consumer.SetServiceLabel(name)
}
