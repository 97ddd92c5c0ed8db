// kafka/native/saramacg/commit.go
package saramacg

import (
	"errors"
	"fmt"
	"sort"

	"github.com/IBM/sarama"

	"github.com/YangYounghwa/asynkaf/kafka"
)

// offsetCommitter отправляет готовый OffsetCommitRequest и возвращает ответ брокера.
type offsetCommitter func(req *sarama.OffsetCommitRequest) (*sarama.OffsetCommitResponse, error)

// coordinatorCommitter коммитит через координатора группы. При сетевой ошибке
// координатор перечитывается, следующий коммит пойдёт на нового.
func coordinatorCommitter(client sarama.Client, group string) offsetCommitter {
	return func(req *sarama.OffsetCommitRequest) (*sarama.OffsetCommitResponse, error) {
		broker, err := client.Coordinator(group)
		if err != nil {
			return nil, fmt.Errorf("coordinator: %w", err)
		}
		resp, err := broker.CommitOffset(req)
		if err != nil {
			_ = client.RefreshCoordinator(group)
			return nil, err
		}
		return resp, nil
	}
}

// newCommitRequest собирает запрос от имени текущего участника группы: брокер
// отклонит его, если generation или member id устарели.
func newCommitRequest(version sarama.KafkaVersion, group string, sess sarama.ConsumerGroupSession, offsets []kafka.TopicPartition) *sarama.OffsetCommitRequest {
	req := &sarama.OffsetCommitRequest{
		ConsumerGroup:           group,
		ConsumerGroupGeneration: sess.GenerationID(),
		ConsumerID:              sess.MemberID(),
		Version:                 1,
	}
	if version.IsAtLeast(sarama.V0_9_0_0) {
		req.Version = 2
		req.RetentionTime = -1
	}
	for _, tp := range offsets {
		req.AddBlock(tp.Topic, tp.Partition, tp.Offset, sarama.ReceiveTime, "")
	}
	return req
}

// commitResponseError собирает ошибки партиций из ответа; nil, если все ErrNoError.
func commitResponseError(resp *sarama.OffsetCommitResponse) error {
	if resp == nil {
		return nil
	}
	topics := make([]string, 0, len(resp.Errors))
	for topic := range resp.Errors {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	var errs []error
	for _, topic := range topics {
		parts := resp.Errors[topic]
		ids := make([]int32, 0, len(parts))
		for p := range parts {
			ids = append(ids, p)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, p := range ids {
			if kerr := parts[p]; kerr != sarama.ErrNoError {
				errs = append(errs, fmt.Errorf("saramacg: commit %s[%d]: %w", topic, p, kerr))
			}
		}
	}
	return errors.Join(errs...)
}
