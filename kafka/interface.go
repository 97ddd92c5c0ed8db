// kafka/interface.go
//
// Пакет kafka задаёт контракты обмена сообщениями: то, что consumer отдаёт
// вызывающему коду, и то, что native-клиент отдаёт poll-циклу. Он не тянет за
// собой ни одного драйвера.
package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Delivery
// -----------------------------------------------------------------------------

// Delivery is one unit handed from the poll loop to a caller. The set of
// implementations is closed:
//
//	*Message      a record
//	PartitionEOF  the consumer reached the end of a partition
//	*Error        an error reported by the native client
//	Closed        the consumer was closed while the caller waited
//
// Callers switch on the concrete type. A native Handle reports the same types
// (except Closed) from Poll.
type Delivery interface {
	delivery()
}

// Message представляет запись, полученную из Kafka.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte // может быть nil
	Value     []byte // может быть nil
	Timestamp time.Time
	Headers   map[string][]byte
}

func (*Message) delivery() {}

// TopicPartition returns the offset to commit once m has been processed.
func (m *Message) TopicPartition() TopicPartition {
	return TopicPartition{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset + 1}
}

func (m *Message) String() string {
	return fmt.Sprintf("%s[%d]@%d", m.Topic, m.Partition, m.Offset)
}

// PartitionEOF signals that the consumer caught up with the end of a
// partition. Offset is the next offset that will be fetched.
type PartitionEOF struct {
	Topic     string
	Partition int32
	Offset    int64
}

func (PartitionEOF) delivery() {}

// Error is an error event from the native client. Fatal errors leave the
// consumer unusable; the rest are informational.
type Error struct {
	Err       error
	Fatal     bool
	Topic     string // может быть пустым
	Partition int32  // -1 если не относится к разделу
}

func (*Error) delivery() {}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Fatal {
		b.WriteString("fatal ")
	}
	b.WriteString("kafka error")
	if e.Topic != "" {
		fmt.Fprintf(&b, " on %s[%d]", e.Topic, e.Partition)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Closed is returned to callers that were waiting when the consumer closed.
type Closed struct{}

func (Closed) delivery() {}

// -----------------------------------------------------------------------------
// Offsets & commit
// -----------------------------------------------------------------------------

// TopicPartition is a commit position: Offset is the next offset to consume.
type TopicPartition struct {
	Topic     string
	Partition int32
	Offset    int64
}

// CommitMode selects how offsets reach the broker.
type CommitMode int

const (
	// CommitSync commits on request and waits for the broker.
	CommitSync CommitMode = iota
	// CommitAsync records offsets on request; the client flushes them in the background.
	CommitAsync
	// CommitAuto lets the client commit consumed offsets on its own.
	CommitAuto
)

func (m CommitMode) String() string {
	switch m {
	case CommitSync:
		return "sync"
	case CommitAsync:
		return "async"
	case CommitAuto:
		return "auto"
	default:
		return fmt.Sprintf("CommitMode(%d)", int(m))
	}
}

// ParseCommitMode parses "sync", "async" or "auto" (case-insensitive).
func ParseCommitMode(s string) (CommitMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sync", "manual":
		return CommitSync, nil
	case "async":
		return CommitAsync, nil
	case "auto":
		return CommitAuto, nil
	default:
		return 0, fmt.Errorf("kafka: unknown commit mode %q", s)
	}
}

// InitialOffset selects where a group without committed offsets starts.
type InitialOffset int

const (
	OffsetNewest InitialOffset = iota
	OffsetOldest
)

func (o InitialOffset) String() string {
	if o == OffsetOldest {
		return "oldest"
	}
	return "newest"
}

// ParseInitialOffset parses "newest"/"latest" or "oldest"/"earliest".
func ParseInitialOffset(s string) (InitialOffset, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "newest", "latest", "":
		return OffsetNewest, nil
	case "oldest", "earliest":
		return OffsetOldest, nil
	default:
		return 0, fmt.Errorf("kafka: unknown initial offset %q", s)
	}
}

// -----------------------------------------------------------------------------
// Producer
// -----------------------------------------------------------------------------

// Producer публикует сообщения в Kafka.
type Producer interface {
	// Publish гарантирует доставку согласно политике RequiredAcks;
	// возможен внутренний retry согласно стратегии back-off.
	Publish(ctx context.Context, topic string, key, value []byte) error
	// Ping проверяет достижимость кластера (обновление метаданных).
	Ping(ctx context.Context) error
	Close() error
}
