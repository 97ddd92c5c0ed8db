// internal/app/produce.go
package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/YangYounghwa/asynkaf/common/logger"
	"github.com/YangYounghwa/asynkaf/internal/config"
	"github.com/YangYounghwa/asynkaf/kafka"
)

// maxLineSize ограничивает одну строку stdin (одно сообщение).
const maxLineSize = 1 << 20

// Produce публикует каждую непустую строку in в produce.topic.
// С produce.key_separator строка "key<sep>value" даёт ключ сообщения.
// Возвращает число опубликованных сообщений.
func Produce(ctx context.Context, cfg *config.Config, in io.Reader, p kafka.Producer, log *logger.Logger) (int, error) {
	log = log.Named("produce")
	topic := cfg.Produce.Topic
	sep := cfg.Produce.KeySeparator

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	sent := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		var key []byte
		value := line
		if sep != "" {
			if k, v, ok := strings.Cut(line, sep); ok {
				key, value = []byte(k), v
			}
		}
		if err := p.Publish(ctx, topic, key, []byte(value)); err != nil {
			return sent, fmt.Errorf("message %d: %w", sent+1, err)
		}
		sent++
	}
	if err := sc.Err(); err != nil {
		return sent, fmt.Errorf("read input: %w", err)
	}
	log.Info("produce finished", zap.String("topic", topic), zap.Int("sent", sent))
	return sent, nil
}
