// cmd/asynkaf/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/YangYounghwa/asynkaf/common/logger"
	"github.com/YangYounghwa/asynkaf/common/serviceid"
	"github.com/YangYounghwa/asynkaf/common/shutdown"
	"github.com/YangYounghwa/asynkaf/internal/app"
	"github.com/YangYounghwa/asynkaf/internal/config"
	"github.com/YangYounghwa/asynkaf/kafka/native"
	"github.com/YangYounghwa/asynkaf/kafka/producer"

	// native-бэкенды регистрируются в init()
	_ "github.com/YangYounghwa/asynkaf/kafka/native/franz"
	_ "github.com/YangYounghwa/asynkaf/kafka/native/kafkago"
	_ "github.com/YangYounghwa/asynkaf/kafka/native/rdkafka"
	_ "github.com/YangYounghwa/asynkaf/kafka/native/saramacg"
)

const closeTimeout = 10 * time.Second

var (
	configPath string

	brokers []string
	groupID string
	backend string
	topics  []string
	limit   int
	keySep  string
)

func main() {
	root := &cobra.Command{
		Use:           "asynkaf",
		Short:         "Asynchronous Kafka consumer / producer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	root.PersistentFlags().StringSliceVar(&brokers, "brokers", nil, "Kafka brokers host:port (overrides config)")

	consume := &cobra.Command{
		Use:   "consume",
		Short: "Print messages from topics to stdout",
		RunE:  runConsume,
	}
	consume.Flags().StringSliceVarP(&topics, "topic", "t", nil, "topic to consume (repeatable)")
	consume.Flags().StringVarP(&groupID, "group", "g", "", "consumer group id")
	consume.Flags().StringVar(&backend, "backend", "", "native backend: "+fmt.Sprint(native.Backends()))
	consume.Flags().IntVarP(&limit, "max", "n", 0, "stop after N messages (0 = unlimited)")

	produce := &cobra.Command{
		Use:   "produce",
		Short: "Publish stdin lines to a topic",
		RunE:  runProduce,
	}
	produce.Flags().StringSliceVarP(&topics, "topic", "t", nil, "destination topic")
	produce.Flags().StringVar(&keySep, "key-separator", "", "split each line into key and value")

	backends := &cobra.Command{
		Use:   "backends",
		Short: "List compiled-in native backends",
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range native.Backends() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}

	root.AddCommand(consume, produce, backends)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "asynkaf: %v\n", err)
		os.Exit(1)
	}
}

// setup загружает конфиг, накладывает флаги и строит логгер.
func setup(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config load: %w", err)
	}
	if len(brokers) > 0 {
		cfg.Consumer.Brokers = brokers
		cfg.Producer.Brokers = brokers
	}
	if groupID != "" {
		cfg.Consumer.GroupID = groupID
	}
	if backend != "" {
		cfg.Consumer.Backend = backend
	}
	if len(topics) > 0 {
		cfg.Consume.Topics = topics
		cfg.Produce.Topic = topics[0]
	}
	if cmd.Flags().Changed("max") {
		cfg.Consume.MaxMessages = limit
	}
	if keySep != "" {
		cfg.Produce.KeySeparator = keySep
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("logger init: %w", err)
	}
	if cfg.Logging.DevMode {
		_ = cfg.Print(os.Stderr)
	}
	log.Info("starting asynkaf",
		zap.String("command", cmd.Name()),
		zap.String("service.name", cfg.ServiceName),
		zap.String("service.version", cfg.ServiceVersion),
		zap.String("config.path", configPath),
	)
	return cfg, log, nil
}

func runConsume(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := shutdown.NotifyContext(context.Background(), log)
	defer cancel()

	if err := app.Consume(ctx, cfg, cmd.OutOrStdout(), log); err != nil {
		log.Error("consume exited with error", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}

func runProduce(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	if err := cfg.ValidateProduce(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	serviceid.InitServiceName(cfg.ServiceName)

	ctx, cancel := shutdown.NotifyContext(context.Background(), log)
	defer cancel()

	p, err := producer.New(ctx, cfg.Producer, log)
	if err != nil {
		return err
	}
	defer func() {
		_ = shutdown.Graceful("kafka-producer", closeTimeout, func(context.Context) error {
			return p.Close()
		}, log)
	}()

	n, err := app.Produce(ctx, cfg, cmd.InOrStdin(), p, log)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%d message(s) sent to %s\n", n, cfg.Produce.Topic)
	return nil
}
