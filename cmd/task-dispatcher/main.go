// cmd/task-dispatcher/main.go
package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"nexus-shipping/internal/pkg/bootstrap"
	"nexus-shipping/internal/pkg/logger"
	"nexus-shipping/internal/pkg/mq"
	"nexus-shipping/internal/pkg/tracing"
	"nexus-shipping/internal/service/shipping/application"
	"nexus-shipping/internal/service/shipping/infrastructure"
	"nexus-shipping/internal/service/shipping/infrastructure/adapter"
)

const (
	serviceName = "task-dispatcher"
)

// task-dispatcher 轮询 MySQL outbox，把已提交且到期的任务发布到 Kafka 任务主题。
// 延迟由 outbox 的 not_before 承载，不再需要按延迟级别划分的延迟主题。
func main() {
	cfg := bootstrap.Init()
	logger.Init(serviceName, cfg.App.LogLevel)

	if cfg.Shipping.Store != "mysql" {
		log.Fatal().Str("store", cfg.Shipping.Store).Msg("task-dispatcher requires shipping.store=mysql")
	}

	tp, err := tracing.InitTracerProvider(serviceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	db, err := infrastructure.NewGormDB(cfg.Infra.Mysql.DSN(), 5)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect mysql")
	}
	store := infrastructure.NewGormStateStore(db)
	if err := store.EnsureSchema(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate shipping schema")
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to get sql.DB")
	}

	kafkaCfg := cfg.Infra.Kafka
	taskWriter := mq.NewKafkaWriter(kafkaCfg.Brokers, kafkaCfg.TaskTopic)
	dispatcher := application.NewTaskDispatcher(
		store,
		adapter.NewTaskKafkaAdapter(taskWriter),
		cfg.Shipping.Dispatcher.PollInterval,
		cfg.Shipping.Dispatcher.BatchSize,
	)

	log.Info().Str("topic", kafkaCfg.TaskTopic).Strs("brokers", kafkaCfg.Brokers).Msg("✅ Task dispatcher assembled")

	err = bootstrap.RunWorkers(serviceName,
		[]func(ctx context.Context) error{dispatcher.Run},
		func(ctx context.Context) error { return tp.Shutdown(ctx) },
		func(context.Context) error { return sqlDB.Close() },
		func(context.Context) error { return taskWriter.Close() },
	)
	if err != nil {
		log.Fatal().Err(err).Msg("task dispatcher stopped with error")
	}
	log.Info().Msg("Task dispatcher gracefully shut down.")
}
