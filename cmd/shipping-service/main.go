package main

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"nexus-shipping/internal/pkg/bootstrap"
	"nexus-shipping/internal/pkg/httpclient"
	"nexus-shipping/internal/pkg/mq"
	"nexus-shipping/internal/pkg/redis"
	"nexus-shipping/internal/service/shipping/application"
	"nexus-shipping/internal/service/shipping/domain"
	"nexus-shipping/internal/service/shipping/domain/port"
	"nexus-shipping/internal/service/shipping/infrastructure"
	"nexus-shipping/internal/service/shipping/infrastructure/adapter"
	"nexus-shipping/internal/service/shipping/interfaces"
	"nexus-shipping/internal/zookeeper"
)

const (
	serviceName = "shipping-service"
	nacosScheme = "nacos://"
)

var (
	tracer = otel.Tracer(serviceName)
)

type stateStore interface {
	domain.StateStore
	domain.Outbox
}

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	cfg := bootstrap.Init()

	namingClient, err := bootstrap.NewNacosClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize nacos client")
	}

	var (
		workers  []func(ctx context.Context) error
		cleanups []func(ctx context.Context) error
	)
	closer := func(f func() error) func(ctx context.Context) error {
		return func(context.Context) error { return f() }
	}

	// 1. 状态存储 + outbox
	var store stateStore
	switch cfg.Shipping.Store {
	case "mysql":
		db, err := infrastructure.NewGormDB(cfg.Infra.Mysql.DSN(), 20)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect mysql")
		}
		gormStore := infrastructure.NewGormStateStore(db)
		if err := gormStore.EnsureSchema(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate shipping schema")
		}
		sqlDB, err := db.DB()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to get sql.DB")
		}
		cleanups = append(cleanups, closer(sqlDB.Close))
		store = gormStore
	default:
		store = infrastructure.NewMemoryStateStore()
	}

	// 2. 聚合写锁
	var locker port.AggregateLocker
	switch cfg.Shipping.Locker {
	case "zookeeper":
		conn, err := zookeeper.Connect(cfg.Infra.Zookeeper.Servers, cfg.Infra.Zookeeper.SessionTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect zookeeper")
		}
		cleanups = append(cleanups, func(context.Context) error { conn.Close(); return nil })
		locker = adapter.NewZkLockerAdapter(conn)
	default:
		locker = adapter.NewLocalLockerAdapter()
	}

	// 3. 发货去重账本
	var ledger port.ShipmentLedger
	switch cfg.Shipping.Ledger {
	case "redis":
		redisClient, err := redis.NewClient(cfg.Infra.Redis.Addrs, cfg.Infra.Redis.Password)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		cleanups = append(cleanups, closer(redisClient.Close))
		redisLedger, err := adapter.NewLedgerRedisAdapter(redisClient)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init shipment ledger")
		}
		ledger = redisLedger
	default:
		ledger = adapter.NewLedgerMemoryAdapter()
	}

	// 4. 运费策略与承运商
	var costPolicy port.CostPolicy
	if cfg.Shipping.CostExpression != "" {
		celPolicy, err := adapter.NewCelCostAdapter(cfg.Shipping.QuoteCost.Currency, cfg.Shipping.CostExpression)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid cost expression")
		}
		costPolicy = celPolicy
	} else {
		fixed, err := adapter.NewFixedCostAdapterFromString(cfg.Shipping.QuoteCost.Currency, cfg.Shipping.QuoteCost.Amount)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid quote cost")
		}
		costPolicy = fixed
	}

	// 承运商地址：nacos://<服务名> 走服务发现，其它非空值按固定地址处理
	var carrier port.Carrier
	switch endpoint := cfg.Shipping.Carrier.Endpoint; {
	case strings.HasPrefix(endpoint, nacosScheme):
		if namingClient == nil {
			log.Fatal().Str("endpoint", endpoint).Msg("carrier endpoint uses nacos but infra.nacos.enabled is false")
		}
		resolver := adapter.NewNacosEndpoint(namingClient, strings.TrimPrefix(endpoint, nacosScheme))
		carrier = adapter.NewCarrierHTTPAdapter(httpclient.NewClient(tracer), resolver)
	case endpoint != "":
		carrier = adapter.NewCarrierHTTPAdapter(httpclient.NewClient(tracer), adapter.StaticEndpoint(endpoint))
	default:
		log.Warn().Msg("Carrier endpoint not configured, using simulated carrier")
		carrier = adapter.NewCarrierSimulatedAdapter()
	}

	// 5. 事件广播：websocket 总是开启，Kafka 只在 kafka 投递模式下开启
	hub := interfaces.NewEventHub()
	publishers := adapter.FanoutPublisher{hub}
	kafkaCfg := cfg.Infra.Kafka
	if cfg.Shipping.Dispatch == "kafka" {
		eventWriter := mq.NewKafkaWriter(kafkaCfg.Brokers, kafkaCfg.EventTopic)
		cleanups = append(cleanups, closer(eventWriter.Close))
		publishers = append(publishers, adapter.NewEventKafkaAdapter(eventWriter))
	}

	// 6. 应用层
	retry := application.RetryPolicy{
		MaxAttempts:    cfg.Shipping.ShipRetry.MaxAttempts,
		InitialBackoff: cfg.Shipping.ShipRetry.InitialBackoff,
		MaxBackoff:     cfg.Shipping.ShipRetry.MaxBackoff,
		ClaimTTL:       cfg.Shipping.ShipRetry.ClaimTTL,
	}
	runtime := application.NewRuntime(store, locker, publishers, tracer)
	servicer := application.NewServicer(costPolicy, carrier, ledger, retry, tracer)
	router := application.NewTaskRouter(runtime, servicer, publishers, tracer)
	appSvc := application.NewShippingApplicationService(runtime, servicer, tracer)

	// 7. 任务投递
	pollInterval, batchSize := cfg.Shipping.Dispatcher.PollInterval, cfg.Shipping.Dispatcher.BatchSize
	switch cfg.Shipping.Dispatch {
	case "kafka":
		taskReader := mq.NewKafkaReader(kafkaCfg.Brokers, kafkaCfg.TaskTopic, kafkaCfg.ConsumerGroup)
		dltWriter := mq.NewKafkaWriter(kafkaCfg.Brokers, kafkaCfg.DLTTopic)
		dltReader := mq.NewKafkaReader(kafkaCfg.Brokers, kafkaCfg.DLTTopic, kafkaCfg.ConsumerGroup+"-dlt")
		cleanups = append(cleanups, closer(taskReader.Close), closer(dltWriter.Close), closer(dltReader.Close))

		consumer := interfaces.NewTaskConsumerAdapter(taskReader, router, mq.NewFailureHandler(dltWriter, kafkaCfg.DLTTopic))
		workers = append(workers, consumer.Run, interfaces.NewDltConsumerAdapter(dltReader).Run)

		// 内存 outbox 只有本进程看得到，只能由本进程把任务发到 Kafka；
		// MySQL outbox 由独立的 task-dispatcher 进程负责
		if cfg.Shipping.Store == "memory" {
			taskWriter := mq.NewKafkaWriter(kafkaCfg.Brokers, kafkaCfg.TaskTopic)
			cleanups = append(cleanups, closer(taskWriter.Close))
			dispatcher := application.NewTaskDispatcher(store, adapter.NewTaskKafkaAdapter(taskWriter), pollInterval, batchSize)
			workers = append(workers, dispatcher.Run)
		}
	default:
		dispatcher := application.NewTaskDispatcher(store, application.NewDeadLetterSink(router, nil), pollInterval, batchSize)
		workers = append(workers, dispatcher.Run)
	}

	handler := interfaces.NewShippingHandler(appSvc, hub, tracer)

	log.Info().
		Str("store", cfg.Shipping.Store).
		Str("locker", cfg.Shipping.Locker).
		Str("ledger", cfg.Shipping.Ledger).
		Str("dispatch", cfg.Shipping.Dispatch).
		Dur("poll_interval", pollInterval).
		Msg("Shipping service assembled")

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			handler.RegisterRoutes(appCtx.Router)
		},
		Workers:  workers,
		Cleanups: cleanups,
		Nacos:    namingClient,
		Metadata: map[string]string{
			"store":    cfg.Shipping.Store,
			"locker":   cfg.Shipping.Locker,
			"ledger":   cfg.Shipping.Ledger,
			"dispatch": cfg.Shipping.Dispatch,
		},
	})
}
