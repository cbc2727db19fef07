// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "configs/shipping.yaml"

// Config 是服务的完整配置，来自 YAML 文件并允许环境变量覆盖
type Config struct {
	App      AppConfig      `yaml:"app"`
	Infra    InfraConfig    `yaml:"infra"`
	Shipping ShippingConfig `yaml:"shipping"`
}

type AppConfig struct {
	Name     string `yaml:"name"`
	Env      string `yaml:"env"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

type InfraConfig struct {
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Mysql     MysqlConfig     `yaml:"mysql"`
	Redis     RedisConfig     `yaml:"redis"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
	Nacos     NacosConfig     `yaml:"nacos"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	TaskTopic     string   `yaml:"task_topic"`
	DLTTopic      string   `yaml:"dlt_topic"`
	EventTopic    string   `yaml:"event_topic"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

type MysqlConfig struct {
	Addr     string `yaml:"addr"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// DSN 使用驱动自带的 Config 生成连接串，避免手工拼接转义问题
func (c MysqlConfig) DSN() string {
	cfg := mysqldriver.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = c.Addr
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.DBName = c.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

type RedisConfig struct {
	Addrs    string `yaml:"addrs"`
	Password string `yaml:"password"`
}

type ZookeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

type NacosConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServerAddrs string `yaml:"server_addrs"`
	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
}

// ShippingConfig 是业务相关配置
type ShippingConfig struct {
	// Store 选择状态存储：memory | mysql
	Store string `yaml:"store"`
	// Locker 选择聚合写锁：local | zookeeper
	Locker string `yaml:"locker"`
	// Ledger 选择发货去重账本：memory | redis
	Ledger string `yaml:"ledger"`
	// Dispatch 选择任务投递方式：local（进程内直接执行） | kafka
	Dispatch string `yaml:"dispatch"`

	QuoteCost      QuoteCostConfig  `yaml:"quote_cost"`
	CostExpression string           `yaml:"cost_expression"`
	Dispatcher     DispatcherConfig `yaml:"dispatcher"`
	ShipRetry      ShipRetryConfig  `yaml:"ship_retry"`
	Carrier        CarrierConfig    `yaml:"carrier"`
}

type QuoteCostConfig struct {
	Currency string `yaml:"currency"`
	Amount   string `yaml:"amount"` // 十进制字符串，如 "8.99"
}

type DispatcherConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

type ShipRetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	ClaimTTL       time.Duration `yaml:"claim_ttl"`
}

type CarrierConfig struct {
	// Endpoint 为空时使用模拟承运商
	Endpoint string `yaml:"endpoint"`
}

var currentConfig atomic.Pointer[Config]

// GetCurrentConfig 返回当前生效的配置；尚未加载时返回默认配置
func GetCurrentConfig() *Config {
	if c := currentConfig.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	return &d
}

// SetCurrentConfig 原子替换当前配置
func SetCurrentConfig(c *Config) {
	currentConfig.Store(c)
}

// DefaultConfig 返回一份可以在本机直接运行的配置（内存存储 + 进程内调度）
func DefaultConfig() Config {
	return Config{
		App: AppConfig{Name: "shipping-service", Env: "dev", Port: 8086, LogLevel: "info"},
		Infra: InfraConfig{
			Kafka: KafkaConfig{
				Brokers:       []string{"localhost:9092"},
				TaskTopic:     "shipping-tasks",
				DLTTopic:      "shipping-tasks-dlt",
				EventTopic:    "shipping-events",
				ConsumerGroup: "shipping-task-consumer-group",
			},
			Mysql:     MysqlConfig{Addr: "localhost:3306", User: "root", Database: "shipping"},
			Redis:     RedisConfig{Addrs: "localhost:6379"},
			Zookeeper: ZookeeperConfig{Servers: []string{"localhost:2181"}, SessionTimeout: 10 * time.Second},
			Nacos:     NacosConfig{ServerAddrs: "localhost:8848", Group: "DEFAULT_GROUP"},
		},
		Shipping: ShippingConfig{
			Store:      "memory",
			Locker:     "local",
			Ledger:     "memory",
			Dispatch:   "local",
			QuoteCost:  QuoteCostConfig{Currency: "USD", Amount: "8.99"},
			Dispatcher: DispatcherConfig{PollInterval: time.Second, BatchSize: 100},
			ShipRetry: ShipRetryConfig{
				MaxAttempts:    5,
				InitialBackoff: 200 * time.Millisecond,
				MaxBackoff:     5 * time.Second,
				ClaimTTL:       5 * time.Minute,
			},
		},
	}
}

// LoadConfig 读取 YAML 文件（文件不存在时使用默认值），再应用环境变量覆盖并校验
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	case os.IsNotExist(err):
		// 没有配置文件时完全依赖默认值和环境变量
	default:
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查配置的取值范围
func (c *Config) Validate() error {
	oneOf := func(field, v string, allowed ...string) error {
		for _, a := range allowed {
			if v == a {
				return nil
			}
		}
		return fmt.Errorf("config: %s must be one of %v, got %q", field, allowed, v)
	}
	if err := oneOf("shipping.store", c.Shipping.Store, "memory", "mysql"); err != nil {
		return err
	}
	if err := oneOf("shipping.locker", c.Shipping.Locker, "local", "zookeeper"); err != nil {
		return err
	}
	if err := oneOf("shipping.ledger", c.Shipping.Ledger, "memory", "redis"); err != nil {
		return err
	}
	if err := oneOf("shipping.dispatch", c.Shipping.Dispatch, "local", "kafka"); err != nil {
		return err
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("config: app.port %d out of range", c.App.Port)
	}
	if c.Shipping.Dispatcher.PollInterval <= 0 || c.Shipping.Dispatcher.BatchSize <= 0 {
		return errors.New("config: shipping.dispatcher.poll_interval and batch_size must be positive")
	}
	if c.Shipping.ShipRetry.MaxAttempts <= 0 {
		return errors.New("config: shipping.ship_retry.max_attempts must be positive")
	}
	if c.Shipping.Dispatch == "kafka" && len(c.Infra.Kafka.Brokers) == 0 {
		return errors.New("config: kafka dispatch requires infra.kafka.brokers")
	}
	return nil
}

func applyEnvOverrides(c *Config) {
	c.App.Port = getEnvInt("APP_PORT", c.App.Port)
	c.App.Env = getEnv("APP_ENV", c.App.Env)
	c.App.LogLevel = getEnv("LOG_LEVEL", c.App.LogLevel)
	c.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", c.Infra.Jaeger.Endpoint)
	if v := getEnv("KAFKA_BROKERS", ""); v != "" {
		c.Infra.Kafka.Brokers = strings.Split(v, ",")
	}
	c.Infra.Mysql.Addr = getEnv("MYSQL_ADDR", c.Infra.Mysql.Addr)
	c.Infra.Mysql.User = getEnv("MYSQL_USER", c.Infra.Mysql.User)
	c.Infra.Mysql.Password = getEnv("MYSQL_PASSWORD", c.Infra.Mysql.Password)
	c.Infra.Mysql.Database = getEnv("MYSQL_DATABASE", c.Infra.Mysql.Database)
	c.Infra.Redis.Addrs = getEnv("REDIS_ADDRS", c.Infra.Redis.Addrs)
	if v := getEnv("ZOOKEEPER_SERVERS", ""); v != "" {
		c.Infra.Zookeeper.Servers = strings.Split(v, ",")
	}
	c.Infra.Nacos.ServerAddrs = getEnv("NACOS_SERVER_ADDRS", c.Infra.Nacos.ServerAddrs)
	c.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", c.Infra.Nacos.Namespace)
	c.Infra.Nacos.Group = getEnv("NACOS_GROUP", c.Infra.Nacos.Group)
	c.Shipping.Store = getEnv("SHIPPING_STORE", c.Shipping.Store)
	c.Shipping.Locker = getEnv("SHIPPING_LOCKER", c.Shipping.Locker)
	c.Shipping.Ledger = getEnv("SHIPPING_LEDGER", c.Shipping.Ledger)
	c.Shipping.Dispatch = getEnv("SHIPPING_DISPATCH", c.Shipping.Dispatch)
	c.Shipping.Carrier.Endpoint = getEnv("CARRIER_ENDPOINT", c.Shipping.Carrier.Endpoint)
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
