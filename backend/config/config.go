package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		// 为空时不落库，只保留内存中的版本历史
		DSN             string        `mapstructure:"dsn"`
		MaxOpenConns    int           `mapstructure:"maxOpenConns"`
		MaxIdleConns    int           `mapstructure:"maxIdleConns"`
		ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		Cluster  bool     `mapstructure:"cluster"`
	} `mapstructure:"redis"`
	Kafka struct {
		// 为空时不发送事件流
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queueSize"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"maxRetry"`
		BaseBackoff time.Duration `mapstructure:"baseBackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
		MaxInflight int           `mapstructure:"maxInflight"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"log"`
	Collab struct {
		HistoryCap     int           `mapstructure:"historyCap"`
		UndoLimit      int           `mapstructure:"undoLimit"`
		EnqueueTimeout time.Duration `mapstructure:"enqueueTimeout"`
		MaxInflight    int           `mapstructure:"maxInflight"`
	} `mapstructure:"collab"`
	Versioning struct {
		MaxVersions      int           `mapstructure:"maxVersions"`
		RetentionDays    int           `mapstructure:"retentionDays"`
		AutoSaveInterval time.Duration `mapstructure:"autoSaveInterval"`
	} `mapstructure:"versioning"`
	Cache struct {
		BaseTTL time.Duration `mapstructure:"baseTTL"`
		Jitter  time.Duration `mapstructure:"jitter"`
	} `mapstructure:"cache"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8081)

	v.SetDefault("mysql.dsn", "")
	v.SetDefault("mysql.maxOpenConns", 20)
	v.SetDefault("mysql.maxIdleConns", 10)
	v.SetDefault("mysql.connMaxLifetime", time.Hour)

	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.cluster", false)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "doc-ops")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("kafka.baseBackoff", 50*time.Millisecond)
	v.SetDefault("kafka.maxBackoff", time.Second)
	v.SetDefault("kafka.maxInflight", 8)

	v.SetDefault("auth.secret", "dev-secret")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("collab.historyCap", 1024)
	v.SetDefault("collab.undoLimit", 100)
	v.SetDefault("collab.enqueueTimeout", 50*time.Millisecond)
	v.SetDefault("collab.maxInflight", 64)

	v.SetDefault("versioning.maxVersions", 50)
	v.SetDefault("versioning.retentionDays", 30)
	v.SetDefault("versioning.autoSaveInterval", 5*time.Minute)

	v.SetDefault("cache.baseTTL", 30*time.Minute)
	v.SetDefault("cache.jitter", 5*time.Minute)
}

// Load 读取配置：path 为空时按 collabConfig.yaml 搜索，找不到文件则只用默认值。
// 环境变量 COLLAB_<SECTION>_<KEY> 覆盖文件中的值。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("collabConfig")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	return validation.Errors{
		"running": validation.ValidateStruct(&c.Running,
			validation.Field(&c.Running.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		),
		"mysql": validation.ValidateStruct(&c.Mysql,
			validation.Field(&c.Mysql.MaxOpenConns, validation.Min(0)),
			validation.Field(&c.Mysql.MaxIdleConns, validation.Min(0)),
		),
		"redis": validation.ValidateStruct(&c.Redis,
			validation.Field(&c.Redis.Addrs, validation.Required, validation.Each(validation.Required)),
		),
		"kafka": validation.ValidateStruct(&c.Kafka,
			validation.Field(&c.Kafka.Topic, validation.When(len(c.Kafka.Brokers) > 0, validation.Required)),
			validation.Field(&c.Kafka.MaxRetry, validation.Min(0)),
		),
		"auth": validation.ValidateStruct(&c.Auth,
			validation.Field(&c.Auth.Secret, validation.Required, validation.Length(8, 0)),
		),
		"log": validation.ValidateStruct(&c.Log,
			validation.Field(&c.Log.Level, validation.In("debug", "info", "warn", "error")),
		),
		"collab": validation.ValidateStruct(&c.Collab,
			validation.Field(&c.Collab.HistoryCap, validation.Min(1)),
			validation.Field(&c.Collab.UndoLimit, validation.Min(1)),
			validation.Field(&c.Collab.MaxInflight, validation.Min(0)),
		),
		"versioning": validation.ValidateStruct(&c.Versioning,
			validation.Field(&c.Versioning.MaxVersions, validation.Min(0)),
			validation.Field(&c.Versioning.RetentionDays, validation.Min(0)),
		),
	}.Filter()
}
