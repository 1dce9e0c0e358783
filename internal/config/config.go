package config

import (
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Packer   PackerConfig   `mapstructure:"packer"`
	Signing  SigningConfig  `mapstructure:"signing"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
	Log      LogConfig      `mapstructure:"log"`
	InboxDir string         `mapstructure:"inbox_dir"`
	OutDir   string         `mapstructure:"out_dir"`
	DataDir  string         `mapstructure:"data_dir"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Path     string `mapstructure:"path"` // sqlite 数据库文件
}

type RabbitMQConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

// PackerConfig 加固默认参数，可被单个任务的请求覆盖
type PackerConfig struct {
	StubAPKPath   string   `mapstructure:"stub_apk_path"`
	StubLibDir    string   `mapstructure:"stub_lib_dir"`
	KeepClasses   []string `mapstructure:"keep_classes"`
	KeepPrefixes  []string `mapstructure:"keep_prefixes"`
	KeepLibs      []string `mapstructure:"keep_libs"`
	EncryptAssets []string `mapstructure:"encrypt_assets"`
	KeyStrategy   string   `mapstructure:"key_strategy"` // fragment-hkdf, static
	Timeout       int      `mapstructure:"timeout"`      // seconds - 单个任务超时
}

// SigningConfig 产物签名配置。Keystore 为空时自动供给 debug keystore
type SigningConfig struct {
	Skip             bool   `mapstructure:"skip"`
	KeystorePath     string `mapstructure:"keystore_path"`
	KeystorePassword string `mapstructure:"keystore_password"`
	KeyAlias         string `mapstructure:"key_alias"`
	KeyPassword      string `mapstructure:"key_password"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

// WatcherConfig 收件目录监听配置
type WatcherConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	DebounceSeconds int  `mapstructure:"debounce_seconds"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	// 环境变量覆盖（支持嵌套配置）
	viper.AutomaticEnv()

	// 绑定环境变量到嵌套配置路径
	// RabbitMQ
	viper.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	viper.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	viper.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	viper.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	viper.BindEnv("database.host", "MYSQL_HOST")
	viper.BindEnv("database.port", "MYSQL_PORT")
	viper.BindEnv("database.user", "MYSQL_USER")
	viper.BindEnv("database.password", "MYSQL_PASS")
	viper.BindEnv("database.db_name", "MYSQL_DB")

	// Signing
	viper.BindEnv("signing.keystore_password", "KEYSTORE_PASS")
	viper.BindEnv("signing.key_password", "KEY_PASS")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "sqlite"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/jobs.db"
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 2
	}
	if cfg.Worker.QueueSize <= 0 {
		cfg.Worker.QueueSize = 64
	}
	if cfg.Packer.Timeout <= 0 {
		cfg.Packer.Timeout = 600
	}
	if cfg.Packer.KeyStrategy == "" {
		cfg.Packer.KeyStrategy = "fragment-hkdf"
	}
	if cfg.Watcher.DebounceSeconds <= 0 {
		cfg.Watcher.DebounceSeconds = 2
	}
	if cfg.InboxDir == "" {
		cfg.InboxDir = "./data/inbox"
	}
	if cfg.OutDir == "" {
		cfg.OutDir = "./data/out"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
}
