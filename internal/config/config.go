package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongoDB  = "mongodb"
	DriverRedis    = "redis"
)

type Config struct {
	Env       string        `yaml:"env" env:"ENV" env-default:"local"`
	Storage   StorageConfig `yaml:"storage"`
	HTTP      HTTPConfig    `yaml:"http"`
	GRPC      GRPCConfig    `yaml:"grpc"`
	Tokens    TokensConfig  `yaml:"tokens"`
	Scopes    []string      `yaml:"scopes" env:"SCOPES" env-default:"openid,email,profile,offline_access,roles"`
	UsersFile string        `yaml:"users_file" env:"USERS_FILE"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" env:"STORAGE_DRIVER" env-default:"memory"`
	// Path is the sqlite database file.
	Path string `yaml:"path" env:"STORAGE_PATH"`
	// DSN is the postgres connection string.
	DSN     string        `yaml:"dsn" env:"STORAGE_DSN"`
	Mongo   MongoConfig   `yaml:"mongo"`
	Redis   RedisConfig   `yaml:"redis"`
	Timeout time.Duration `yaml:"timeout" env:"STORAGE_TIMEOUT" env-default:"3s"`
	// SkipMigrations disables schema migrations at startup.
	SkipMigrations bool `yaml:"skip_migrations" env:"STORAGE_SKIP_MIGRATIONS"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" env:"MONGO_URI"`
	Database string `yaml:"database" env:"MONGO_DATABASE" env-default:"tokend"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	Prefix   string `yaml:"prefix" env:"REDIS_PREFIX" env-default:"tokend"`
}

type HTTPConfig struct {
	Address         string        `yaml:"address" env:"HTTP_ADDRESS" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env-default:"5s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env-default:"10s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env-default:"10s"`
}

type GRPCConfig struct {
	Port    int           `yaml:"port" env:"GRPC_PORT" env-default:"44044"`
	Timeout time.Duration `yaml:"timeout" env-default:"5s"`
}

type TokensConfig struct {
	Issuer string `yaml:"issuer" env:"TOKENS_ISSUER" env-default:"http://localhost:8080/"`
	// Audience is stamped on access tokens and required on bearer tokens. Empty disables it.
	Audience   string        `yaml:"audience" env:"TOKENS_AUDIENCE" env-default:"resource_server"`
	AccessTTL  time.Duration `yaml:"access_ttl" env:"TOKENS_ACCESS_TTL" env-default:"15m"`
	RefreshTTL time.Duration `yaml:"refresh_ttl" env:"TOKENS_REFRESH_TTL" env-default:"15m"`
	// Retention keeps expired refresh records around for replay detection.
	Retention   time.Duration `yaml:"retention" env:"TOKENS_RETENTION" env-default:"24h"`
	GCInterval  time.Duration `yaml:"gc_interval" env:"TOKENS_GC_INTERVAL" env-default:"10m"`
	SigningKeys []SigningKey  `yaml:"signing_keys"`
}

// SigningKey is an HS256 secret or an Ed25519 PEM private key. The first key signs.
type SigningKey struct {
	ID        string `yaml:"id"`
	Algorithm string `yaml:"algorithm"`
	Key       string `yaml:"key"`
}

func MustLoad() *Config {
	configPath := fetchConfigPath()
	if configPath == "" {
		panic("config path is empty")
	}

	return MustLoadPath(configPath)
}

func MustLoadPath(configPath string) *Config {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		panic("cannot read config: " + err.Error())
	}

	return &cfg
}

// fetchConfigPath fetches config path from command line flag or environment variable.
// Priority: flag > env > default.
// Default value is empty string.
func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}
