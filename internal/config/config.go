package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	pkgconfig "github.com/weiawesome/wes-io-relay/pkg/config"
	"github.com/weiawesome/wes-io-relay/pkg/database"
	"github.com/weiawesome/wes-io-relay/pkg/pubsub"
)

// Handshake policies for the connect-time token.
const (
	HandshakeRequired = "required"
	HandshakeOptional = "optional"
)

// Store drivers.
const (
	StoreSQL       = "sql"
	StoreBadger    = "badger"
	StoreCassandra = "cassandra"
)

var ErrMissingSecret = errors.New("auth.jwt_secret (JWT_SECRET) must be set")

type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Auth      AuthConfig
	Relay     RelayConfig
	Database  database.Config
	Store     StoreConfig
	Badger    BadgerConfig
	Cassandra CassandraConfig
	Cache     CacheConfig
	Search    SearchConfig
	Events    pubsub.Config
	Log       LogConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	AuthTimeout    time.Duration `mapstructure:"auth_timeout"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Handshake string        `mapstructure:"handshake"`
	// PerMessage requires a token on every send_message event.
	PerMessage bool `mapstructure:"per_message"`
}

type RelayConfig struct {
	MaxTextLength    int  `mapstructure:"max_text_length"`
	ConfirmRecipient bool `mapstructure:"confirm_recipient"`
}

type StoreConfig struct {
	Driver string
}

type BadgerConfig struct {
	Path     string
	InMemory bool `mapstructure:"in_memory"`
}

type CassandraConfig struct {
	Hosts          []string
	Keyspace       string
	Consistency    string
	Timeout        time.Duration
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type CacheConfig struct {
	Driver   string // "none", "redis"
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

type SearchConfig struct {
	Driver    string // "sql", "elasticsearch"
	Addresses []string
	Username  string
	Password  string
	Index     string
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper applies defaults and environment bindings to v and decodes it.
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Comma separated lists arrive as a single string from the environment.
	if hosts := v.GetString("cassandra.hosts"); len(cfg.Cassandra.Hosts) <= 1 && strings.Contains(hosts, ",") {
		cfg.Cassandra.Hosts = strings.Split(hosts, ",")
	}
	if addrs := v.GetString("search.addresses"); len(cfg.Search.Addresses) <= 1 && strings.Contains(addrs, ",") {
		cfg.Search.Addresses = strings.Split(addrs, ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the relay cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return ErrMissingSecret
	}
	switch c.Auth.Handshake {
	case HandshakeRequired, HandshakeOptional:
	default:
		return fmt.Errorf("unknown auth.handshake %q", c.Auth.Handshake)
	}
	switch c.Store.Driver {
	case StoreSQL, StoreBadger, StoreCassandra:
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("websocket.send_buffer must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 8192)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.auth_timeout", "10s")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "wes-io-relay")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.handshake", HandshakeOptional)
	v.SetDefault("auth.per_message", false)
	v.SetDefault("relay.max_text_length", 4000)
	v.SetDefault("relay.confirm_recipient", true)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.file_path", "relay.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("store.driver", StoreSQL)
	v.SetDefault("badger.path", "./data/badger")
	v.SetDefault("badger.in_memory", false)
	v.SetDefault("cassandra.hosts", []string{"localhost"})
	v.SetDefault("cassandra.keyspace", "relay")
	v.SetDefault("cassandra.consistency", "quorum")
	v.SetDefault("cassandra.timeout", "5s")
	v.SetDefault("cassandra.connect_timeout", "10s")
	v.SetDefault("cache.driver", "none")
	v.SetDefault("cache.address", "localhost:6379")
	v.SetDefault("cache.prefix", "relay:user")
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("search.driver", "sql")
	v.SetDefault("search.addresses", []string{"http://localhost:9200"})
	v.SetDefault("search.index", "relay-users")
	v.SetDefault("events.driver", "none")
	v.SetDefault("events.channel_prefix", "relay")
	v.SetDefault("events.redis.address", "localhost:6379")
	v.SetDefault("events.redis.pool_size", 10)
	v.SetDefault("events.redis.read_timeout", "3s")
	v.SetDefault("events.redis.write_timeout", "3s")
	v.SetDefault("events.kafka.brokers", "localhost:9092")
	v.SetDefault("events.kafka.partitions", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

func bindEnv(v *viper.Viper) {
	v.BindEnv("server.port", "PORT")
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("auth.handshake", "AUTH_HANDSHAKE")
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.dsn", "DATABASE_URL")
	v.BindEnv("store.driver", "STORE_DRIVER")
	v.BindEnv("cassandra.hosts", "CASSANDRA_HOSTS")
	v.BindEnv("cache.driver", "CACHE_DRIVER")
	v.BindEnv("cache.address", "REDIS_ADDRESS")
	v.BindEnv("cache.password", "REDIS_PASSWORD")
	v.BindEnv("search.driver", "SEARCH_DRIVER")
	v.BindEnv("search.addresses", "ES_ADDRESSES")
	v.BindEnv("events.driver", "EVENTS_DRIVER")
	v.BindEnv("events.redis.address", "REDIS_ADDRESS")
	v.BindEnv("events.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("log.level", "LOG_LEVEL")
}
