package config

import (
	"time"

	pkgconfig "github.com/teachflow/teachflow-live/pkg/config"
	"github.com/teachflow/teachflow-live/pkg/pubsub"
	"github.com/teachflow/teachflow-live/pkg/storage"
)

type Config struct {
	Server    ServerConfig
	GRPC      GRPCConfig
	WebSocket WebSocketConfig
	Auth      AuthConfig
	Rooms     RoomsConfig
	Store     StoreConfig
	Redis     pubsub.RedisConfig
	Kafka     KafkaConfig
	Storage   storage.Config
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
	// InstanceID tags events this instance publishes for fan-out.
	InstanceID string `mapstructure:"instance_id"`
}

type GRPCConfig struct {
	Host string
	Port int
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string
}

type RoomsConfig struct {
	HistorySize      int `mapstructure:"history_size"`
	MaxMembers       int `mapstructure:"max_members"`
	MaxMessageLength int `mapstructure:"max_message_length"`
}

type StoreConfig struct {
	// Driver is "memory" or "redis".
	Driver    string
	KeyPrefix string        `mapstructure:"key_prefix"`
	KeyTTL    time.Duration `mapstructure:"key_ttl"`

	// HeartbeatInterval refreshes membership keys of rooms this instance serves.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type KafkaConfig struct {
	Enabled    bool
	Brokers    string
	Topic      string
	Partitions int
}

type LogConfig struct {
	Level  string
	Pretty bool
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8088)
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50052)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 8192)
	v.SetDefault("auth.issuer", "teachflow")
	v.SetDefault("rooms.history_size", 200)
	v.SetDefault("rooms.max_members", 500)
	v.SetDefault("rooms.max_message_length", 2000)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.key_prefix", "teachflow:chat")
	v.SetDefault("store.key_ttl", "24h")
	v.SetDefault("store.heartbeat_interval", "30s")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "liveclass-events")
	v.SetDefault("kafka.partitions", 8)
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.local.base_path", "./data/transcripts")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("log.level", "info")

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.instance_id", "INSTANCE_ID")
	v.BindEnv("grpc.port", "GRPC_PORT")
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("store.driver", "STORE_DRIVER")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("kafka.enabled", "KAFKA_ENABLED")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.topic", "KAFKA_TOPIC")
	v.BindEnv("storage.driver", "STORAGE_DRIVER")
	v.BindEnv("storage.s3.bucket", "S3_BUCKET")
	v.BindEnv("storage.s3.endpoint", "S3_ENDPOINT")
	v.BindEnv("storage.s3.access_key_id", "S3_ACCESS_KEY_ID")
	v.BindEnv("storage.s3.secret_access_key", "S3_SECRET_ACCESS_KEY")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.WebSocket.PingInterval = pkgconfig.Duration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = pkgconfig.Duration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = pkgconfig.Duration(v, "websocket.write_wait", 10*time.Second)
	cfg.Store.KeyTTL = pkgconfig.Duration(v, "store.key_ttl", 24*time.Hour)
	cfg.Store.HeartbeatInterval = pkgconfig.Duration(v, "store.heartbeat_interval", 30*time.Second)

	return &cfg, nil
}
