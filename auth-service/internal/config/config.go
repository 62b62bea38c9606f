package config

import (
	"time"

	pkgconfig "github.com/teachflow/teachflow-live/pkg/config"
	"github.com/teachflow/teachflow-live/pkg/database"
)

type Config struct {
	Server   ServerConfig
	Database database.Config
	JWT      JWTConfig
	Auth     AuthConfig
	Log      LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type JWTConfig struct {
	// Secret is shared with chat-service, which validates access tokens.
	Secret          string
	AccessDuration  time.Duration `mapstructure:"access_duration"`
	RefreshDuration time.Duration `mapstructure:"refresh_duration"`
	Issuer          string
}

type AuthConfig struct {
	// SelfServiceRoles may be chosen at registration.
	SelfServiceRoles []string `mapstructure:"self_service_roles"`
	BcryptCost       int      `mapstructure:"bcrypt_cost"`
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
	v.SetDefault("server.port", 8081)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "teachflow_auth")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.file_path", "./data/auth.db")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", 60)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("jwt.access_duration", "15m")
	v.SetDefault("jwt.refresh_duration", "168h")
	v.SetDefault("jwt.issuer", "teachflow")
	v.SetDefault("auth.self_service_roles", []string{"student", "teacher"})
	v.SetDefault("auth.bcrypt_cost", 10)
	v.SetDefault("log.level", "info")

	// Bind environment variables
	v.BindEnv("server.port", "PORT")
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.file_path", "DB_FILE_PATH")
	v.BindEnv("jwt.secret", "JWT_SECRET")
	v.BindEnv("jwt.access_duration", "JWT_ACCESS_DURATION")
	v.BindEnv("jwt.refresh_duration", "JWT_REFRESH_DURATION")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations from strings
	cfg.JWT.AccessDuration = pkgconfig.Duration(v, "jwt.access_duration", 15*time.Minute)
	cfg.JWT.RefreshDuration = pkgconfig.Duration(v, "jwt.refresh_duration", 168*time.Hour)

	return &cfg, nil
}
