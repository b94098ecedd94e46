package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Bus       BusConfig
	CORS      CORSConfig `mapstructure:"cors"`
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	PingInterval time.Duration `mapstructure:"pingInterval"`
	SendBuffer   int           `mapstructure:"sendBuffer"`
}

// BusConfig enables the optional Redis pub/sub fan-out between instances.
type BusConfig struct {
	Enabled   bool
	RedisAddr string `mapstructure:"redisAddr"`
	RedisDB   int    `mapstructure:"redisDB"`
	Channel   string
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

type LogConfig struct {
	Level string
	JSON  bool `mapstructure:"json"`
}
