// Package config loads server settings from defaults, an optional YAML file,
// an optional .env file and CHAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every key when read from the environment.
const EnvPrefix = "CHAT"

type Config struct {
	TCPAddr             string        `mapstructure:"tcp_addr"`
	HTTPAddr            string        `mapstructure:"http_addr"`
	MaxFrameSize        uint32        `mapstructure:"max_frame_size"`
	MaxClients          int           `mapstructure:"max_clients"`
	DefaultRoom         string        `mapstructure:"default_room"`
	DefaultRoomCapacity int           `mapstructure:"default_room_capacity"`
	RoomCapacity        int           `mapstructure:"room_capacity"`
	KeepDefaultRoom     bool          `mapstructure:"keep_default_room"`
	EchoChat            bool          `mapstructure:"echo_chat"`
	PrivateRooms        []string      `mapstructure:"private_rooms"`
	SendQueueSize       int           `mapstructure:"send_queue_size"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout"`
	ShutdownGrace       time.Duration `mapstructure:"shutdown_grace"`
	LogLevel            string        `mapstructure:"log_level"`
	LogFormat           string        `mapstructure:"log_format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tcp_addr", ":8080")
	v.SetDefault("http_addr", ":8081")
	v.SetDefault("max_frame_size", 16*1024)
	v.SetDefault("max_clients", 1000)
	v.SetDefault("default_room", "lobby")
	v.SetDefault("default_room_capacity", 1000)
	v.SetDefault("room_capacity", 100)
	v.SetDefault("keep_default_room", true)
	v.SetDefault("echo_chat", false)
	v.SetDefault("private_rooms", []string{})
	v.SetDefault("send_queue_size", 256)
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("idle_timeout", "60s")
	v.SetDefault("shutdown_grace", "5s")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
}

// Load reads the configuration. path names an optional YAML file; an empty
// path means defaults and environment only. A missing .env in the working
// directory is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		log.Debug().Str("module", "config").Str("file", v.ConfigFileUsed()).Msg("loaded config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.TCPAddr == "" {
		errs = append(errs, errors.New("tcp_addr must be set"))
	}
	if c.MaxFrameSize == 0 {
		errs = append(errs, errors.New("max_frame_size must be positive"))
	}
	if c.DefaultRoom == "" {
		errs = append(errs, errors.New("default_room must be set"))
	}
	if c.DefaultRoomCapacity <= 0 || c.RoomCapacity <= 0 {
		errs = append(errs, errors.New("room capacities must be positive"))
	}
	for _, name := range c.PrivateRooms {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("private_rooms must not contain empty names"))
			break
		}
	}
	if c.SendQueueSize <= 0 {
		errs = append(errs, errors.New("send_queue_size must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("write_timeout must be positive"))
	}
	if c.IdleTimeout < 0 || c.ShutdownGrace < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
