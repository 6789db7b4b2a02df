// Package config loads supportchat settings from defaults, an optional
// supportchat.yaml, a .env file, SUPPORTCHAT_* environment variables and
// bound command line flags, in increasing precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/go-go-golems/supportchat/pkg/backend"
	"github.com/go-go-golems/supportchat/pkg/connection"
	"github.com/go-go-golems/supportchat/pkg/devserver"
	"github.com/go-go-golems/supportchat/pkg/identity"
	"github.com/go-go-golems/supportchat/pkg/logging"
	"github.com/go-go-golems/supportchat/pkg/redisstream"
)

const (
	AppName   = "supportchat"
	EnvPrefix = "SUPPORTCHAT"
)

type BackendSettings struct {
	BaseURL   string        `mapstructure:"base-url"`
	APIPrefix string        `mapstructure:"api-prefix"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type ChannelSettings struct {
	URL               string        `mapstructure:"url"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake-timeout"`
	PingInterval      time.Duration `mapstructure:"ping-interval"`
	WatchdogInterval  time.Duration `mapstructure:"watchdog-interval"`
	ReconnectAttempts int           `mapstructure:"reconnect-attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect-delay"`
	ReconnectDelayMax time.Duration `mapstructure:"reconnect-delay-max"`
}

type IdentitySettings struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type WidgetSettings struct {
	PromptDelay time.Duration `mapstructure:"prompt-delay"`
}

type DevserverSettings struct {
	Addr            string               `mapstructure:"addr"`
	APIPrefix       string               `mapstructure:"api-prefix"`
	StoreDSN        string               `mapstructure:"store-dsn"`
	AllowedOrigins  []string             `mapstructure:"allowed-origins"`
	RoomIdleTimeout time.Duration        `mapstructure:"room-idle-timeout"`
	Redis           redisstream.Settings `mapstructure:"redis"`
}

type Settings struct {
	Backend   BackendSettings   `mapstructure:"backend"`
	Channel   ChannelSettings   `mapstructure:"channel"`
	Identity  IdentitySettings  `mapstructure:"identity"`
	Widget    WidgetSettings    `mapstructure:"widget"`
	Log       logging.Settings  `mapstructure:"log"`
	Devserver DevserverSettings `mapstructure:"devserver"`
}

// SetDefaults registers every key, which also makes each one reachable from
// the environment.
func SetDefaults(v *viper.Viper) {
	cc := connection.DefaultConfig()
	dc := devserver.DefaultConfig()
	ls := logging.DefaultSettings()

	v.SetDefault("backend.base-url", "http://localhost:8000")
	v.SetDefault("backend.api-prefix", "/api")
	v.SetDefault("backend.timeout", 10*time.Second)

	v.SetDefault("channel.url", "")
	v.SetDefault("channel.handshake-timeout", cc.HandshakeTimeout)
	v.SetDefault("channel.ping-interval", cc.PingInterval)
	v.SetDefault("channel.watchdog-interval", cc.WatchdogInterval)
	v.SetDefault("channel.reconnect-attempts", cc.ReconnectAttempts)
	v.SetDefault("channel.reconnect-delay", cc.ReconnectDelay)
	v.SetDefault("channel.reconnect-delay-max", cc.ReconnectDelayMax)

	v.SetDefault("identity.driver", identity.DriverFile)
	v.SetDefault("identity.path", defaultIdentityPath())

	v.SetDefault("widget.prompt-delay", 500*time.Millisecond)

	v.SetDefault("log.level", ls.Level)
	v.SetDefault("log.file", "")
	v.SetDefault("log.json", false)
	v.SetDefault("log.max-size-mb", ls.MaxSizeMB)
	v.SetDefault("log.max-backups", ls.MaxBackups)

	v.SetDefault("devserver.addr", dc.Addr)
	v.SetDefault("devserver.api-prefix", dc.APIPrefix)
	v.SetDefault("devserver.store-dsn", "")
	v.SetDefault("devserver.allowed-origins", dc.AllowedOrigins)
	v.SetDefault("devserver.room-idle-timeout", dc.RoomIdleTimeout)
	v.SetDefault("devserver.redis.enabled", dc.Redis.Enabled)
	v.SetDefault("devserver.redis.addr", dc.Redis.Addr)
	v.SetDefault("devserver.redis.group", dc.Redis.Group)
	v.SetDefault("devserver.redis.consumer", dc.Redis.Consumer)
}

func defaultIdentityPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, AppName, "identity.yaml")
}

// Load reads the configuration into v and decodes it. An explicit configFile
// must exist; otherwise supportchat.yaml is looked up in the working directory
// and the user config directory.
func Load(v *viper.Viper, configFile string) (Settings, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Settings{}, errors.Wrap(err, "load .env")
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, errors.Wrapf(err, "read config %s", configFile)
		}
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, AppName))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Settings{}, errors.Wrap(err, "read config")
			}
		}
	}
	if used := v.ConfigFileUsed(); used != "" {
		log.Debug().Str("config", used).Msg("config file loaded")
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode config")
	}
	return s, nil
}

// ChannelURL is channel.url, or the backend base URL's /ws endpoint with a
// ws/wss scheme when unset.
func (s Settings) ChannelURL() string {
	if u := strings.TrimSpace(s.Channel.URL); u != "" {
		return u
	}
	base := strings.TrimRight(strings.TrimSpace(s.Backend.BaseURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

func (s Settings) BackendConfig() backend.Config {
	return backend.Config{
		BaseURL:   s.Backend.BaseURL,
		APIPrefix: s.Backend.APIPrefix,
		Timeout:   s.Backend.Timeout,
	}
}

func (s Settings) ConnectionConfig() connection.Config {
	cfg := connection.DefaultConfig()
	cfg.URL = s.ChannelURL()
	cfg.HandshakeTimeout = s.Channel.HandshakeTimeout
	cfg.PingInterval = s.Channel.PingInterval
	cfg.WatchdogInterval = s.Channel.WatchdogInterval
	cfg.ReconnectAttempts = s.Channel.ReconnectAttempts
	cfg.ReconnectDelay = s.Channel.ReconnectDelay
	cfg.ReconnectDelayMax = s.Channel.ReconnectDelayMax
	return cfg
}

func (s Settings) DevserverConfig() devserver.Config {
	cfg := devserver.DefaultConfig()
	cfg.Addr = s.Devserver.Addr
	cfg.APIPrefix = s.Devserver.APIPrefix
	cfg.StoreDSN = s.Devserver.StoreDSN
	if len(s.Devserver.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = s.Devserver.AllowedOrigins
	}
	if s.Devserver.RoomIdleTimeout > 0 {
		cfg.RoomIdleTimeout = s.Devserver.RoomIdleTimeout
	}
	cfg.Redis = s.Devserver.Redis
	return cfg
}
