package redisstream

// Settings holds the Redis Streams transport configuration. With Enabled
// false the transport is an in-process go channel.
type Settings struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Consumer: "devserver",
	}
}
