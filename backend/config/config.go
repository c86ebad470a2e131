// Package config loads the relay and client settings from yaml with viper.
// Every key can be overridden from the environment with the COLLAB_ prefix,
// e.g. COLLAB_MYSQL_DSN or COLLAB_SERVER_URL.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "COLLAB"

var defaultPaths = []string{"./backend/config", "./config", "."}

type ServerConfig struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	// no addrs: presence is kept in process
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	// no dsn: rooms live in memory only
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	// no brokers: update events are not published
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	// no secret: tokens are not checked
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Presence struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"presence"`
	Cors struct {
		Origins []string `mapstructure:"origins"`
	} `mapstructure:"cors"`
}

type ClientConfig struct {
	Server struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"server"`
	Room      string        `mapstructure:"room"`
	Token     string        `mapstructure:"token"`
	Username  string        `mapstructure:"username"`
	StatePath string        `mapstructure:"statepath"`
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

func newViper(name string, paths []string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = defaultPaths
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// read loads the config file if there is one; defaults and environment
// still apply without it.
func read(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}
	return nil
}

// LoadServer reads collabConfig.yaml from paths, or from the usual places
// when none are given.
func LoadServer(paths ...string) (*ServerConfig, error) {
	v := newViper("collabConfig", paths)
	v.SetDefault("running.port", 3002)
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "doc-updates")
	v.SetDefault("auth.secret", "")
	v.SetDefault("presence.ttl", time.Minute)
	v.SetDefault("cors.origins", []string{})
	if err := read(v); err != nil {
		return nil, err
	}
	cfg := &ServerConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ClientFlags registers the client flags that override clientConfig.yaml.
func ClientFlags(fs *pflag.FlagSet) {
	fs.String("server", "", "relay websocket url, e.g. ws://localhost:3002/collab/ws")
	fs.String("room", "", "room to join")
	fs.String("token", "", "access token")
	fs.String("username", "", "name shown to peers")
	fs.String("state", "", "local state file")
}

var clientFlagKeys = map[string]string{
	"server":   "server.url",
	"room":     "room",
	"token":    "token",
	"username": "username",
	"state":    "statepath",
}

// LoadClient reads clientConfig.yaml and applies flags registered with
// ClientFlags on top. fs may be nil.
func LoadClient(fs *pflag.FlagSet, paths ...string) (*ClientConfig, error) {
	v := newViper("clientConfig", paths)
	v.SetDefault("server.url", "ws://localhost:3002/collab/ws")
	v.SetDefault("room", "prosemirror")
	v.SetDefault("token", "")
	v.SetDefault("username", "anonymous")
	v.SetDefault("statepath", "collabdoc.db")
	v.SetDefault("heartbeat", 30*time.Second)
	if fs != nil {
		for name, key := range clientFlagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := read(v); err != nil {
		return nil, err
	}
	cfg := &ClientConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
