// Package config loads the server configuration. Values are layered:
// compiled-in defaults, then an optional YAML file named by CARPOOL_CONFIG,
// then CARPOOL_* environment variables. Nested keys use a double underscore
// in env names, e.g. CARPOOL_MATCHING__SCAN_INTERVAL=5s.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	pkgerrors "github.com/pkg/errors"
)

const (
	envPrefix  = "CARPOOL_"
	envFileKey = "CARPOOL_CONFIG"
)

type Config struct {
	Server    Server    `koanf:"server"`
	Auth      Auth      `koanf:"auth"`
	Search    Search    `koanf:"search"`
	Matching  Matching  `koanf:"matching"`
	Redis     Redis     `koanf:"redis"`
	Postgres  Postgres  `koanf:"postgres"`
	NATS      NATS      `koanf:"nats"`
	Kafka     Kafka     `koanf:"kafka"`
	RateLimit RateLimit `koanf:"ratelimit"`
	Log       Log       `koanf:"log"`
}

type Server struct {
	Listen            string        `koanf:"listen"`
	MaxConnections    int           `koanf:"max_connections"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `koanf:"heartbeat_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// Auth configures bearer token verification.
type Auth struct {
	Secret string `koanf:"secret"`
	Issuer string `koanf:"issuer"`
}

type Search struct {
	TTL time.Duration `koanf:"ttl"`
	// Index is "memory" or "redis".
	Index string `koanf:"index"`
}

type Matching struct {
	ScanInterval       time.Duration `koanf:"scan_interval"`
	MatchTimeout       time.Duration `koanf:"match_timeout"`
	PickupRadiusMeters float64       `koanf:"pickup_radius_meters"`
	DropRadiusMeters   float64       `koanf:"drop_radius_meters"`
}

// Redis is disabled when Addr is empty.
type Redis struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// Postgres is disabled when DSN is empty.
type Postgres struct {
	DSN     string `koanf:"dsn"`
	Migrate bool   `koanf:"migrate"`
}

// NATS is disabled when URL is empty.
type NATS struct {
	URL  string `koanf:"url"`
	Name string `koanf:"name"`
}

// Kafka is disabled when Brokers is empty.
type Kafka struct {
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
}

type RateLimit struct {
	SearchLimit  int           `koanf:"search_limit"`
	SearchWindow time.Duration `koanf:"search_window"`
	ChatLimit    int           `koanf:"chat_limit"`
	ChatWindow   time.Duration `koanf:"chat_window"`
}

type Log struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: Server{
			Listen:            ":8080",
			MaxConnections:    10000,
			WriteTimeout:      10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Search: Search{
			TTL:   180 * time.Second,
			Index: "memory",
		},
		Matching: Matching{
			ScanInterval:       5 * time.Second,
			MatchTimeout:       120 * time.Second,
			PickupRadiusMeters: 5000,
			DropRadiusMeters:   5000,
		},
		NATS: NATS{Name: "ridematch"},
		Kafka: Kafka{
			Topic: "carpool.lifecycle",
		},
		RateLimit: RateLimit{
			SearchLimit:  10,
			SearchWindow: time.Minute,
			ChatLimit:    20,
			ChatWindow:   10 * time.Second,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads the configuration from the file named by CARPOOL_CONFIG (when
// set) and the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv(envFileKey))
}

// LoadFrom layers path (optional) and the environment over Default.
func LoadFrom(path string) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, pkgerrors.Wrapf(err, "read config file %s", path)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        envPrefix,
		TransformFunc: transformEnv,
	}), nil); err != nil {
		return cfg, pkgerrors.Wrap(err, "load env variables")
	}

	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			TagName:          "koanf",
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return cfg, pkgerrors.Wrap(err, "unmarshal config")
	}

	return cfg, cfg.Validate()
}

// transformEnv maps CARPOOL_MATCHING__SCAN_INTERVAL to matching.scan_interval.
// The file key itself is not a config value.
func transformEnv(k, v string) (string, any) {
	if k == envFileKey {
		return "", nil
	}
	key := strings.ToLower(strings.TrimPrefix(k, envPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	return key, v
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen must be set"))
	}
	if c.Server.MaxConnections <= 0 {
		errs = append(errs, errors.New("server.max_connections must be > 0"))
	}
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret must be set"))
	}
	if c.Search.TTL <= 0 {
		errs = append(errs, errors.New("search.ttl must be > 0"))
	}
	switch c.Search.Index {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("search.index=redis requires redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("search.index must be memory or redis, got %q", c.Search.Index))
	}
	if c.Matching.ScanInterval <= 0 {
		errs = append(errs, errors.New("matching.scan_interval must be > 0"))
	}
	if c.Matching.MatchTimeout <= 0 {
		errs = append(errs, errors.New("matching.match_timeout must be > 0"))
	}
	if c.Matching.PickupRadiusMeters <= 0 || c.Matching.DropRadiusMeters <= 0 {
		errs = append(errs, errors.New("matching radii must be > 0"))
	}
	if c.Server.HeartbeatInterval <= 0 || c.Server.HeartbeatTimeout <= 0 {
		errs = append(errs, errors.New("server heartbeat interval and timeout must be > 0"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic must be set when brokers are configured"))
	}

	return errors.Join(errs...)
}
