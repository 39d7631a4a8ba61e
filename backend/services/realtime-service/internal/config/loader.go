package config

import (
	"errors"
	"fmt"
	"time"

	sharedcfg "github.com/fathima-sithara/inventory-realtime/backend/shared/config"
)

const EnvPrefix = "REALTIME"

type AppConfig struct {
	Env        string `mapstructure:"env"`
	Port       int    `mapstructure:"port"`
	InstanceID string `mapstructure:"instance_id"`
	LogLevel   string `mapstructure:"log_level"`
}

type AuthConfig struct {
	JWTSecret      string `mapstructure:"jwt_secret"`
	AllowAnonymous bool   `mapstructure:"allow_anonymous"`
}

type CryptoConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

type StorageConfig struct {
	Driver   string `mapstructure:"driver"`
	SeedFile string `mapstructure:"seed_file"`
}

type MongoConfig struct {
	URI string `mapstructure:"uri"`
	DB  string `mapstructure:"db"`
}

type RedisConfig struct {
	Addr   string `mapstructure:"addr"`
	Pass   string `mapstructure:"password"`
	DB     int    `mapstructure:"db"`
	Prefix string `mapstructure:"prefix"`
}

type KafkaConfig struct {
	Brokers            []string `mapstructure:"brokers"`
	TopicEvents        string   `mapstructure:"topic_events"`
	TopicEntityChanges string   `mapstructure:"topic_entity_changes"`
	GroupID            string   `mapstructure:"group_id"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type WSConfig struct {
	PingIntervalSeconds  int     `mapstructure:"ping_interval_seconds"`
	WriteDeadlineSeconds int     `mapstructure:"write_deadline_seconds"`
	MaxMessageSizeBytes  int     `mapstructure:"max_message_size_bytes"`
	SendBuffer           int     `mapstructure:"send_buffer"`
	OverflowPolicy       string  `mapstructure:"overflow_policy"`
	RatePerSec           float64 `mapstructure:"rate_per_sec"`
}

type PresenceConfig struct {
	HeartbeatTimeoutSeconds int `mapstructure:"heartbeat_timeout_seconds"`
	MirrorTTLSeconds        int `mapstructure:"mirror_ttl_seconds"`
}

type ChatConfig struct {
	RecentLimit     int `mapstructure:"recent_limit"`
	MaxMessageBytes int `mapstructure:"max_message_bytes"`
}

type HTTPConfig struct {
	HeartbeatLimitPerMin int `mapstructure:"heartbeat_limit_per_min"`
}

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Crypto   CryptoConfig   `mapstructure:"crypto"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	NATS     NATSConfig     `mapstructure:"nats"`
	WS       WSConfig       `mapstructure:"ws"`
	Presence PresenceConfig `mapstructure:"presence"`
	Chat     ChatConfig     `mapstructure:"chat"`
	HTTP     HTTPConfig     `mapstructure:"http"`

	// derived
	PingInterval     time.Duration `mapstructure:"-"`
	WriteDeadline    time.Duration `mapstructure:"-"`
	HeartbeatTimeout time.Duration `mapstructure:"-"`
	MirrorTTL        time.Duration `mapstructure:"-"`
}

func defaults() map[string]any {
	return map[string]any{
		"app.env":                            "development",
		"app.port":                           8085,
		"app.instance_id":                    "",
		"app.log_level":                      "info",
		"auth.jwt_secret":                    "",
		"auth.allow_anonymous":               true,
		"crypto.encryption_key":              "",
		"storage.driver":                     "memory",
		"storage.seed_file":                  "",
		"mongo.uri":                          "",
		"mongo.db":                           "inventory",
		"redis.addr":                         "",
		"redis.password":                     "",
		"redis.db":                           0,
		"redis.prefix":                       "inventory",
		"kafka.brokers":                      []string{},
		"kafka.topic_events":                 "",
		"kafka.topic_entity_changes":         "",
		"kafka.group_id":                     "realtime-service",
		"nats.url":                           "",
		"nats.subject_prefix":                "inventory.events",
		"ws.ping_interval_seconds":           25,
		"ws.write_deadline_seconds":          10,
		"ws.max_message_size_bytes":          65536,
		"ws.send_buffer":                     256,
		"ws.overflow_policy":                 "drop-oldest",
		"ws.rate_per_sec":                    20.0,
		"presence.heartbeat_timeout_seconds": 90,
		"presence.mirror_ttl_seconds":        120,
		"chat.recent_limit":                  10,
		"chat.max_message_bytes":             4096,
		"http.heartbeat_limit_per_min":       120,
	}
}

// Load reads path, applies REALTIME_* environment overrides and validates.
func Load(path string) (*Config, error) {
	v, err := sharedcfg.NewViper(path, EnvPrefix, defaults())
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.derive()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) derive() {
	if c.WS.PingIntervalSeconds <= 0 {
		c.WS.PingIntervalSeconds = 25
	}
	if c.WS.WriteDeadlineSeconds <= 0 {
		c.WS.WriteDeadlineSeconds = 10
	}
	if c.WS.MaxMessageSizeBytes <= 0 {
		c.WS.MaxMessageSizeBytes = 65536
	}
	if c.Presence.HeartbeatTimeoutSeconds <= 0 {
		c.Presence.HeartbeatTimeoutSeconds = 90
	}
	if c.Presence.MirrorTTLSeconds <= 0 {
		c.Presence.MirrorTTLSeconds = 2 * c.Presence.HeartbeatTimeoutSeconds
	}
	c.PingInterval = time.Duration(c.WS.PingIntervalSeconds) * time.Second
	c.WriteDeadline = time.Duration(c.WS.WriteDeadlineSeconds) * time.Second
	c.HeartbeatTimeout = time.Duration(c.Presence.HeartbeatTimeoutSeconds) * time.Second
	c.MirrorTTL = time.Duration(c.Presence.MirrorTTLSeconds) * time.Second
}

func (c *Config) validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	switch c.Storage.Driver {
	case "memory":
	case "mongo":
		if c.Mongo.URI == "" {
			errs = append(errs, errors.New("mongo.uri is required with storage.driver=mongo"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	// the tracker refreshes the mirror every heartbeat_timeout/2
	if c.MirrorTTL <= c.HeartbeatTimeout/2 {
		errs = append(errs, errors.New("presence.mirror_ttl_seconds must exceed half of presence.heartbeat_timeout_seconds"))
	}
	switch c.WS.OverflowPolicy {
	case "drop-oldest", "disconnect":
	default:
		errs = append(errs, fmt.Errorf("unknown ws.overflow_policy %q", c.WS.OverflowPolicy))
	}
	return errors.Join(errs...)
}

func (c *Config) Development() bool { return c.App.Env == "development" }
