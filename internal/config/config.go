package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Broker   BrokerConfig   `yaml:"broker"`
	Store    StoreConfig    `yaml:"store"`
	HTTP     HTTPConfig     `yaml:"http"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Log      LogConfig      `yaml:"log"`
}

type BrokerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	ClientID     string        `yaml:"client_id"`
	SensorsTopic string        `yaml:"sensors_topic"`
	ControlTopic string        `yaml:"control_topic"`
	SubTopics    []string      `yaml:"sub_topics"`
	QoS          int           `yaml:"qos"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"` // influx | timescale | memory

	InfluxURL         string `yaml:"influx_url"`
	InfluxToken       string `yaml:"influx_token"`
	InfluxOrg         string `yaml:"influx_org"`
	InfluxBucket      string `yaml:"influx_bucket"`
	InfluxMeasurement string `yaml:"influx_measurement"`

	PostgresDSN   string `yaml:"postgres_dsn"`
	PostgresTable string `yaml:"postgres_table"`
}

type HTTPConfig struct {
	Port         int           `yaml:"port"`
	GRPCPort     int           `yaml:"grpc_port"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	DayLocation  string        `yaml:"day_location"`

	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerOpenFor  time.Duration `yaml:"breaker_open_for"`
}

type PipelineConfig struct {
	PersistWorkers int           `yaml:"persist_workers"`
	PersistQueue   int           `yaml:"persist_queue"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
	LiveEmptySet   string        `yaml:"live_empty_set"` // none | all
	LiveQueue      int           `yaml:"live_queue"`
	DedupTTL       time.Duration `yaml:"dedup_ttl"`
	DedupMax       int           `yaml:"dedup_max"`

	// AggregateInterval enables per-node rollups published on
	// AggregateTopic; zero disables them.
	AggregateInterval time.Duration `yaml:"aggregate_interval"`
	AggregateTopic    string        `yaml:"aggregate_topic"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Load reads the optional YAML file named by CONFIG_FILE, lets the
// environment override it, fills defaults and validates the result.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile is Load with an explicit file path; an empty path skips the file.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	b := &c.Broker
	b.Host = envStr("BROKER_ADDRESS", b.Host)
	b.Port = envInt("BROKER_PORT", b.Port)
	b.User = envStr("BROKER_USER", b.User)
	b.Password = envStr("BROKER_PASSWORD", b.Password)
	b.ClientID = envStr("CLIENT_ID", b.ClientID)
	b.SensorsTopic = envStr("SENSORS_TOPIC", b.SensorsTopic)
	b.ControlTopic = envStr("CONTROL_TOPIC", b.ControlTopic)
	b.SubTopics = envList("SUB_TOPICS", b.SubTopics)
	b.QoS = envInt("BROKER_QOS", b.QoS)
	b.RetryDelay = envDuration("BROKER_RETRY_DELAY", b.RetryDelay)

	s := &c.Store
	s.Backend = envStr("STORE_BACKEND", s.Backend)
	s.InfluxURL = envStr("INFLUX_URL", s.InfluxURL)
	s.InfluxToken = envStr("INFLUX_TOKEN", s.InfluxToken)
	s.InfluxOrg = envStr("INFLUX_ORG", s.InfluxOrg)
	s.InfluxBucket = envStr("INFLUX_BUCKET", s.InfluxBucket)
	s.InfluxMeasurement = envStr("INFLUX_MEASUREMENT", s.InfluxMeasurement)
	s.PostgresDSN = envStr("PG_DSN", s.PostgresDSN)
	s.PostgresTable = envStr("PG_TABLE", s.PostgresTable)

	h := &c.HTTP
	h.Port = envInt("HTTP_PORT", h.Port)
	h.GRPCPort = envInt("GRPC_PORT", h.GRPCPort)
	h.QueryTimeout = envDuration("QUERY_TIMEOUT", h.QueryTimeout)
	h.DayLocation = envStr("DAY_LOCATION", h.DayLocation)
	h.BreakerFailures = envInt("BREAKER_FAILURES", h.BreakerFailures)
	h.BreakerOpenFor = envDuration("BREAKER_OPEN_FOR", h.BreakerOpenFor)

	p := &c.Pipeline
	p.PersistWorkers = envInt("PERSIST_WORKERS", p.PersistWorkers)
	p.PersistQueue = envInt("PERSIST_QUEUE", p.PersistQueue)
	p.PersistTimeout = envDuration("PERSIST_TIMEOUT", p.PersistTimeout)
	p.LiveEmptySet = envStr("LIVE_EMPTY_SET", p.LiveEmptySet)
	p.LiveQueue = envInt("LIVE_QUEUE", p.LiveQueue)
	p.DedupTTL = envDuration("DEDUP_TTL", p.DedupTTL)
	p.DedupMax = envInt("DEDUP_MAX", p.DedupMax)
	p.AggregateInterval = envDuration("AGGREGATE_INTERVAL", p.AggregateInterval)
	p.AggregateTopic = envStr("AGGREGATE_TOPIC", p.AggregateTopic)

	c.Log.Format = envStr("LOG_FORMAT", c.Log.Format)
	c.Log.Level = envStr("LOG_LEVEL", c.Log.Level)
}

func (c *Config) applyDefaults() {
	b := &c.Broker
	if b.Host == "" {
		b.Host = "localhost"
	}
	if b.Port == 0 {
		b.Port = 1883
	}
	if b.ClientID == "" {
		b.ClientID = "brisa-iot-web"
	}
	if b.SensorsTopic == "" {
		b.SensorsTopic = "brisa-iot/sensors"
	}
	if b.ControlTopic == "" {
		b.ControlTopic = "brisa-iot/control"
	}
	if len(b.SubTopics) == 0 {
		// "#" also matches the parent level, so single-node deployments
		// publishing on the bare topic are covered.
		b.SubTopics = []string{b.SensorsTopic + "/#"}
	}
	if b.RetryDelay == 0 {
		b.RetryDelay = 5 * time.Second
	}

	s := &c.Store
	if s.Backend == "" {
		s.Backend = "influx"
	}
	if s.InfluxURL == "" {
		s.InfluxURL = "http://localhost:8086"
	}
	if s.InfluxOrg == "" {
		s.InfluxOrg = "brisa"
	}
	if s.InfluxBucket == "" {
		s.InfluxBucket = "sensors_db"
	}
	if s.InfluxMeasurement == "" {
		s.InfluxMeasurement = "sensor_sample"
	}
	if s.PostgresTable == "" {
		s.PostgresTable = "sensor_samples"
	}

	h := &c.HTTP
	if h.Port == 0 {
		h.Port = 5000
	}
	if h.GRPCPort == 0 {
		h.GRPCPort = 5001
	}
	if h.QueryTimeout == 0 {
		h.QueryTimeout = 5 * time.Second
	}
	if h.DayLocation == "" {
		h.DayLocation = "UTC"
	}
	if h.BreakerFailures == 0 {
		h.BreakerFailures = 5
	}
	if h.BreakerOpenFor == 0 {
		h.BreakerOpenFor = 10 * time.Second
	}

	p := &c.Pipeline
	if p.PersistWorkers == 0 {
		p.PersistWorkers = 4
	}
	if p.PersistQueue == 0 {
		p.PersistQueue = 1000
	}
	if p.PersistTimeout == 0 {
		p.PersistTimeout = 5 * time.Second
	}
	if p.LiveEmptySet == "" {
		p.LiveEmptySet = "none"
	}
	if p.LiveQueue == 0 {
		p.LiveQueue = 64
	}
	if p.DedupTTL == 0 {
		p.DedupTTL = 2 * time.Minute
	}
	if p.DedupMax == 0 {
		p.DedupMax = 10000
	}
	if p.AggregateTopic == "" {
		p.AggregateTopic = "brisa-iot/aggregated"
	}

	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks the fields the hub cannot start without.
func (c *Config) Validate() error {
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("%w: broker port %d out of range", ErrInvalidConfig, c.Broker.Port)
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		return fmt.Errorf("%w: broker qos must be 0, 1 or 2", ErrInvalidConfig)
	}
	switch c.Store.Backend {
	case "influx":
		if c.Store.InfluxURL == "" || c.Store.InfluxBucket == "" {
			return fmt.Errorf("%w: influx url and bucket are required", ErrInvalidConfig)
		}
	case "timescale":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("%w: PG_DSN is required for the timescale backend", ErrInvalidConfig)
		}
	case "memory":
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}
	switch c.Pipeline.LiveEmptySet {
	case "none", "all":
	default:
		return fmt.Errorf("%w: live_empty_set must be none or all", ErrInvalidConfig)
	}
	if c.Pipeline.AggregateInterval < 0 {
		return fmt.Errorf("%w: aggregate_interval must not be negative", ErrInvalidConfig)
	}
	if c.Pipeline.AggregateInterval > 0 && strings.HasPrefix(c.Pipeline.AggregateTopic+"/", strings.TrimRight(c.Broker.SensorsTopic, "/")+"/") {
		return fmt.Errorf("%w: aggregate_topic must not be under the sensors topic", ErrInvalidConfig)
	}
	if _, err := time.LoadLocation(c.HTTP.DayLocation); err != nil {
		return fmt.Errorf("%w: day location: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Location returns the zone used to interpret calendar-date query bounds.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.HTTP.DayLocation)
	if err != nil {
		return time.UTC
	}
	return loc
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
