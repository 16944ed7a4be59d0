package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/events"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
	pwerrors "github.com/alexisbeaulieu97/pipewright/pkg/errors"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the engine configuration document.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Storage StorageConfig `yaml:"storage"`
	Events  EventsConfig  `yaml:"events"`
	Tasks   TasksConfig   `yaml:"tasks"`
	HTTP    HTTPConfig    `yaml:"http"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// EngineConfig tunes the orchestration loop.
type EngineConfig struct {
	// Workers is the number of bus deliveries handled concurrently.
	Workers        int           `yaml:"workers" validate:"min=1,max=256"`
	CASMaxAttempts int           `yaml:"cas_max_attempts" validate:"min=1,max=1000"`
	CASBackoff     time.Duration `yaml:"cas_backoff" validate:"duration"`
	LockTTL        time.Duration `yaml:"lock_ttl" validate:"duration"`
	// LockWait is how often a SQL lease lock is re-polled while contended.
	LockWait time.Duration `yaml:"lock_wait" validate:"duration"`
}

// StorageConfig selects the execution store.
type StorageConfig struct {
	Driver          string        `yaml:"driver" validate:"required,oneof=memory sqlite postgres"`
	DSN             string        `yaml:"dsn" validate:"required_unless=Driver memory"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"min=0"`
}

// EventsConfig configures the message bus.
type EventsConfig struct {
	MaxDeliveries     int           `yaml:"max_deliveries" validate:"min=1,max=100"`
	RedeliveryBackoff time.Duration `yaml:"redelivery_backoff" validate:"duration"`
	// Topics overrides topic names per category and producer module.
	Topics map[string]map[string]string `yaml:"topics,omitempty" validate:"omitempty,dive,keys,oneof=orchestration interrupt,endkeys,dive,keys,min=1,endkeys,topic"`
}

// TasksConfig sizes the in-process task pool.
type TasksConfig struct {
	Workers        int           `yaml:"workers" validate:"min=1,max=256"`
	DefaultTimeout time.Duration `yaml:"default_timeout" validate:"duration"`
	// EnableCommand registers the shell command task type.
	EnableCommand bool `yaml:"enable_command"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level         string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	HumanReadable bool   `yaml:"human_readable"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true,omitempty,startswith=/"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Engine: EngineConfig{
			Workers:        8,
			CASMaxAttempts: 10,
			CASBackoff:     5 * time.Millisecond,
			LockTTL:        10 * time.Second,
			LockWait:       25 * time.Millisecond,
		},
		Storage: StorageConfig{
			Driver:       DriverMemory,
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Events: EventsConfig{
			MaxDeliveries:     10,
			RedeliveryBackoff: 100 * time.Millisecond,
		},
		Tasks: TasksConfig{
			Workers:        4,
			DefaultTimeout: time.Minute,
		},
		HTTP: HTTPConfig{Addr: "127.0.0.1:8080"},
		Log:  LogConfig{Level: "info"},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a configuration file. Keys missing from the file keep their
// default values.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, pwerrors.NewParseError(path, 0, err)
	}
	cfg, err := Decode(data)
	if err != nil {
		var parseErr *pwerrors.ParseError
		if errors.As(err, &parseErr) {
			parseErr.Path = path
		}
		return Config{}, err
	}
	return cfg, nil
}

// Decode parses and validates a configuration document layered over
// DefaultConfig.
func Decode(data []byte) (Config, error) {
	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, pwerrors.NewParseError("config", extractLine(err), err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	return convertValidationError(validatorInstance().Struct(c))
}

// TopicTable converts the topic overrides into the bus representation.
func (c Config) TopicTable() events.TopicTable {
	if len(c.Events.Topics) == 0 {
		return nil
	}
	table := make(events.TopicTable, len(c.Events.Topics))
	for category, modules := range c.Events.Topics {
		entry := make(map[string]string, len(modules))
		for module, topic := range modules {
			entry[module] = topic
		}
		table[ports.EventCategory(category)] = entry
	}
	return table
}
