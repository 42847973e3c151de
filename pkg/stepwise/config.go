package stepwise

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Config holds the tunables of a Dispatcher.
//
// A YAML file overlays DefaultConfig, so only the fields being changed need
// to be present:
//
//	name: guestbook
//	workers: 8
//	stepTimeout: 30s
//	retry:
//	  maxAttempts: 5
//	  initialInterval: 500ms
//	  unclassifiedFaults: fail
type Config struct {
	// Name identifies the operator in logs, metrics and spans.
	Name string `yaml:"name" validate:"required"`

	// Workers is the size of the shared worker pool running object engines.
	Workers int `yaml:"workers" validate:"min=1"`

	// QueueDepth bounds the pending events kept per object. When full, the
	// oldest non-deletion event is dropped; queued events are coalesced
	// before each run anyway.
	QueueDepth int `yaml:"queueDepth" validate:"min=1"`

	// FinalizerName is the finalizer managed on tracked objects.
	FinalizerName string `yaml:"finalizerName" validate:"required"`

	// StepTimeout bounds each step. Zero disables the timeout.
	StepTimeout time.Duration `yaml:"stepTimeout" validate:"min=0"`

	// HistorySize is the number of transitions remembered per object.
	HistorySize int `yaml:"historySize" validate:"min=1"`

	// Retry configures step fault retries.
	Retry RetryConfig `yaml:"retry"`

	// Conflict configures the reload-and-retry loop for status writes.
	Conflict ConflictConfig `yaml:"conflict"`
}

// RetryConfig configures the step retry policy.
type RetryConfig struct {
	// MaxAttempts is the number of consecutive failed attempts of one state
	// before the run fails (0 = unlimited).
	MaxAttempts int `yaml:"maxAttempts" validate:"min=0"`

	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration `yaml:"initialInterval" validate:"gt=0"`

	// MaxInterval caps the backoff delay.
	MaxInterval time.Duration `yaml:"maxInterval" validate:"gtefield=InitialInterval"`

	// Multiplier is the growth factor between attempts.
	Multiplier float64 `yaml:"multiplier" validate:"gte=1"`

	// Jitter randomizes each delay by ±Jitter of its value.
	Jitter float64 `yaml:"jitter" validate:"gte=0,lte=1"`

	// UnclassifiedFaults selects the treatment of errors carrying no
	// classification: "retry" or "fail".
	UnclassifiedFaults UnclassifiedFaults `yaml:"unclassifiedFaults" validate:"oneof=retry fail"`
}

// ConflictConfig configures the backoff between status write attempts after
// resourceVersion conflicts.
type ConflictConfig struct {
	Steps    int           `yaml:"steps" validate:"min=1"`
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
	Factor   float64       `yaml:"factor" validate:"gte=1"`
	Jitter   float64       `yaml:"jitter" validate:"gte=0,lte=1"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	backoff := DefaultBackoffConfig()
	return Config{
		Name:          "stepwise",
		Workers:       16,
		QueueDepth:    32,
		FinalizerName: DefaultFinalizerName,
		HistorySize:   32,
		Retry: RetryConfig{
			MaxAttempts:        10,
			InitialInterval:    backoff.InitialInterval,
			MaxInterval:        backoff.MaxInterval,
			Multiplier:         backoff.Multiplier,
			Jitter:             backoff.RandomizationFactor,
			UnclassifiedFaults: RetryUnclassified,
		},
		Conflict: ConflictConfig{
			Steps:    5,
			Interval: 10 * time.Millisecond,
			Factor:   1.0,
			Jitter:   0.1,
		},
	}
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid config: %w", verrs)
		}
		return err
	}
	return nil
}

// RetryPolicy builds the step retry policy described by the configuration.
func (c Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		Strategy: ExponentialBackoff(BackoffConfig{
			InitialInterval:     c.Retry.InitialInterval,
			MaxInterval:         c.Retry.MaxInterval,
			Multiplier:          c.Retry.Multiplier,
			RandomizationFactor: c.Retry.Jitter,
		}),
		MaxAttempts:  c.Retry.MaxAttempts,
		Unclassified: c.Retry.UnclassifiedFaults,
	}
}

// ConflictBackoff builds the backoff for status write conflicts.
func (c Config) ConflictBackoff() wait.Backoff {
	return wait.Backoff{
		Steps:    c.Conflict.Steps,
		Duration: c.Conflict.Interval,
		Factor:   c.Conflict.Factor,
		Jitter:   c.Conflict.Jitter,
	}
}

// LoadConfig reads a YAML configuration file over DefaultConfig and
// validates the result. Unknown fields are rejected.
func LoadConfig(path string) (Config, error) {
	return LoadConfigOver(path, DefaultConfig())
}

// LoadConfigOver is LoadConfig with base in place of DefaultConfig, so a
// binary's own defaults, such as its Name, survive a file that omits them.
func LoadConfigOver(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	return ParseConfigOver(base, data)
}

// ParseConfig parses YAML configuration data over DefaultConfig and
// validates the result.
func ParseConfig(data []byte) (Config, error) {
	return ParseConfigOver(DefaultConfig(), data)
}

// ParseConfigOver parses YAML configuration data over base.
func ParseConfigOver(base Config, data []byte) (Config, error) {
	cfg := base

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
