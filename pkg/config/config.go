// Package config loads the engine configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dukex/caseflow/pkg/engine"
	"github.com/dukex/caseflow/pkg/jobs"
	"github.com/dukex/caseflow/pkg/pvm"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// EngineConfig represents the structure of the engine configuration file.
type EngineConfig struct {
	JobExecutorActivate bool `yaml:"jobExecutorActivate"`
	SharedStore         bool `yaml:"sharedStore"`

	CorePoolSize          int    `yaml:"corePoolSize"              validate:"gte=1"`
	MaxPoolSize           int    `yaml:"maxPoolSize"               validate:"gtefield=CorePoolSize"`
	QueueLength           int    `yaml:"queueLength"               validate:"gte=0"`
	KeepAliveSeconds      int    `yaml:"keepAliveSeconds"          validate:"gte=0"`
	AcquisitionInterval   int    `yaml:"acquisitionIntervalMillis" validate:"gte=1"`
	MaxJobsPerAcquisition int    `yaml:"maxJobsPerAcquisition"     validate:"gte=1"`
	LockDuration          int    `yaml:"lockDurationMillis"        validate:"gte=1"`
	ShutdownGraceSeconds  int    `yaml:"shutdownGraceSeconds"      validate:"gte=0"`
	LockOwner             string `yaml:"lockOwner"`

	DefaultMaxRetries int `yaml:"defaultMaxRetries" validate:"gte=0"`
	BackoffMinMillis  int `yaml:"backoffMinMillis"  validate:"gte=1"`
	BackoffMaxMillis  int `yaml:"backoffMaxMillis"  validate:"gtefield=BackoffMinMillis"`

	CacheCapacity int `yaml:"cacheCapacity" validate:"gte=1"`
}

// ValidationError reports every invalid option of a configuration.
type ValidationError struct {
	Fields []string
	Err    error
}

func (e *ValidationError) Error() string {
	return "invalid engine configuration: " + strings.Join(e.Fields, "; ")
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err is a configuration fault.
func IsValidationError(err error) bool {
	var target *ValidationError

	return errors.As(err, &target)
}

// Default returns the configuration used for options missing from the file.
func Default() EngineConfig {
	defaults := jobs.DefaultConfig()

	return EngineConfig{
		JobExecutorActivate:   true,
		CorePoolSize:          defaults.CorePoolSize,
		MaxPoolSize:           defaults.MaxPoolSize,
		QueueLength:           defaults.QueueLength,
		KeepAliveSeconds:      int(defaults.KeepAlive / time.Second),
		AcquisitionInterval:   int(defaults.AcquisitionInterval / time.Millisecond),
		MaxJobsPerAcquisition: defaults.MaxJobsPerAcquisition,
		LockDuration:          int(defaults.LockDuration / time.Millisecond),
		ShutdownGraceSeconds:  int(defaults.ShutdownGrace / time.Second),
		DefaultMaxRetries:     pvm.DefaultRetries,
		BackoffMinMillis:      int(jobs.DefaultBackoffMin / time.Millisecond),
		BackoffMaxMillis:      int(jobs.DefaultBackoffMax / time.Millisecond),
		CacheCapacity:         engine.DefaultCacheCapacity,
	}
}

// Load reads and validates an engine configuration file. Options missing
// from the file keep their defaults.
func Load(filepath string) (EngineConfig, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	return Parse(data)
}

// LoadOrDefault loads the configuration file, falling back to the defaults
// when the file doesn't exist.
func LoadOrDefault(filepath string) (EngineConfig, error) {
	config, err := Load(filepath)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}

	return config, err
}

// Parse decodes a YAML configuration over the defaults.
func Parse(data []byte) (EngineConfig, error) {
	config := Default()

	if err := yaml.Unmarshal(data, &config); err != nil {
		return EngineConfig{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return EngineConfig{}, err
	}

	return config, nil
}

// Validate checks the pool, lock and retry options.
func (c EngineConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return &ValidationError{Fields: []string{err.Error()}, Err: err}
	}

	fields := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		fields = append(fields, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
	}

	return &ValidationError{Fields: fields, Err: err}
}

// JobConfig returns the scheduler settings.
func (c EngineConfig) JobConfig() jobs.Config {
	return jobs.Config{
		CorePoolSize:          c.CorePoolSize,
		MaxPoolSize:           c.MaxPoolSize,
		QueueLength:           c.QueueLength,
		KeepAlive:             time.Duration(c.KeepAliveSeconds) * time.Second,
		AcquisitionInterval:   time.Duration(c.AcquisitionInterval) * time.Millisecond,
		MaxJobsPerAcquisition: c.MaxJobsPerAcquisition,
		LockDuration:          time.Duration(c.LockDuration) * time.Millisecond,
		ShutdownGrace:         time.Duration(c.ShutdownGraceSeconds) * time.Second,
		LockOwner:             c.LockOwner,
	}
}

// EngineOptions converts the configuration into engine options.
func (c EngineConfig) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithJobExecutorActivate(c.JobExecutorActivate),
		engine.WithJobConfig(c.JobConfig()),
		engine.WithCacheCapacity(c.CacheCapacity),
		engine.WithDefaultRetries(c.DefaultMaxRetries),
		engine.WithBackoff(
			time.Duration(c.BackoffMinMillis)*time.Millisecond,
			time.Duration(c.BackoffMaxMillis)*time.Millisecond,
		),
	}
}
