package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config contains the telemetry configuration for the shim.
type Config struct {
	// ServiceName identifies the service in traces and metrics.
	ServiceName string `json:"serviceName" yaml:"serviceName" validate:"required"`

	// ServiceVersion is the version of the service.
	ServiceVersion string `json:"serviceVersion" yaml:"serviceVersion"`

	// Environment is the deployment environment (development, production).
	Environment string `json:"environment" yaml:"environment"`

	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error, fatal).
	Level string `json:"level" yaml:"level" validate:"oneof=trace debug info warn error fatal"`

	// Format is console or json.
	Format string `json:"format" yaml:"format" validate:"oneof=console json"`

	// Output is stdout, stderr or a file path.
	Output string `json:"output" yaml:"output"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `json:"enableCaller" yaml:"enableCaller"`

	// EnableSampling enables log sampling for high-frequency logs.
	EnableSampling bool `json:"enableSampling" yaml:"enableSampling"`

	// SamplingInitial is the number of messages logged per second initially.
	SamplingInitial int `json:"samplingInitial" yaml:"samplingInitial"`

	// SamplingThereafter logs every Nth message after the initial sample.
	SamplingThereafter int `json:"samplingThereafter" yaml:"samplingThereafter"`

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string `json:"timeFormat" yaml:"timeFormat" validate:"omitempty,oneof=rfc3339 unix unixms unixmicro"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Exporter is otlp, stdout or none.
	Exporter string `json:"exporter" yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP collector address.
	Endpoint string `json:"endpoint" yaml:"endpoint" validate:"required_if=Enabled true Exporter otlp"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `json:"samplingRate" yaml:"samplingRate" validate:"gte=0,lte=1"`

	MaxExportBatchSize int           `json:"maxExportBatchSize" yaml:"maxExportBatchSize"`
	ExportTimeout      time.Duration `json:"exportTimeout" yaml:"exportTimeout"`

	// Headers are sent with every OTLP export.
	Headers map[string]string `json:"headers" yaml:"headers"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `json:"insecure" yaml:"insecure"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// ListenAddress serves metrics on a separate port when set. The main
	// server also exposes Path.
	ListenAddress string `json:"listenAddress" yaml:"listenAddress"`

	// Path is the HTTP path for metrics.
	Path string `json:"path" yaml:"path" validate:"required_if=Enabled true"`

	// Namespace prefixes every metric name.
	Namespace string `json:"namespace" yaml:"namespace"`

	// DefaultHistogramBuckets are the latency buckets in seconds.
	DefaultHistogramBuckets []float64 `json:"buckets" yaml:"buckets"`
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "hostkit",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "json",
			Output:             "stdout",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "hostkit",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0,
			},
		},
	}
}

// DevelopmentConfig returns a configuration with console logs and stdout traces.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "console"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

var configValidator = validator.New()

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	err := configValidator.Struct(c)
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Errorf("invalid telemetry setting %s=%v: failed on the '%s' rule", fe.Namespace(), fe.Value(), fe.Tag())
	}
	return err
}
