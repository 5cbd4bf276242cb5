package observability

import "context"

// Config bundles the observability configuration. The engine config
// loader populates it; defaults here keep a bare config usable.
type Config struct {
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // json, text
}

// DefaultConfig returns the default observability configuration
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:        false,
			PrometheusPort: 0,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			Exporter:       "otlp",
			OTLPEndpoint:   "localhost:4318",
			SampleRate:     1.0,
			ServiceName:    "donna",
			ServiceVersion: "1.0.0",
		},
	}
}

// Bundle groups the three providers a running engine carries.
type Bundle struct {
	Logger  *Logger
	Metrics *MetricsCollector
	Tracer  *TracerProvider
}

// Setup builds logger, metrics, and tracing from one config.
func Setup(cfg Config) (*Bundle, error) {
	logger := NewLogger(LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	metrics, err := NewMetricsCollector(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracerProvider(cfg.Tracing)
	if err != nil {
		return nil, err
	}

	return &Bundle{Logger: logger, Metrics: metrics, Tracer: tracer}, nil
}

// Shutdown flushes metrics and traces.
func (b *Bundle) Shutdown(ctx context.Context) error {
	if b == nil {
		return nil
	}
	var firstErr error
	if b.Metrics != nil {
		if err := b.Metrics.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if b.Tracer != nil {
		if err := b.Tracer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
