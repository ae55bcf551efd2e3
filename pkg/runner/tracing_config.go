package runner

import internaltracing "github.com/wehubfusion/Conduit/internal/tracing"

// TracingConfig is the tracing configuration accepted by WithTracing.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRatio    float64
}

// DefaultTracingConfig returns a development-friendly tracing configuration.
func DefaultTracingConfig(serviceName string) TracingConfig {
	return fromInternalConfig(internaltracing.DefaultConfig(serviceName))
}

// JaegerTracingConfig returns a tracing configuration for a local Jaeger.
func JaegerTracingConfig(serviceName string) TracingConfig {
	return fromInternalConfig(internaltracing.JaegerConfig(serviceName))
}

// TracingConfigFromEnv reads CONDUIT_OTLP_ENDPOINT, CONDUIT_ENVIRONMENT and
// CONDUIT_TRACE_SAMPLE_RATIO over the defaults.
func TracingConfigFromEnv(serviceName string) TracingConfig {
	return fromInternalConfig(internaltracing.ConfigFromEnv(serviceName))
}

func (c TracingConfig) toInternalConfig() internaltracing.TracingConfig {
	return internaltracing.TracingConfig{
		ServiceName:    c.ServiceName,
		ServiceVersion: c.ServiceVersion,
		Environment:    c.Environment,
		OTLPEndpoint:   c.OTLPEndpoint,
		SampleRatio:    c.SampleRatio,
	}
}

func fromInternalConfig(cfg internaltracing.TracingConfig) TracingConfig {
	return TracingConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRatio:    cfg.SampleRatio,
	}
}
