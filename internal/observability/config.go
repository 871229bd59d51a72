package observability

import (
	"strings"

	"github.com/smallbiznis/verdant/internal/config"
)

// Config is the slice of application config the logger, tracer and meters need.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64

	debug bool
}

func LoadConfig(cfg config.Config) Config {
	name := strings.TrimSpace(cfg.AppName)
	if name == "" {
		name = "verdant"
	}
	t := cfg.Telemetry
	return Config{
		ServiceName:          name,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             t.LogLevel,
		LogFormat:            t.LogFormat,
		OtelEnabled:          t.OtelEnabled,
		OtelExporterEndpoint: t.ExporterEndpoint,
		OtelExporterProtocol: t.ExporterProtocol,
		OtelSamplingRatio:    t.SamplingRatio,
		debug:                t.LogLevel == "debug" || cfg.IsDevelopment(),
	}
}

func (c Config) Debug() bool {
	return c.debug || strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug")
}
