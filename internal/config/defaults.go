package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"llamad/internal/supervisor"
)

// Daemon defaults.
const (
	DefaultAddr      = "127.0.0.1:8585"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
	DefaultModelsDir = "~/models/llm"
)

// Duration is a time.Duration that reads from strings such as "1.5s" in
// every supported file format.
type Duration struct{ time.Duration }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// Defaults returns the configuration used when nothing else is supplied.
func Defaults() Config {
	opts := supervisor.DefaultOptions()
	retries := opts.Retry.MaxRetries
	adopt := opts.AdoptExisting
	return Config{
		Addr:      DefaultAddr,
		LogLevel:  DefaultLogLevel,
		LogFormat: DefaultLogFormat,

		Host:      supervisor.DefaultHost,
		Port:      supervisor.DefaultPort,
		ModelsDir: DefaultModelsDir,
		ModelsMax: supervisor.DefaultModelsMax,

		MaxRetries:     &retries,
		RetryBaseDelay: Duration{opts.Retry.BaseDelay},
		RetryMaxDelay:  Duration{opts.Retry.MaxDelay},
		HealthTimeout:  Duration{opts.HealthTimeout},
		HealthInterval: Duration{opts.HealthInterval},
		KillGrace:      Duration{opts.KillGrace},
		ModelsTimeout:  Duration{opts.ModelsTimeout},
		PortRange:      opts.PortRange,
		AdoptExisting:  &adopt,
	}
}

// Validate rejects values the supervisor cannot run with.
func (c Config) Validate() error {
	if _, port, err := net.SplitHostPort(c.Addr); err != nil {
		return fmt.Errorf("addr %q: %w", c.Addr, err)
	} else if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("addr %q: invalid port", c.Addr)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.PortRange < 1 || c.Port+c.PortRange-1 > 65535 {
		return fmt.Errorf("port range %d invalid for port %d", c.PortRange, c.Port)
	}
	// the stop sweep covers exactly DefaultPortRange ports
	if c.PortRange > supervisor.DefaultPortRange {
		return fmt.Errorf("port range %d exceeds the %d ports swept on stop", c.PortRange, supervisor.DefaultPortRange)
	}
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.RetryMaxDelay.Duration > 0 && c.RetryMaxDelay.Duration < c.RetryBaseDelay.Duration {
		return fmt.Errorf("retry_max_delay %s below retry_base_delay %s", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	switch strings.ToLower(c.FlashAttn) {
	case "", "on", "off":
	default:
		return fmt.Errorf("flash_attn must be on, off or empty, got %q", c.FlashAttn)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "console", "json":
	default:
		return fmt.Errorf("log_format must be console or json, got %q", c.LogFormat)
	}
	return nil
}

// ServerConfig converts c into the supervisor launch configuration.
func (c Config) ServerConfig() supervisor.ServerConfig {
	return supervisor.ServerConfig{
		Host:             c.Host,
		Port:             c.Port,
		BasePath:         c.ModelsDir,
		ModelPath:        c.ModelPath,
		BinaryPath:       c.BinaryPath,
		ModelsMax:        c.ModelsMax,
		CtxSize:          c.CtxSize,
		BatchSize:        c.BatchSize,
		Threads:          c.Threads,
		GPULayers:        c.GPULayers,
		FlashAttn:        c.FlashAttn,
		Temperature:      c.Temperature,
		TopK:             c.TopK,
		TopP:             c.TopP,
		RepeatPenalty:    c.RepeatPenalty,
		NPredict:         c.NPredict,
		Seed:             c.Seed,
		Embedding:        c.Embedding,
		CacheTypeK:       c.CacheTypeK,
		CacheTypeV:       c.CacheTypeV,
		Verbose:          c.Verbose,
		NoModelsAutoload: c.NoModelsAutoload,
		ExtraArgs:        append([]string(nil), c.ExtraArgs...),
	}
}

// Options converts c into supervisor tunables; unset fields keep the
// supervisor defaults.
func (c Config) Options() supervisor.Options {
	opts := supervisor.DefaultOptions()
	if c.MaxRetries != nil {
		opts.Retry.MaxRetries = *c.MaxRetries
	}
	setDur(&opts.Retry.BaseDelay, c.RetryBaseDelay)
	setDur(&opts.Retry.MaxDelay, c.RetryMaxDelay)
	setDur(&opts.HealthTimeout, c.HealthTimeout)
	setDur(&opts.HealthInterval, c.HealthInterval)
	setDur(&opts.KillGrace, c.KillGrace)
	setDur(&opts.ModelsTimeout, c.ModelsTimeout)
	if c.PortRange > 0 {
		opts.PortRange = c.PortRange
	}
	opts.SkipPortSweep = c.SkipPortSweep
	if c.AdoptExisting != nil {
		opts.AdoptExisting = *c.AdoptExisting
	}
	return opts
}

func setDur(dst *time.Duration, d Duration) {
	if d.Duration > 0 {
		*dst = d.Duration
	}
}
