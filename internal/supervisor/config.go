package supervisor

import (
	"fmt"
	"time"
)

// Defaults applied when corresponding fields are unset.
const (
	DefaultHost          = "127.0.0.1"
	DefaultPort          = 8080
	DefaultModelsMax     = 4
	DefaultPortRange     = 11
	defaultHealthTimeout = 60 * time.Second
	defaultHealthPoll    = 500 * time.Millisecond
	defaultKillGrace     = 5 * time.Second
	defaultModelsTimeout = 5 * time.Second
	defaultMaxRetries    = 3
	defaultBaseDelay     = time.Second
	defaultMaxDelay      = 30 * time.Second
	defaultMultiplier    = 2.0
)

// ServerConfig describes how llama-server is launched and where it listens.
// It is treated as immutable for the lifetime of a Service.
type ServerConfig struct {
	Host       string
	Port       int
	BasePath   string // models directory (router mode)
	ModelPath  string // single model file; takes precedence over BasePath
	BinaryPath string // empty means discover with FindLlamaServer

	ModelsMax     int
	CtxSize       int
	BatchSize     int
	Threads       int
	GPULayers     *int
	FlashAttn     string // "on", "off" or "" (server default)
	Temperature   float64
	TopK          int
	TopP          float64
	RepeatPenalty float64
	NPredict      int
	Seed          *int
	Embedding     bool
	CacheTypeK    string
	CacheTypeV    string
	Verbose       bool

	NoModelsAutoload bool
	ExtraArgs        []string
}

// BaseURL returns the control-plane URL for the configured host and port.
func (c ServerConfig) BaseURL() string { return baseURL(c.Host, c.Port) }

func baseURL(host string, port int) string {
	if host == "" || host == "0.0.0.0" {
		host = DefaultHost
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.ModelsMax <= 0 {
		c.ModelsMax = DefaultModelsMax
	}
	return c
}

// RetryPolicy is the constant restart policy. The retry count itself lives in State.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultRetryPolicy returns 3 retries starting at 1s, doubling, capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: defaultMaxRetries,
		BaseDelay:  defaultBaseDelay,
		MaxDelay:   defaultMaxDelay,
		Multiplier: defaultMultiplier,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	return p
}

// Options holds supervisor tunables that are not part of the launch command.
type Options struct {
	Retry          RetryPolicy
	HealthTimeout  time.Duration
	HealthInterval time.Duration
	KillGrace      time.Duration
	ModelsTimeout  time.Duration
	PortRange      int
	// SkipPortSweep disables the 11-port sweep that Stop runs after killing
	// the process. The zero value sweeps.
	SkipPortSweep bool
	// AdoptExisting reuses a healthy server already answering at the
	// configured address instead of spawning one.
	AdoptExisting bool
}

// DefaultOptions returns the options used when none are supplied.
func DefaultOptions() Options {
	return Options{
		Retry:          DefaultRetryPolicy(),
		HealthTimeout:  defaultHealthTimeout,
		HealthInterval: defaultHealthPoll,
		KillGrace:      defaultKillGrace,
		ModelsTimeout:  defaultModelsTimeout,
		PortRange:      DefaultPortRange,
		AdoptExisting:  true,
	}
}

func (o Options) withDefaults() Options {
	o.Retry = o.Retry.withDefaults()
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = defaultHealthTimeout
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = defaultHealthPoll
	}
	if o.KillGrace <= 0 {
		o.KillGrace = defaultKillGrace
	}
	if o.ModelsTimeout <= 0 {
		o.ModelsTimeout = defaultModelsTimeout
	}
	if o.PortRange <= 0 || o.PortRange > DefaultPortRange {
		o.PortRange = DefaultPortRange
	}
	return o
}
