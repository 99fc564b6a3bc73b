package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"llamad/internal/common/fsutil"
)

// Environment variables consulted by ApplyEnv.
const (
	EnvAddr       = "LLAMAD_ADDR"
	EnvLogLevel   = "LLAMAD_LOG_LEVEL"
	EnvModelsDir  = "LLAMAD_MODELS_DIR"
	EnvServerPath = "LLAMA_SERVER_PATH"
)

// Config holds runtime parameters for the daemon and the supervised server.
// Pointer fields distinguish "unset" from an explicit zero or false.
type Config struct {
	Addr        string   `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel    string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat   string   `json:"log_format" yaml:"log_format" toml:"log_format"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	AutoStart   bool     `json:"auto_start" yaml:"auto_start" toml:"auto_start"`

	Host       string `json:"host" yaml:"host" toml:"host"`
	Port       int    `json:"port" yaml:"port" toml:"port"`
	ModelsDir  string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	ModelPath  string `json:"model_path" yaml:"model_path" toml:"model_path"`
	BinaryPath string `json:"binary_path" yaml:"binary_path" toml:"binary_path"`

	ModelsMax        int      `json:"models_max" yaml:"models_max" toml:"models_max"`
	CtxSize          int      `json:"ctx_size" yaml:"ctx_size" toml:"ctx_size"`
	BatchSize        int      `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	Threads          int      `json:"threads" yaml:"threads" toml:"threads"`
	GPULayers        *int     `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	FlashAttn        string   `json:"flash_attn" yaml:"flash_attn" toml:"flash_attn"`
	Temperature      float64  `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopK             int      `json:"top_k" yaml:"top_k" toml:"top_k"`
	TopP             float64  `json:"top_p" yaml:"top_p" toml:"top_p"`
	RepeatPenalty    float64  `json:"repeat_penalty" yaml:"repeat_penalty" toml:"repeat_penalty"`
	NPredict         int      `json:"n_predict" yaml:"n_predict" toml:"n_predict"`
	Seed             *int     `json:"seed" yaml:"seed" toml:"seed"`
	Embedding        bool     `json:"embedding" yaml:"embedding" toml:"embedding"`
	CacheTypeK       string   `json:"cache_type_k" yaml:"cache_type_k" toml:"cache_type_k"`
	CacheTypeV       string   `json:"cache_type_v" yaml:"cache_type_v" toml:"cache_type_v"`
	Verbose          bool     `json:"verbose" yaml:"verbose" toml:"verbose"`
	NoModelsAutoload bool     `json:"no_models_autoload" yaml:"no_models_autoload" toml:"no_models_autoload"`
	ExtraArgs        []string `json:"extra_args" yaml:"extra_args" toml:"extra_args"`

	MaxRetries     *int     `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	RetryBaseDelay Duration `json:"retry_base_delay" yaml:"retry_base_delay" toml:"retry_base_delay"`
	RetryMaxDelay  Duration `json:"retry_max_delay" yaml:"retry_max_delay" toml:"retry_max_delay"`
	HealthTimeout  Duration `json:"health_timeout" yaml:"health_timeout" toml:"health_timeout"`
	HealthInterval Duration `json:"health_interval" yaml:"health_interval" toml:"health_interval"`
	KillGrace      Duration `json:"kill_grace" yaml:"kill_grace" toml:"kill_grace"`
	ModelsTimeout  Duration `json:"models_timeout" yaml:"models_timeout" toml:"models_timeout"`
	PortRange      int      `json:"port_range" yaml:"port_range" toml:"port_range"`
	SkipPortSweep  bool     `json:"skip_port_sweep" yaml:"skip_port_sweep" toml:"skip_port_sweep"`
	AdoptExisting  *bool    `json:"adopt_existing" yaml:"adopt_existing" toml:"adopt_existing"`
}

// Load reads a configuration file based on its extension. Keys absent from
// the file keep their Defaults value.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. A nil getenv uses os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(EnvAddr); v != "" {
		c.Addr = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := getenv(EnvModelsDir); v != "" {
		c.ModelsDir = v
	}
	if v := getenv(EnvServerPath); v != "" {
		c.BinaryPath = v
	}
}

// ExpandPaths resolves a leading '~' in every path field.
func (c *Config) ExpandPaths() error {
	for _, p := range []*string{&c.ModelsDir, &c.ModelPath, &c.BinaryPath} {
		v, err := fsutil.ExpandHome(*p)
		if err != nil {
			return err
		}
		*p = v
	}
	return nil
}
