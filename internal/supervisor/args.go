package supervisor

import (
	"strconv"
	"strings"
)

// BuildArgs renders cfg as llama-server command-line arguments. Unset values
// are omitted so the server applies its own defaults.
func BuildArgs(cfg ServerConfig) []string {
	cfg = cfg.withDefaults()
	args := []string{"--host", cfg.Host, "--port", strconv.Itoa(cfg.Port)}

	if strings.TrimSpace(cfg.ModelPath) != "" {
		args = append(args, "-m", cfg.ModelPath)
	} else if strings.TrimSpace(cfg.BasePath) != "" {
		args = append(args, "--models-dir", cfg.BasePath, "--models-max", strconv.Itoa(cfg.ModelsMax))
	}

	args = appendInt(args, "-c", cfg.CtxSize)
	args = appendInt(args, "-b", cfg.BatchSize)
	args = appendInt(args, "-t", cfg.Threads)
	if cfg.GPULayers != nil && *cfg.GPULayers >= 0 {
		args = append(args, "-ngl", strconv.Itoa(*cfg.GPULayers))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.FlashAttn)) {
	case "on":
		args = append(args, "-fa")
	case "off":
		args = append(args, "--no-flash-attn")
	}
	args = appendFloat(args, "--temp", cfg.Temperature)
	args = appendInt(args, "--top-k", cfg.TopK)
	args = appendFloat(args, "--top-p", cfg.TopP)
	args = appendFloat(args, "--repeat-penalty", cfg.RepeatPenalty)
	args = appendInt(args, "-n", cfg.NPredict)
	if cfg.Seed != nil && *cfg.Seed >= 0 {
		args = append(args, "--seed", strconv.Itoa(*cfg.Seed))
	}
	if cfg.Embedding {
		args = append(args, "--embedding")
	}
	if cfg.CacheTypeK != "" {
		args = append(args, "--cache-type-k", cfg.CacheTypeK)
	}
	if cfg.CacheTypeV != "" {
		args = append(args, "--cache-type-v", cfg.CacheTypeV)
	}
	if cfg.Verbose {
		args = append(args, "--verbose")
	}
	if cfg.NoModelsAutoload {
		args = append(args, "--no-models-autoload")
	}
	return append(args, cfg.ExtraArgs...)
}

func appendInt(args []string, flag string, v int) []string {
	if v <= 0 {
		return args
	}
	return append(args, flag, strconv.Itoa(v))
}

func appendFloat(args []string, flag string, v float64) []string {
	if v <= 0 {
		return args
	}
	return append(args, flag, strconv.FormatFloat(v, 'f', -1, 64))
}
