// Package config loads and validates the engine's runtime configuration.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable the engine reads at startup.
//
// Tags:
//
//	env: environment variable name
//	envDefault: default value if the variable is unset
type Config struct {
	// Identity / logging
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`

	// HTTP surface (metrics + health only; no user-facing API)
	MetricsAddr string `env:"ENGINE_METRICS_ADDR" envDefault:":9102"`

	// Filesystem layout
	SessionsDir string `env:"ENGINE_SESSIONS_DIR" envDefault:"./sessions"`
	PublicDir   string `env:"ENGINE_PUBLIC_DIR" envDefault:"./public"`

	// Transport
	HandshakeURL string `env:"ENGINE_HANDSHAKE_URL" envDefault:"wss://web.whatsapp.com/ws/chat"`

	// Capacity
	MaxInstances        int `env:"ENGINE_MAX_INSTANCES" envDefault:"200"`
	InitializingBatch   int `env:"ENGINE_INITIALIZING_BATCH" envDefault:"5"`
	VerifyBatchSize     int `env:"ENGINE_VERIFY_BATCH_SIZE" envDefault:"50"`
	BroadcastBatchSize  int `env:"ENGINE_BROADCAST_BATCH_SIZE" envDefault:"10"`

	// Poll intervals
	ConnManagerInterval  time.Duration `env:"ENGINE_CONNMGR_INTERVAL" envDefault:"10s"`
	DisconnectInterval   time.Duration `env:"ENGINE_DISCONNECT_INTERVAL" envDefault:"3s"`
	IdleProcessorSleep   time.Duration `env:"ENGINE_IDLE_PROCESSOR_SLEEP" envDefault:"10s"`
	AdmissionPaceSeconds time.Duration `env:"ENGINE_ADMISSION_PACE" envDefault:"2s"`

	// Memory Guard (MB)
	MemoryCeilingMB int `env:"ENGINE_MEMORY_CEILING_MB" envDefault:"2048"`
	MemSoftPercent  float64 `env:"ENGINE_MEM_SOFT_PERCENT" envDefault:"73.0"`
	MemHardPercent  float64 `env:"ENGINE_MEM_HARD_PERCENT" envDefault:"93.0"`
	MemAdmitPercent float64 `env:"ENGINE_MEM_ADMIT_PERCENT" envDefault:"85.0"`
	MemSampleInterval time.Duration `env:"ENGINE_MEM_SAMPLE_INTERVAL" envDefault:"15s"`

	// Event bus (best-effort, observability only)
	NATSURL     string `env:"ENGINE_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NATSEnabled bool   `env:"ENGINE_NATS_ENABLED" envDefault:"false"`
}

// Load reads configuration from an optional .env file and the environment.
// Priority: environment variables > .env file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate enforces range and enum checks on a parsed Config.
func (c *Config) Validate() error {
	if c.MaxInstances < 1 {
		return fmt.Errorf("ENGINE_MAX_INSTANCES must be > 0, got %d", c.MaxInstances)
	}
	if c.InitializingBatch < 1 {
		return fmt.Errorf("ENGINE_INITIALIZING_BATCH must be > 0, got %d", c.InitializingBatch)
	}
	if c.MemSoftPercent <= 0 || c.MemSoftPercent > 100 {
		return fmt.Errorf("ENGINE_MEM_SOFT_PERCENT must be in (0,100], got %.1f", c.MemSoftPercent)
	}
	if c.MemHardPercent <= 0 || c.MemHardPercent > 100 {
		return fmt.Errorf("ENGINE_MEM_HARD_PERCENT must be in (0,100], got %.1f", c.MemHardPercent)
	}
	if c.MemHardPercent < c.MemSoftPercent {
		return fmt.Errorf("ENGINE_MEM_HARD_PERCENT (%.1f) must be >= ENGINE_MEM_SOFT_PERCENT (%.1f)",
			c.MemHardPercent, c.MemSoftPercent)
	}
	if c.MemAdmitPercent <= 0 || c.MemAdmitPercent > 100 {
		return fmt.Errorf("ENGINE_MEM_ADMIT_PERCENT must be in (0,100], got %.1f", c.MemAdmitPercent)
	}
	if c.MemoryCeilingMB < 1 {
		return fmt.Errorf("ENGINE_MEMORY_CEILING_MB must be > 0, got %d", c.MemoryCeilingMB)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Print writes a human-readable configuration dump to stdout for startup banners.
func (c *Config) Print() {
	fmt.Println("=== Worker Engine Configuration ===")
	fmt.Printf("Environment:       %s\n", c.Environment)
	fmt.Printf("Metrics addr:      %s\n", c.MetricsAddr)
	fmt.Printf("Sessions dir:      %s\n", c.SessionsDir)
	fmt.Printf("Public dir:        %s\n", c.PublicDir)
	fmt.Printf("Handshake URL:     %s\n", c.HandshakeURL)
	fmt.Println("--- Capacity ---")
	fmt.Printf("Max instances:     %d\n", c.MaxInstances)
	fmt.Printf("Initializing batch:%d\n", c.InitializingBatch)
	fmt.Printf("Verify batch:      %d\n", c.VerifyBatchSize)
	fmt.Printf("Broadcast batch:   %d\n", c.BroadcastBatchSize)
	fmt.Println("--- Memory Guard ---")
	fmt.Printf("Ceiling:           %d MB\n", c.MemoryCeilingMB)
	fmt.Printf("Soft/Hard/Admit:   %.1f%% / %.1f%% / %.1f%%\n", c.MemSoftPercent, c.MemHardPercent, c.MemAdmitPercent)
	fmt.Println("--- Logging ---")
	fmt.Printf("Level:             %s\n", c.LogLevel)
	fmt.Printf("Format:            %s\n", c.LogFormat)
	fmt.Println("====================================")
}

// LogConfig emits the configuration as one structured log line for log aggregation.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("metrics_addr", c.MetricsAddr).
		Str("sessions_dir", c.SessionsDir).
		Str("public_dir", c.PublicDir).
		Int("max_instances", c.MaxInstances).
		Int("initializing_batch", c.InitializingBatch).
		Int("verify_batch_size", c.VerifyBatchSize).
		Int("broadcast_batch_size", c.BroadcastBatchSize).
		Dur("connmgr_interval", c.ConnManagerInterval).
		Dur("disconnect_interval", c.DisconnectInterval).
		Int("memory_ceiling_mb", c.MemoryCeilingMB).
		Float64("mem_soft_percent", c.MemSoftPercent).
		Float64("mem_hard_percent", c.MemHardPercent).
		Float64("mem_admit_percent", c.MemAdmitPercent).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Bool("nats_enabled", c.NATSEnabled).
		Msg("configuration loaded")
}
