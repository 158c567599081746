package config

import "testing"

func TestValidateRejectsBadMaxInstances(t *testing.T) {
	c := &Config{
		MaxInstances:      0,
		InitializingBatch: 5,
		MemSoftPercent:    73,
		MemHardPercent:    93,
		MemAdmitPercent:   85,
		MemoryCeilingMB:   2048,
		LogLevel:          "info",
		LogFormat:         "json",
	}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for zero MaxInstances")
	}
}

func TestValidateRejectsHardBelowSoft(t *testing.T) {
	c := validConfig()
	c.MemHardPercent = 50
	c.MemSoftPercent = 73
	if err := c.Validate(); err == nil {
		t.Fatal("expected error when hard threshold is below soft threshold")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	c := validConfig()
	c.LogLevel = "verbose"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func validConfig() *Config {
	return &Config{
		MaxInstances:      200,
		InitializingBatch: 5,
		MemSoftPercent:    73,
		MemHardPercent:    93,
		MemAdmitPercent:   85,
		MemoryCeilingMB:   2048,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}
