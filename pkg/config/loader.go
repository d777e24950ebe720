// Layer 1: Configuration loading (depends only on common types)
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/Yijuehen/gpubalance/pkg/common"
)

// Load loads configuration from environment variables and defaults
func Load() *common.Config {
	cfg := &common.Config{
		Enabled: getBool("GPU_BALANCING_ENABLED", false),

		// Monitoring
		MonitorInterval:   getDuration("GPU_MONITOR_INTERVAL", 5*time.Second),
		MetricsTTL:        getDuration("GPU_METRICS_TTL", 10*time.Second),
		EnableTemperature: getBool("GPU_MONITOR_TEMP", true),
		EnablePower:       getBool("GPU_MONITOR_POWER", false),
		TelemetryBackend:  getString("GPU_TELEMETRY_BACKEND", "smi"),
		MockGPU:           getBool("GPUBALANCE_MOCK_GPU", false),

		// Balancing
		BalanceInterval: getDuration("BALANCE_INTERVAL", 60*time.Second),
		EnableMigration: getBool("ENABLE_MIGRATION", false),

		// Thresholds
		MinMemoryMB:        getInt("MIN_GPU_MEMORY", 2000),
		MaxUtilization:     getFloat("MAX_GPU_UTIL", 90.0),
		MaxTemperature:     getInt("MAX_GPU_TEMP", 85),
		UtilLowThreshold:   getFloat("UTIL_LOW", 50.0),
		UtilHighThreshold:  getFloat("UTIL_HIGH", 85.0),
		AdaptiveThresholds: getBool("ADAPTIVE_THRESHOLDS", true),

		// Process management
		HeartbeatInterval:  getDuration("HEARTBEAT_INTERVAL", 10*time.Second),
		HeartbeatTimeout:   getDuration("HEARTBEAT_TIMEOUT", 30*time.Second),
		AutoRestart:        getBool("AUTO_RESTART", true),
		MaxRestartAttempts: getInt("MAX_RESTART", 3),
		ShutdownTimeout:    getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		// Redis configuration
		RedisAddr:     getString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getString("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// Logging
		LogLevel: getString("GPUBALANCE_LOG_LEVEL", "info"),
	}

	return cfg
}

// Helper functions to read environment variables with type conversion

func getString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// Bare numbers are seconds
		if secs, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return defaultValue
}

// ============================================================================
// VALIDATION
// ============================================================================

// Validate: Validate configuration values
// Returns error if any required config is invalid
func Validate(cfg *common.Config) error {
	if cfg.RedisAddr == "" {
		return &configError{field: "RedisAddr", reason: "cannot be empty"}
	}

	if cfg.MonitorInterval <= 0 {
		return &configError{field: "MonitorInterval", reason: "must be positive"}
	}

	if cfg.MetricsTTL <= 0 {
		return &configError{field: "MetricsTTL", reason: "must be positive"}
	}

	if cfg.BalanceInterval <= 0 {
		return &configError{field: "BalanceInterval", reason: "must be positive"}
	}

	if cfg.HeartbeatTimeout <= 0 {
		return &configError{field: "HeartbeatTimeout", reason: "must be positive"}
	}

	if cfg.MinMemoryMB < 0 {
		return &configError{field: "MinMemoryMB", reason: "cannot be negative"}
	}

	if cfg.MaxUtilization <= 0 || cfg.MaxUtilization > 100 {
		return &configError{field: "MaxUtilization", reason: "must be in (0, 100]"}
	}

	switch cfg.TelemetryBackend {
	case "smi", "nvml":
	default:
		return &configError{field: "TelemetryBackend", reason: "must be smi or nvml"}
	}

	return nil
}

// configError: Custom error type for config validation
type configError struct {
	field  string
	reason string
}

func (e *configError) Error() string {
	return "Config validation error: " + e.field + " " + e.reason
}
