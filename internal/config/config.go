// Package config loads runtime settings from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Input: a file path, "-" for stdin, or empty to only serve SRT.
	Input      string
	PacketSize int

	// SRT ingest: listener address, and optionally a remote source to pull
	SRTAddr         string
	SRTPullAddr     string
	SRTPullKey      string
	SRTPullStreamID string

	// HTTP API and metrics
	APIAddr string

	// Output
	OutputDir  string
	JSONOutput bool

	// Grouping
	MaxGroupFrames int
	ForceLC        bool

	ShutdownTimeout time.Duration
	Debug           bool
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Input:           getEnv("INPUT", ""),
		PacketSize:      getIntEnv("PACKET_SIZE", 188),
		SRTAddr:         getEnv("SRT_ADDR", ""),
		SRTPullAddr:     getEnv("SRT_PULL_ADDR", ""),
		SRTPullKey:      getEnv("SRT_PULL_KEY", "pull"),
		SRTPullStreamID: getEnv("SRT_PULL_STREAM_ID", ""),
		APIAddr:         getEnv("API_ADDR", ":9090"),
		OutputDir:       getEnv("OUTPUT_DIR", ""),
		JSONOutput:      getBoolEnv("JSON_OUTPUT", true),
		MaxGroupFrames:  getIntEnv("MAX_GROUP_FRAMES", 16),
		ForceLC:         getBoolEnv("FORCE_LC", false),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 5*time.Second),
		Debug:           getBoolEnv("DEBUG", false),
	}
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
