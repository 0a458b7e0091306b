package common

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bioimage-lab/omero-ingest/constants"
)

// Cleanup modes for a successfully imported file.
const (
	CleanupDelete  = "delete"
	CleanupArchive = "archive"
	CleanupKeep    = "keep"
)

// Config holds all application configuration
type Config struct {
	Watch  WatchConfig
	Omero  OmeroConfig
	Ledger LedgerConfig
}

// WatchConfig holds the watched-directory pipeline configuration
type WatchConfig struct {
	Dir            string
	QuarantineDir  string
	ArchiveDir     string
	Cleanup        string
	Suffixes       []string
	PollInterval   time.Duration
	SettleInterval time.Duration
	ImportTimeout  time.Duration
	Notify         bool
}

// OmeroConfig holds the OMERO server and importer-account configuration
type OmeroConfig struct {
	Username   string
	Password   string
	TargetUser string
	Project    string
	Dataset    string
	Container  string
	OmeroBin   string
	Host       string
	WebURL     string
}

// LedgerConfig holds the import-journal database configuration
type LedgerConfig struct {
	Path string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Watch: WatchConfig{
			Dir:            getEnv("WATCH_DIR", ""),
			QuarantineDir:  getEnv("FAILED_DIR", ""),
			ArchiveDir:     getEnv("ARCHIVE_DIR", ""),
			Cleanup:        getEnv("CLEANUP_MODE", CleanupDelete),
			Suffixes:       getEnvAsList("IMAGE_SUFFIXES", constants.ImageSuffixes),
			PollInterval:   getEnvAsDuration("POLL_INTERVAL", 30*time.Second),
			SettleInterval: getEnvAsDuration("SETTLE_INTERVAL", 2*time.Minute),
			ImportTimeout:  getEnvAsDuration("IMPORT_TIMEOUT", 30*time.Minute),
			Notify:         getEnvAsBool("WATCH_NOTIFY", false),
		},
		Omero: OmeroConfig{
			Username:   getEnv("OMERO_USER", ""),
			Password:   getEnv("OMERO_PASS", ""),
			TargetUser: getEnv("OMERO_TARGET_USER", ""),
			Project:    getEnv("OMERO_PROJECT", ""),
			Dataset:    getEnv("OMERO_DATASET", ""),
			Container:  getEnv("OMERO_CONTAINER", "docker-omero-omeroserver-1"),
			OmeroBin:   getEnv("OMERO_BIN", "/opt/omero/server/venv3/bin/omero"),
			Host:       getEnv("OMERO_HOST", "localhost"),
			WebURL:     getEnv("OMERO_WEB_URL", ""),
		},
		Ledger: LedgerConfig{
			Path: getEnv("LEDGER_PATH", "./omero-ingest.db"),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if s := constants.NormalizeSuffix(part); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Watch.Dir == "" {
		return NewAppError("CONFIG_ERROR", "WATCH_DIR is required", ErrInvalidInput)
	}
	if c.Watch.QuarantineDir == "" {
		c.Watch.QuarantineDir = filepath.Join(c.Watch.Dir, constants.DefaultQuarantineDir)
	}
	switch c.Watch.Cleanup {
	case CleanupDelete, CleanupArchive, CleanupKeep:
	default:
		return NewAppError("CONFIG_ERROR", "CLEANUP_MODE must be delete, archive, or keep", ErrInvalidInput)
	}
	if c.Watch.Cleanup == CleanupArchive && c.Watch.ArchiveDir == "" {
		return NewAppError("CONFIG_ERROR", "ARCHIVE_DIR is required when CLEANUP_MODE=archive", ErrInvalidInput)
	}
	if c.Omero.Username == "" || c.Omero.Password == "" {
		return NewAppError("CONFIG_ERROR", "OMERO_USER and OMERO_PASS are required", ErrInvalidInput)
	}
	// A project can only hold images through a dataset.
	if c.Omero.Project != "" && c.Omero.Dataset == "" {
		return NewAppError("CONFIG_ERROR", "OMERO_DATASET is required when OMERO_PROJECT is set", ErrInvalidInput)
	}
	if c.Omero.TargetUser == "" {
		c.Omero.TargetUser = c.Omero.Username
	}
	if c.Watch.SettleInterval <= 0 || c.Watch.PollInterval <= 0 {
		return NewAppError("CONFIG_ERROR", "poll and settle intervals must be positive", ErrInvalidInput)
	}
	return nil
}
