// Package config loads runner configuration from the environment, with an
// optional TOML file as a base layer.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Snapshot backend names accepted by ROLLUPD_SNAPSHOT_BACKEND.
const (
	BackendFS       = "fs"
	BackendS3       = "s3"
	BackendPostgres = "postgres"
)

type Config struct {
	NATSURL      string `toml:"nats_url"`      // ROLLUPD_NATS_URL (default "nats://127.0.0.1:4222")
	InputStream  string `toml:"input_stream"`  // ROLLUPD_INPUT_STREAM (default "rollup-inputs")
	InputSubject string `toml:"input_subject"` // ROLLUPD_INPUT_SUBJECT (default "rollup.inputs")
	ClaimStream  string `toml:"claim_stream"`  // ROLLUPD_CLAIM_STREAM (default "rollup-claims")
	ClaimSubject string `toml:"claim_subject"` // ROLLUPD_CLAIM_SUBJECT (default "rollup.claims")

	SessionAddr string `toml:"session_addr"` // ROLLUPD_SESSION_ADDR (default "127.0.0.1:5010")
	SessionID   string `toml:"session_id"`   // ROLLUPD_SESSION_ID (default "default")

	SnapshotBackend string `toml:"snapshot_backend"` // ROLLUPD_SNAPSHOT_BACKEND (fs|s3|postgres, default fs)
	SnapshotDir     string `toml:"snapshot_dir"`     // ROLLUPD_SNAPSHOT_DIR (fs/postgres data dir)
	S3Bucket        string `toml:"s3_bucket"`        // ROLLUPD_S3_BUCKET (required for s3)
	S3Prefix        string `toml:"s3_prefix"`        // ROLLUPD_S3_PREFIX (default "snapshots")
	S3Region        string `toml:"s3_region"`        // ROLLUPD_S3_REGION (default "us-east-1")
	S3Endpoint      string `toml:"s3_endpoint"`      // ROLLUPD_S3_ENDPOINT (custom endpoint for MinIO)
	DatabaseURL     string `toml:"database_url"`     // ROLLUPD_DATABASE_URL (required for postgres)

	SnapshotRetain int           `toml:"snapshot_retain"` // ROLLUPD_SNAPSHOT_RETAIN (default 2; fs GC)
	GCInterval     time.Duration `toml:"-"`               // ROLLUPD_GC_INTERVAL (default 10m; 0 = disabled)

	MetricsAddr string `toml:"metrics_addr"` // ROLLUPD_METRICS_ADDR (default ":9900"; empty = disabled)
}

// Load builds the configuration. When ROLLUPD_CONFIG names a TOML file it is
// decoded first; environment variables override file values.
func Load() (*Config, error) {
	c := &Config{}

	if path := os.Getenv("ROLLUPD_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return nil, fmt.Errorf("ROLLUPD_CONFIG: %w", err)
		}
		if raw := fileGCInterval(path); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("gc_interval in %s: %w", path, err)
			}
			c.GCInterval = d
		}
	}

	overlay(&c.NATSURL, "ROLLUPD_NATS_URL", "nats://127.0.0.1:4222")
	overlay(&c.InputStream, "ROLLUPD_INPUT_STREAM", "rollup-inputs")
	overlay(&c.InputSubject, "ROLLUPD_INPUT_SUBJECT", "rollup.inputs")
	overlay(&c.ClaimStream, "ROLLUPD_CLAIM_STREAM", "rollup-claims")
	overlay(&c.ClaimSubject, "ROLLUPD_CLAIM_SUBJECT", "rollup.claims")
	overlay(&c.SessionAddr, "ROLLUPD_SESSION_ADDR", "127.0.0.1:5010")
	overlay(&c.SessionID, "ROLLUPD_SESSION_ID", "default")
	overlay(&c.SnapshotBackend, "ROLLUPD_SNAPSHOT_BACKEND", BackendFS)
	overlay(&c.SnapshotDir, "ROLLUPD_SNAPSHOT_DIR", "/var/lib/rollupd/snapshots")
	overlay(&c.S3Bucket, "ROLLUPD_S3_BUCKET", "")
	overlay(&c.S3Prefix, "ROLLUPD_S3_PREFIX", "snapshots")
	overlay(&c.S3Region, "ROLLUPD_S3_REGION", "us-east-1")
	overlay(&c.S3Endpoint, "ROLLUPD_S3_ENDPOINT", "")
	overlay(&c.DatabaseURL, "ROLLUPD_DATABASE_URL", "")

	if v := os.Getenv("ROLLUPD_SNAPSHOT_RETAIN"); v != "" {
		var retain int
		if _, err := fmt.Sscanf(v, "%d", &retain); err != nil || retain < 0 {
			return nil, fmt.Errorf("ROLLUPD_SNAPSHOT_RETAIN: invalid value %q", v)
		}
		c.SnapshotRetain = retain
	} else if c.SnapshotRetain == 0 {
		c.SnapshotRetain = 2
	}

	if v := os.Getenv("ROLLUPD_GC_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("ROLLUPD_GC_INTERVAL: %w", err)
		}
		c.GCInterval = d
	} else if c.GCInterval == 0 {
		c.GCInterval = 10 * time.Minute
	}

	if v, ok := os.LookupEnv("ROLLUPD_METRICS_ADDR"); ok {
		c.MetricsAddr = v
	} else if c.MetricsAddr == "" {
		c.MetricsAddr = ":9900"
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.SnapshotBackend {
	case BackendFS:
		if c.SnapshotDir == "" {
			return fmt.Errorf("ROLLUPD_SNAPSHOT_DIR is required for the fs backend")
		}
	case BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("ROLLUPD_S3_BUCKET is required for the s3 backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("ROLLUPD_DATABASE_URL is required for the postgres backend")
		}
		if c.SnapshotDir == "" {
			return fmt.Errorf("ROLLUPD_SNAPSHOT_DIR is required for the postgres backend")
		}
	default:
		return fmt.Errorf("ROLLUPD_SNAPSHOT_BACKEND: unknown backend %q", c.SnapshotBackend)
	}
	return nil
}

// overlay sets *dst from the environment, keeping any file-provided value
// and falling back to the default.
func overlay(dst *string, key, fallback string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
		return
	}
	if *dst == "" {
		*dst = fallback
	}
}

// fileGCInterval extracts the raw gc_interval string from the TOML file.
// Durations are strings in the file ("10m"), which toml can't decode into a
// time.Duration directly.
func fileGCInterval(path string) string {
	var raw struct {
		GCInterval string `toml:"gc_interval"`
	}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return ""
	}
	return raw.GCInterval
}
