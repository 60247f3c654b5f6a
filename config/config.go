// Package config provides typed environment-variable loading for the
// reference provider constructors (lock/redis, store/bolt,
// store/couchdb, backup/s3): connection URLs, lease durations, bucket
// names, read under an optional prefix with defaults.
package config

import (
	"os"
	"strconv"
	"time"
)

// EnvConfig reads string/int/bool/duration values from the environment
// under an optional prefix.
type EnvConfig struct {
	prefix string
}

// NewEnvConfig constructs a loader. An empty prefix reads bare variable
// names.
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

func (e *EnvConfig) buildKey(key string) string {
	if e.prefix == "" {
		return key
	}
	return e.prefix + "_" + key
}

// GetString returns the named variable or defaultValue if unset/empty.
func (e *EnvConfig) GetString(key, defaultValue string) string {
	if v := os.Getenv(e.buildKey(key)); v != "" {
		return v
	}
	return defaultValue
}

// GetInt returns the named variable parsed as an int, or defaultValue if
// unset or unparsable.
func (e *EnvConfig) GetInt(key string, defaultValue int) int {
	if v := os.Getenv(e.buildKey(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

// GetBool returns the named variable parsed as a bool, or defaultValue
// if unset or unparsable.
func (e *EnvConfig) GetBool(key string, defaultValue bool) bool {
	if v := os.Getenv(e.buildKey(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetDuration returns the named variable parsed via time.ParseDuration,
// or defaultValue if unset or unparsable.
func (e *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(e.buildKey(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// RedisLockConfig configures the lock/redis reference provider.
type RedisLockConfig struct {
	URL               string
	AcquireTimeout    time.Duration
	HeartbeatInterval time.Duration
	Lease             time.Duration
}

// LoadRedisLockConfig reads a RedisLockConfig from the environment under
// prefix (e.g. prefix="MIGRATOR_LOCK" reads MIGRATOR_LOCK_URL, ...).
func LoadRedisLockConfig(prefix string) RedisLockConfig {
	env := NewEnvConfig(prefix)
	return RedisLockConfig{
		URL:               env.GetString("URL", "redis://localhost:6379/0"),
		AcquireTimeout:    env.GetDuration("ACQUIRE_TIMEOUT", 10*time.Second),
		HeartbeatInterval: env.GetDuration("HEARTBEAT_INTERVAL", 5*time.Second),
		Lease:             env.GetDuration("LEASE", 30*time.Second),
	}
}

// BoltStoreConfig configures the store/bolt reference DataStore.
type BoltStoreConfig struct {
	Path string
}

// LoadBoltStoreConfig reads a BoltStoreConfig from the environment under
// prefix.
func LoadBoltStoreConfig(prefix string) BoltStoreConfig {
	env := NewEnvConfig(prefix)
	return BoltStoreConfig{Path: env.GetString("PATH", "migrator-events.db")}
}

// CouchDBConfig configures the store/couchdb reference DocumentStore.
type CouchDBConfig struct {
	URL      string
	Database string
}

// LoadCouchDBConfig reads a CouchDBConfig from the environment under
// prefix.
func LoadCouchDBConfig(prefix string) CouchDBConfig {
	env := NewEnvConfig(prefix)
	return CouchDBConfig{
		URL:      env.GetString("URL", "http://localhost:5984"),
		Database: env.GetString("DATABASE", "migrator_objects"),
	}
}

// S3BackupConfig configures the backup/s3 reference BackupProvider.
type S3BackupConfig struct {
	Region          string
	Bucket          string
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
	KeyPrefix       string
}

// LoadS3BackupConfig reads an S3BackupConfig from the environment under
// prefix.
func LoadS3BackupConfig(prefix string) S3BackupConfig {
	env := NewEnvConfig(prefix)
	return S3BackupConfig{
		Region:          env.GetString("REGION", "us-east-1"),
		Bucket:          env.GetString("BUCKET", ""),
		EndpointURL:     env.GetString("ENDPOINT_URL", ""),
		AccessKeyID:     env.GetString("ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetString("SECRET_ACCESS_KEY", ""),
		KeyPrefix:       env.GetString("KEY_PREFIX", ""),
	}
}
