package storage

import (
	"bytes"
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or its TTL has passed
var ErrNotFound = errors.New("storage: key not found")

// Backend is the shared key-value substrate every ledger record lives in.
// Implementations must make PutIfAbsent atomic across processes.
type Backend interface {
	// Get returns the stored bytes or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes unconditionally
	Put(ctx context.Context, key string, value []byte) error

	// PutIfAbsent writes only when the key does not exist or has expired.
	// A ttl of zero means the record never expires.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes a key; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error

	// List returns every live key starting with prefix, sorted
	List(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// ConditionalDeleter is implemented by backends that can delete a key only
// while it still holds the expected bytes
type ConditionalDeleter interface {
	DeleteIfEqual(ctx context.Context, key string, expected []byte) (bool, error)
}

// DeleteIfEqual deletes key if its live value is expected and reports
// whether it did. Backends without a conditional delete are read, compared
// and then deleted, which leaves a short window in which a record written
// after the read is removed.
func DeleteIfEqual(ctx context.Context, b Backend, key string, expected []byte) (bool, error) {
	if cd, ok := b.(ConditionalDeleter); ok {
		return cd.DeleteIfEqual(ctx, key, expected)
	}
	current, err := b.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(current, expected) {
		return false, nil
	}
	return true, b.Delete(ctx, key)
}

// Config holds storage configuration
type Config struct {
	Backend   string `mapstructure:"backend" yaml:"backend"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
	Compress  bool   `mapstructure:"compress" yaml:"compress"`

	File     FileConfig     `mapstructure:"file" yaml:"file"`
	DynamoDB DynamoDBConfig `mapstructure:"dynamodb" yaml:"dynamodb"`
	S3       S3Config       `mapstructure:"s3" yaml:"s3"`
	GCS      GCSConfig      `mapstructure:"gcs" yaml:"gcs"`
	Azure    AzureConfig    `mapstructure:"azure" yaml:"azure"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// FileConfig configures the local directory backend
type FileConfig struct {
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// DynamoDBConfig configures the DynamoDB backend
type DynamoDBConfig struct {
	Table   string `mapstructure:"table" yaml:"table"`
	Region  string `mapstructure:"region" yaml:"region"`
	Profile string `mapstructure:"profile" yaml:"profile"`
}

// S3Config configures the S3 backend
type S3Config struct {
	Bucket  string `mapstructure:"bucket" yaml:"bucket"`
	Prefix  string `mapstructure:"prefix" yaml:"prefix"`
	Region  string `mapstructure:"region" yaml:"region"`
	Profile string `mapstructure:"profile" yaml:"profile"`
}

// GCSConfig configures the Google Cloud Storage backend
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
}

// AzureConfig configures the Azure Blob backend
type AzureConfig struct {
	AccountName string `mapstructure:"account_name" yaml:"account_name"`
	AccountKey  string `mapstructure:"account_key" yaml:"account_key"`
	Container   string `mapstructure:"container" yaml:"container"`
	Prefix      string `mapstructure:"prefix" yaml:"prefix"`
}

// RedisConfig configures the Redis backend
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// PostgresConfig configures the PostgreSQL backend
type PostgresConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

func expired(expiresAt time.Time, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

func expiryFor(ttl time.Duration, now time.Time) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
