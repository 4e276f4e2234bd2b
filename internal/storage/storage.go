package storage

import (
	"context"
	"fmt"
)

// Backend names accepted by New
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendDynamoDB = "dynamodb"
	BackendS3       = "s3"
	BackendGCS      = "gcs"
	BackendAzure    = "azure"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// New creates the configured backend, wrapped with compression when enabled
func New(ctx context.Context, cfg Config) (Backend, error) {
	backend, err := open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if !cfg.Compress {
		return backend, nil
	}
	compressed, err := NewCompressed(backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return compressed, nil
}

func open(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Backend {
	case BackendMemory:
		return NewMemory(), nil
	case BackendFile, "":
		return NewFileBackend(cfg.File.BaseDir)
	case BackendDynamoDB:
		return NewDynamoDBBackend(ctx, cfg.DynamoDB)
	case BackendS3:
		return NewS3Backend(ctx, cfg.S3)
	case BackendGCS:
		return NewGCSBackend(ctx, cfg.GCS)
	case BackendAzure:
		return NewAzureBackend(cfg.Azure)
	case BackendRedis:
		return NewRedisBackend(ctx, cfg.Redis)
	case BackendPostgres:
		return NewPostgresBackend(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Backends lists the names New accepts
func Backends() []string {
	return []string{BackendMemory, BackendFile, BackendDynamoDB, BackendS3, BackendGCS, BackendAzure, BackendRedis, BackendPostgres}
}
