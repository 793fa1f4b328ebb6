package artifacts

import (
	"context"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// StoreType represents the type of artifact storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// Options selects and configures a backend.
type Options struct {
	Type     StoreType `env:"APOFASI_ARTIFACT_STORE"       yaml:"type"`
	Dir      string    `env:"APOFASI_ARTIFACT_DIR"         yaml:"dir"`
	Bucket   string    `env:"APOFASI_ARTIFACT_BUCKET"      yaml:"bucket"`
	Prefix   string    `env:"APOFASI_ARTIFACT_PREFIX"      yaml:"prefix"`
	Region   string    `env:"APOFASI_ARTIFACT_S3_REGION"   yaml:"s3_region"`
	Endpoint string    `env:"APOFASI_ARTIFACT_S3_ENDPOINT" yaml:"s3_endpoint"`
}

// DefaultOptions returns a filesystem store under ./data/artifacts.
func DefaultOptions() Options {
	return Options{Type: StoreTypeFS, Dir: "data/artifacts", Region: "us-east-1"}
}

// NewStoreFromEnv creates an artifact store from APOFASI_ARTIFACT_*
// environment variables layered over DefaultOptions.
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	opts := DefaultOptions()
	if err := env.Parse(&opts); err != nil {
		return nil, fmt.Errorf("parse artifact env: %w", err)
	}
	return NewStore(ctx, opts)
}

// NewStore creates the backend named by opts.Type.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	if opts.Type == "" {
		opts.Type = StoreTypeFS
	}
	switch opts.Type {
	case StoreTypeFS:
		if opts.Dir == "" {
			return nil, fmt.Errorf("APOFASI_ARTIFACT_DIR is required for filesystem storage")
		}
		return NewFileStore(opts.Dir)
	case StoreTypeS3:
		if opts.Bucket == "" {
			return nil, fmt.Errorf("APOFASI_ARTIFACT_BUCKET is required for S3 storage")
		}
		region := opts.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   opts.Bucket,
			Region:   region,
			Endpoint: opts.Endpoint,
			Prefix:   opts.Prefix,
		})
	case StoreTypeGCS:
		if opts.Bucket == "" {
			return nil, fmt.Errorf("APOFASI_ARTIFACT_BUCKET is required for GCS storage")
		}
		return newGCSStore(ctx, opts)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", opts.Type)
	}
}
