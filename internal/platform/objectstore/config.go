package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7/pkg/s3utils"

	"github.com/animus-labs/hydraqueue/internal/platform/env"
)

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	BucketSources string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("HYDRAQUEUE_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:      env.String("HYDRAQUEUE_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:     env.String("HYDRAQUEUE_MINIO_ACCESS_KEY", "hydraqueue"),
		SecretKey:     env.String("HYDRAQUEUE_MINIO_SECRET_KEY", "hydraqueueminio"),
		Region:        env.String("HYDRAQUEUE_MINIO_REGION", "us-east-1"),
		UseSSL:        useSSL,
		BucketSources: env.String("HYDRAQUEUE_MINIO_BUCKET_SOURCES", "sources"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if err := s3utils.CheckValidBucketNameStrict(c.BucketSources); err != nil {
		return fmt.Errorf("HYDRAQUEUE_MINIO_BUCKET_SOURCES: %w", err)
	}
	return nil
}
