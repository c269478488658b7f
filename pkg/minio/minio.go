package minio

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// Config describes the S3-compatible bucket holding answer scripts.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Prefix    string
}

// Service stores scripts in a MinIO (or any S3-compatible) bucket.
type Service struct {
	client *minio.Client
	bucket string
	prefix string
	logger zerolog.Logger
}

// New connects to the endpoint. It does not touch the bucket; call EnsureBucket at startup.
func New(cfg Config, logger zerolog.Logger) (*Service, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint, credentials and bucket must be provided")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio: %w", err)
	}

	return &Service{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger.With().Str("component", "minio").Logger(),
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Service) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	s.logger.Info().Str("bucket", s.bucket).Msg("bucket created")
	return nil
}

// Upload stores the script and returns its object URL.
func (s *Service) Upload(ctx context.Context, name string, reader io.Reader) (string, error) {
	key := objectKey(s.prefix, name)

	size := int64(-1)
	if sized, ok := reader.(interface{ Len() int }); ok {
		size = int64(sized.Len())
	}

	info, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType(name),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload script: %w", err)
	}

	s.logger.Info().Str("key", info.Key).Int64("bytes", info.Size).Msg("script uploaded to minio")

	return objectURL(s.client.EndpointURL(), s.bucket, key), nil
}

func objectKey(prefix, name string) string {
	cleaned := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if prefix == "" {
		return cleaned
	}
	return prefix + "/" + cleaned
}

func objectURL(endpoint *url.URL, bucket, key string) string {
	u := *endpoint
	u.Path = path.Join("/", bucket, key)
	return u.String()
}

func contentType(name string) string {
	if strings.EqualFold(path.Ext(name), ".pdf") {
		return "application/pdf"
	}
	return "application/octet-stream"
}
