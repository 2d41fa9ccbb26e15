package audit

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// S3Uploader wraps the AWS SDK's S3 client, the same way this codebase's R2
// backup client wraps it for Cloudflare R2, generalized to any S3-compatible
// endpoint (a real bucket, MinIO, or R2 itself).
type S3Uploader struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	log      zerolog.Logger
}

// NewS3Uploader loads the default AWS credential chain (env vars, shared
// config, instance profile) and targets bucket.
func NewS3Uploader(ctx context.Context, bucket string, log zerolog.Logger) (*S3Uploader, error) {
	if bucket == "" {
		return nil, fmt.Errorf("audit: bucket must not be empty")
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024
		u.Concurrency = 2
	})
	return &S3Uploader{
		client:   client,
		uploader: uploader,
		bucket:   bucket,
		log:      log.With().Str("component", "audit_s3").Logger(),
	}, nil
}

// Upload satisfies audit.Uploader.
func (u *S3Uploader) Upload(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	_, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("audit: upload %s to s3: %w", key, err)
	}
	u.log.Info().Str("key", key).Int("bytes", len(data)).Msg("audit snapshot archived")
	return nil
}
