// Package mirror copies finished captures to an S3 bucket.
package mirror

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bookget/capture/internal/utils"
	"github.com/rs/zerolog"

	captureconfig "github.com/bookget/capture/internal/config"
)

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type S3Mirror struct {
	bucket   string
	prefix   string
	uploader uploader
	log      zerolog.Logger
}

func New(ctx context.Context, cfg captureconfig.MirrorConfig) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("mirror bucket must not be empty")
	}
	opts := []func(*config.LoadOptions) error{config.WithRetryMode("adaptive")}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %v", err)
	}
	client := s3.NewFromConfig(awsCfg)
	up := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 8 * 1024 * 1024
		u.Concurrency = 2
	})
	return newWithUploader(cfg, up), nil
}

func newWithUploader(cfg captureconfig.MirrorConfig, up uploader) *S3Mirror {
	return &S3Mirror{
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		uploader: up,
		log:      utils.GetLogger("mirror"),
	}
}

// Key maps a local capture to its object key.
func (m *S3Mirror) Key(localPath string) string {
	name := filepath.Base(localPath)
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}

func (m *S3Mirror) Upload(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("error opening capture for upload: %v", err)
	}
	defer f.Close()

	key := m.Key(localPath)
	input := &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   f,
	}
	if ct := mime.TypeByExtension(filepath.Ext(localPath)); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if _, err := m.uploader.Upload(ctx, input); err != nil {
		m.log.Error().Str("op", "mirror/upload").Err(err).Msgf("Failed to upload %s", localPath)
		return fmt.Errorf("error uploading to s3://%s/%s: %v", m.bucket, key, err)
	}
	m.log.Debug().Str("op", "mirror/upload").Msgf("Uploaded s3://%s/%s", m.bucket, key)
	return nil
}
