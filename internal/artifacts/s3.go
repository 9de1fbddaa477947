package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type Config struct {
	S3EndpointURL     string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
}

func NewS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*aws_config.LoadOptions) error{
		aws_config.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		opts = append(opts, aws_config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}

	awsCfg, err := aws_config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.S3EndpointURL)
			// MinIO and similar stores need path-style addressing.
			o.UsePathStyle = true
		}
	}), nil
}

// Fetcher copies model artifacts from a bucket into the local model directory.
type Fetcher struct {
	downloader *manager.Downloader
	bucket     string
	prefix     string
}

func NewFetcher(client manager.DownloadAPIClient, bucket, prefix string) *Fetcher {
	return &Fetcher{
		downloader: manager.NewDownloader(client),
		bucket:     bucket,
		prefix:     prefix,
	}
}

// FetchMissing downloads each file that is not already present in dir.
// Objects missing from the bucket are skipped; other failures are returned
// together after every file has been attempted.
func (f *Fetcher) FetchMissing(ctx context.Context, dir string, files ...string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	var errs []error
	for _, name := range files {
		localPath := filepath.Join(dir, name)
		if _, err := os.Stat(localPath); err == nil {
			slog.Debug("artifact already present, skipping download", "path", localPath)
			continue
		}

		key := path.Join(f.prefix, name)
		err := f.download(ctx, key, localPath)
		switch {
		case err == nil:
			slog.Info("downloaded model artifact", "bucket", f.bucket, "key", key, "path", localPath)
		case isNotFound(err):
			slog.Warn("model artifact not found in bucket", "bucket", f.bucket, "key", key)
		default:
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (f *Fetcher) download(ctx context.Context, key, localPath string) error {
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", localPath, err)
	}
	defer os.Remove(tmp.Name())

	_, err = f.downloader.Download(ctx, tmp, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to download file s3://%s/%s: %w", f.bucket, key, err)
	}

	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return fmt.Errorf("failed to move download into place at %s: %w", localPath, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
