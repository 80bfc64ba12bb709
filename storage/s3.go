package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Config holds the object store clips are fetched from. Any S3 compatible
// endpoint works (R2, MinIO).
type S3Config struct {
	AccessKey string
	SecretKey string
	Bucket    string
	Endpoint  string
	Region    string
}

// S3Fetcher downloads raw clips from an S3 compatible bucket.
type S3Fetcher struct {
	config     S3Config
	downloader *s3manager.Downloader
}

// NewS3Fetcher creates a new S3Fetcher instance
func NewS3Fetcher(config S3Config) (*S3Fetcher, error) {
	if config.Region == "" {
		config.Region = "us-east-1"
	}

	awsCfg := &aws.Config{
		Credentials: credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, ""),
		Region:      aws.String(config.Region),
		// Path style addressing keeps custom endpoints working
		S3ForcePathStyle: aws.Bool(true),
	}
	if config.Endpoint != "" {
		awsCfg.Endpoint = aws.String(config.Endpoint)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	// Clips are ~10s of video, a single part each is plenty
	downloader := s3manager.NewDownloader(sess, func(d *s3manager.Downloader) {
		d.PartSize = 16 * 1024 * 1024
		d.Concurrency = 1
	})

	return &S3Fetcher{
		config:     config,
		downloader: downloader,
	}, nil
}

// Bucket returns the configured bucket name.
func (f *S3Fetcher) Bucket() string { return f.config.Bucket }

// FetchTo implements Fetcher. The key is the clip path reported by the
// metadata service.
func (f *S3Fetcher) FetchTo(ctx context.Context, key, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}

	_, err = f.downloader.DownloadWithContext(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(f.config.Bucket),
		Key:    aws.String(key),
	})
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
		return fmt.Errorf("failed to download s3://%s/%s: %w", f.config.Bucket, key, err)
	}
	return nil
}
