package migrate

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// BackupUploader copies migration backups to storage outside the venue.
// Uploads are best-effort: rollback always uses the local archive copy.
type BackupUploader interface {
	Upload(ctx context.Context, backupID string, data []byte) error
}

// S3UploaderConfig holds configuration for the S3 backup uploader.
type S3UploaderConfig struct {
	// Bucket is the S3 bucket name.
	Bucket string

	// Region is the AWS region (optional, uses SDK default if empty).
	Region string

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services
	// like MinIO).
	Endpoint string

	// KeyPrefix is prepended to all backup keys ("backups/").
	KeyPrefix string

	// ForcePathStyle forces path-style addressing (MinIO, Localstack).
	ForcePathStyle bool
}

// S3Uploader uploads backups to an S3-compatible bucket.
type S3Uploader struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

// NewS3Uploader creates an uploader with an existing client.
func NewS3Uploader(client *s3.Client, cfg S3UploaderConfig) *S3Uploader {
	return &S3Uploader{client: client, bucket: cfg.Bucket, keyPrefix: cfg.KeyPrefix}
}

// NewS3UploaderFromConfig creates an uploader and its S3 client from config.
func NewS3UploaderFromConfig(ctx context.Context, cfg S3UploaderConfig) (*S3Uploader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewS3Uploader(s3.NewFromConfig(awsCfg, s3Opts...), cfg), nil
}

// Upload implements BackupUploader.
func (u *S3Uploader) Upload(ctx context.Context, backupID string, data []byte) error {
	key := u.keyPrefix + backupID + ".json"
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put backup %s to s3://%s/%s: %w", backupID, u.bucket, key, err)
	}
	return nil
}
