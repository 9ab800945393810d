// Package archive stores per-request build reports in object storage.
// Uploads are best effort: a missing or failing archive never alters a
// request's terminal state.
package archive

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/indexforge/indexforge/pkg/errors"
)

// Client provides S3 storage operations for build reports
type Client struct {
	s3Client *s3.Client
	bucket   string
}

// NewClient creates a new S3 client for the archive bucket
func NewClient(ctx context.Context, bucket, region string) (*Client, error) {
	slog.Info("archive_client_init", "bucket", bucket, "region", region)

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &Client{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucket,
	}, nil
}

// Upload stores body under the given key
func (c *Client) Upload(ctx context.Context, key string, body []byte) error {
	slog.Info("archive_upload_start", "bucket", c.bucket, "key", key, "size", len(body))

	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		slog.Error("archive_upload_failed", "key", key, "error", err)
		return errors.Wrap(err, "failed to upload build report")
	}

	slog.Info("archive_upload_complete", "bucket", c.bucket, "key", key)
	return nil
}

// Exists checks if a report exists in the archive
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if err.Error() == "NotFound" {
			slog.Info("archive_report_not_found", "key", key)
			return false, nil
		}
		slog.Error("archive_head_object_failed", "key", key, "error", err)
		return false, errors.Wrap(err, "failed to check report existence")
	}
	return true, nil
}
