// Package cdn stores materialized audio on an S3-compatible object store
// and hands back the public URL the telephony provider will fetch at call
// time.
package cdn

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Uploader stores and removes public audio objects.
type Uploader interface {
	// Upload writes body under folder/key and returns the public URL.
	Upload(ctx context.Context, key, contentType string, body []byte) (string, error)
	// Delete removes the object for key. Deleting a missing object is not
	// an error.
	Delete(ctx context.Context, key string) error
}

// Config holds the object-store settings.
type Config struct {
	Endpoint  string // custom endpoint for S3-compatible stores, empty for AWS
	Region    string
	Bucket    string
	Folder    string
	AccessKey string
	SecretKey string
	PublicURL string // base URL assets are served from; defaults to the endpoint
}

type s3Uploader struct {
	client *s3.Client
	cfg    Config
	logger *slog.Logger
}

// NewUploader builds an Uploader against the configured bucket.
func NewUploader(ctx context.Context, cfg Config, logger *slog.Logger) (Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("cdn bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// Most S3-compatible stores want path-style addressing.
			o.UsePathStyle = true
		}
	})

	return &s3Uploader{
		client: client,
		cfg:    cfg,
		logger: logger.With("subsystem", "cdn"),
	}, nil
}

func (u *s3Uploader) objectKey(key string) string {
	if u.cfg.Folder == "" {
		return key
	}
	return strings.TrimSuffix(u.cfg.Folder, "/") + "/" + key
}

func (u *s3Uploader) Upload(ctx context.Context, key, contentType string, body []byte) (string, error) {
	objectKey := u.objectKey(key)
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", objectKey, err)
	}

	url := u.publicURL(objectKey)
	u.logger.Info("audio asset uploaded", "key", objectKey, "bytes", len(body), "url", url)
	return url, nil
}

func (u *s3Uploader) Delete(ctx context.Context, key string) error {
	objectKey := u.objectKey(key)
	_, err := u.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(u.cfg.Bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", objectKey, err)
	}
	u.logger.Info("audio asset deleted", "key", objectKey)
	return nil
}

func (u *s3Uploader) publicURL(objectKey string) string {
	if u.cfg.PublicURL != "" {
		return strings.TrimSuffix(u.cfg.PublicURL, "/") + "/" + objectKey
	}
	if u.cfg.Endpoint != "" {
		return strings.TrimSuffix(u.cfg.Endpoint, "/") + "/" + u.cfg.Bucket + "/" + objectKey
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.cfg.Bucket, u.cfg.Region, objectKey)
}
