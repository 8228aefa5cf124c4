package export

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ladybirdbrowser/wptsync/pkg/config"
	"github.com/sirupsen/logrus"
)

// s3Sink implements Sink for S3-compatible storage.
type s3Sink struct {
	log    logrus.FieldLogger
	cfg    *config.ExportS3Config
	client *s3.Client
}

// Ensure interface compliance.
var _ Sink = (*s3Sink)(nil)

// NewS3Sink creates a sink that uploads documents to the configured bucket.
func NewS3Sink(log logrus.FieldLogger, cfg *config.ExportS3Config) (Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("export.s3.bucket is required")
	}

	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return &s3Sink{
		log:    log.WithField("component", "s3-sink"),
		cfg:    cfg,
		client: s3.New(s3.Options{}, opts...),
	}, nil
}

func (s *s3Sink) Put(ctx context.Context, key string, data []byte) error {
	if !isSafeKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}

	fullKey := s.objectKey(key)

	s.log.WithFields(logrus.Fields{
		"key":    fullKey,
		"bucket": s.cfg.Bucket,
	}).Debug("Uploading document")

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(detectContentType(key)),
	}); err != nil {
		return fmt.Errorf("PutObject %s: %w", fullKey, err)
	}

	return nil
}

func (s *s3Sink) Location() string {
	return "s3://" + s.cfg.Bucket + "/" + strings.Trim(s.cfg.Prefix, "/")
}

// objectKey places key under the configured prefix.
func (s *s3Sink) objectKey(key string) string {
	prefix := strings.Trim(s.cfg.Prefix, "/")
	if prefix == "" {
		return key
	}

	return prefix + "/" + key
}

// detectContentType returns a MIME type based on the key extension.
func detectContentType(key string) string {
	ext := path.Ext(key)
	if ext == "" {
		return "application/octet-stream"
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}
