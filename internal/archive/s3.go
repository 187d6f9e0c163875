package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"cruisesync/internal/config"
)

// Archiver stores raw downloaded payloads for traceability.
type Archiver interface {
	Store(ctx context.Context, key string, body []byte) error
}

// S3Archiver copies raw cruise files to an S3 bucket, keyed by their remote
// path. Archival is best-effort; failures never fail the file update.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3 builds the archiver from config. Returns nil when no bucket is
// configured; callers treat a nil archiver as disabled.
func NewS3(ctx context.Context, cfg config.Config) (*S3Archiver, error) {
	if cfg.ArchiveS3Bucket == "" {
		return nil, nil
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveS3Endpoint,
					HostnameImmutable: cfg.ArchiveS3PathStyle,
					SigningRegion:     cfg.ArchiveS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	})
	return &S3Archiver{client: client, bucket: cfg.ArchiveS3Bucket}, nil
}

func (a *S3Archiver) Store(ctx context.Context, key string, body []byte) error {
	key = strings.TrimPrefix(key, "/")
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	return nil
}
