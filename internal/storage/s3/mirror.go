// Package s3 mirrors stored documents into an S3 or S3-compatible bucket.
package s3

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/pearswick/dumpany/internal/retrieval"
)

// Config captures where and how documents are mirrored.
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// API is the subset of *s3.Client the mirror uses.
type API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Mirror uploads every recorded document to the configured bucket.
type Mirror struct {
	api    API
	bucket string
	prefix string
	logger *zap.Logger
}

// Connect builds an S3 client from cfg and the default AWS credential chain.
// A custom Endpoint switches to path-style addressing for MinIO and friends.
func Connect(ctx context.Context, cfg Config) (*s3.Client, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// New builds a Mirror and checks that the bucket is reachable.
func New(ctx context.Context, api API, cfg Config, logger *zap.Logger) (*Mirror, error) {
	if api == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("s3 bucket %q: %w", cfg.Bucket, err)
	}
	return &Mirror{
		api:    api,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

// ObjectKey maps a document key to its object key under the prefix.
func (m *Mirror) ObjectKey(key string) string {
	if m.prefix == "" {
		return key
	}
	return path.Join(m.prefix, key)
}

// RecordDocument uploads the file at doc.Path.
func (m *Mirror) RecordDocument(ctx context.Context, doc retrieval.Document) error {
	if strings.TrimSpace(doc.Key) == "" {
		return fmt.Errorf("document key is required")
	}
	// #nosec G304 -- doc.Path is produced by the local store under its base directory.
	f, err := os.Open(doc.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", doc.Path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	key := m.ObjectKey(doc.Key)
	in := &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/pdf"),
		Metadata: map[string]string{
			"company_number": doc.CompanyNumber,
			"run_id":         doc.RunID.String(),
			"sha256":         doc.SHA256,
		},
	}
	if doc.Bytes > 0 {
		in.ContentLength = aws.Int64(doc.Bytes)
	}
	if _, err := m.api.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	m.logger.Debug("document mirrored", zap.String("uri", fmt.Sprintf("s3://%s/%s", m.bucket, key)))
	return nil
}
