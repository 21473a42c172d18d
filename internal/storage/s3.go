package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
)

const (
	// Snapshots larger than this go through the multipart uploader.
	multipartThreshold   = 64 * 1024 * 1024
	multipartPartSize    = 16 * 1024 * 1024
	multipartConcurrency = 4
)

// S3Backend stores objects in an S3 or MinIO bucket.
type S3Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	logger   zerolog.Logger
}

// S3Config holds S3 backend configuration.
type S3Config struct {
	Bucket    string
	Prefix    string // key prefix inside the bucket, e.g. "traveler/"
	Region    string
	Endpoint  string // custom endpoint for MinIO, e.g. "localhost:9000"
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
}

// NewS3Backend creates an S3 client. Credentials fall back to the AWS
// environment variables and then the default credential chain.
func NewS3Backend(cfg *S3Config, logger zerolog.Logger) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}
	log := logger.With().Str("component", "s3-storage").Str("bucket", cfg.Bucket).Logger()

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}

	accessKey, secretKey := cfg.AccessKey, cfg.SecretKey
	if accessKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if secretKey == "" {
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
		log.Info().Msg("Using static credentials for S3")
	} else {
		log.Info().Msg("Using default credential chain for S3")
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			if cfg.UseSSL {
				endpoint = "https://" + endpoint
			} else {
				endpoint = "http://" + endpoint
			}
		}
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
		log.Info().Str("endpoint", endpoint).Msg("Using custom S3 endpoint")
	}
	if cfg.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = multipartPartSize
		u.Concurrency = multipartConcurrency
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		log.Warn().Err(err).Msg("Could not verify bucket exists")
	} else {
		log.Info().Msg("Connected to S3 bucket")
	}

	return &S3Backend{
		client:   client,
		uploader: uploader,
		bucket:   cfg.Bucket,
		prefix:   normalizePrefix(cfg.Prefix),
		logger:   log,
	}, nil
}

func normalizePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

func (b *S3Backend) key(path string) string {
	return b.prefix + strings.TrimPrefix(path, "/")
}

// Write uploads data, switching to multipart above multipartThreshold.
func (b *S3Backend) Write(ctx context.Context, path string, data []byte) error {
	start := time.Now()
	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key(path)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	}

	var err error
	multipart := len(data) >= multipartThreshold
	if multipart {
		_, err = b.uploader.Upload(ctx, input)
	} else {
		input.ContentLength = aws.Int64(int64(len(data)))
		_, err = b.client.PutObject(ctx, input)
	}
	if err != nil {
		b.logger.Error().Err(err).Str("path", path).Int("size", len(data)).Msg("Failed to write to S3")
		return fmt.Errorf("failed to write to S3: %w", err)
	}

	b.logger.Debug().
		Str("path", path).
		Int("size", len(data)).
		Bool("multipart", multipart).
		Dur("duration", time.Since(start)).
		Msg("Wrote to S3")
	return nil
}

// Read downloads the object at path.
func (b *S3Backend) Read(ctx context.Context, path string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(path)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read from S3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}
	return data, nil
}

// List pages through ListObjectsV2 and strips the configured key prefix.
func (b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	objects := []string{}
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list S3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				objects = append(objects, strings.TrimPrefix(*obj.Key, b.prefix))
			}
		}
	}
	slices.Sort(objects)
	return objects, nil
}

// Delete removes the object at path. S3 treats missing keys as deleted.
func (b *S3Backend) Delete(ctx context.Context, path string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(path)),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}
	b.logger.Debug().Str("path", path).Msg("Deleted from S3")
	return nil
}

// Exists issues a HeadObject for path.
func (b *S3Backend) Exists(ctx context.Context, path string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(path)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check S3 object existence: %w", err)
	}
	return true, nil
}

func (b *S3Backend) Close() error { return nil }

// Bucket returns the bucket name.
func (b *S3Backend) Bucket() string { return b.bucket }

func (b *S3Backend) Type() string { return "s3" }

// isS3NotFound recognizes the typed errors GetObject and HeadObject return,
// plus the bare 404 some S3-compatible servers send.
func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NotFound") || strings.Contains(msg, "StatusCode: 404")
}
