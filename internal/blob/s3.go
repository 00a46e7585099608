package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/vonshlovens/fieldsync/internal/model"
)

// S3Config configures the S3 uploader
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // S3-compatible services (MinIO etc.)
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	UsePathStyle    bool
}

// objectAPI is the part of the S3 client the uploader needs
type objectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader stores files in a bucket. Objects are content-addressed, so
// uploading the same file twice is a cheap HEAD.
type S3Uploader struct {
	client objectAPI
	bucket string
	prefix string
}

// NewS3Uploader builds an uploader from static or ambient AWS credentials
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3Uploader{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Upload stores the file at path and returns its key
func (u *S3Uploader) Upload(ctx context.Context, t model.EntityType, path string) (string, error) {
	d, err := DigestFile(path)
	if err != nil {
		return "", err
	}
	key := Key(u.prefix, t, d)

	_, err = u.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		slog.Debug("blob already uploaded", "key", key)
		return key, nil
	}
	var notFound *s3types.NotFound
	if !errors.As(err, &notFound) {
		return "", fmt.Errorf("S3 head object failed: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(d.Size),
		ContentType:   aws.String(d.ContentType),
		Metadata:      map[string]string{"sha256": d.SHA256},
	})
	if err != nil {
		return "", fmt.Errorf("S3 put object failed: %w", err)
	}

	slog.Info("uploaded blob", "key", key, "size", d.Size, "content_type", d.ContentType)
	return key, nil
}
