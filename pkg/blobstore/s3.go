package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hashicorp/go-hclog"
)

// S3API is the subset of the S3 client the store uses. Narrowed for
// mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Store keeps blobs in an S3 bucket under an optional key prefix.
type S3Store struct {
	client S3API
	bucket string
	prefix string
	logger hclog.Logger
}

// S3Config holds configuration for the S3 store.
type S3Config struct {
	Region string
	Bucket string
	Prefix string // optional key prefix, e.g. "evidence/"

	// Endpoint overrides the S3 endpoint (MinIO, localstack).
	Endpoint string

	Client S3API // optional; built from the default AWS config when nil
	Logger hclog.Logger
}

// NewS3Store creates an S3-backed content-addressed store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	client := cfg.Client
	if client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}
		})
	}

	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: cfg.Logger.Named("blobstore-s3"),
	}, nil
}

// Put stores content under its content-addressed key. An object that
// already exists is left untouched.
func (s *S3Store) Put(ctx context.Context, content []byte) (string, error) {
	key := KeyFor(content)

	exists, err := s.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		return key, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.prefix + key),
		Body:        bytes.NewReader(content),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		// A concurrent writer winning the IfNoneMatch race stored the same
		// bytes; the key is still valid.
		var precondition *types.NotFound
		_ = precondition
		if isPreconditionFailed(err) {
			return key, nil
		}
		return "", fmt.Errorf("failed to put blob: %w", err)
	}

	s.logger.Debug("stored blob", "key", key, "size", len(content))
	return key, nil
}

// Get retrieves the blob for a key.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	defer out.Body.Close()

	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob body: %w", err)
	}
	return content, nil
}

// Exists reports whether a blob is stored under the key.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head blob: %w", err)
	}
	return true, nil
}

// isPreconditionFailed detects the 412 returned when IfNoneMatch loses.
func isPreconditionFailed(err error) bool {
	type httpStatus interface{ HTTPStatusCode() int }
	var st httpStatus
	return errors.As(err, &st) && st.HTTPStatusCode() == 412
}
