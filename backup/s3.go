package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/chatvault/apperr"
	"github.com/mesmerverse/chatvault/config"
)

const (
	archiveSuffix      = ".cbor"
	archiveContentType = "application/cbor"
)

// s3API is the part of *s3.Client the archive store uses.
type s3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3ObjectStore keeps backup archives in one bucket. Only keys ending in
// .cbor are treated as archives.
type S3ObjectStore struct {
	api    s3API
	bucket string
}

var _ ObjectStore = (*S3ObjectStore)(nil)

// NewS3ObjectStore builds a store on the default AWS credential chain.
func NewS3ObjectStore(ctx context.Context, cfg config.S3Config) (*S3ObjectStore, error) {
	if cfg.Bucket == "" {
		return nil, apperr.Validation("NewS3ObjectStore", "backup.s3.bucket is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return newS3ObjectStore(s3.NewFromConfig(awsCfg), cfg.Bucket), nil
}

func newS3ObjectStore(api s3API, bucket string) *S3ObjectStore {
	return &S3ObjectStore{api: api, bucket: bucket}
}

// Get downloads the archive under key. A missing key is a NotFound error.
func (s *S3ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, apperr.NotFound("Get", "no archive %q in bucket %q", key, s.bucket)
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", s.bucket, key, err)
	}
	log.Debug().Str("bucket", s.bucket).Str("key", key).Int("size", len(data)).Msg("Archive downloaded")
	return data, nil
}

// Put uploads an archive. Keys without the archive suffix are rejected so
// that List sees every archive written here.
func (s *S3ObjectStore) Put(ctx context.Context, key string, data []byte) error {
	if !strings.HasSuffix(key, archiveSuffix) {
		return apperr.Validation("Put", "archive key %q must end in %s", key, archiveSuffix)
	}
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(archiveContentType),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	log.Debug().Str("bucket", s.bucket).Str("key", key).Int("size", len(data)).Msg("Archive uploaded")
	return nil
}

// List returns every archive key under prefix, following continuation
// tokens until the listing is complete.
func (s *S3ObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	pages := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			if key := aws.ToString(obj.Key); strings.HasSuffix(key, archiveSuffix) {
				keys = append(keys, key)
			}
		}
	}
	return keys, nil
}
