package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// objectExpiresMeta is the user metadata key carrying the expiry as unix seconds
const objectExpiresMeta = "expires-at"

// S3API is the part of the S3 client the backend uses
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Backend stores one object per key. Create-if-absent uses conditional
// writes (If-None-Match: *); taking over an expired record uses If-Match on
// the stale ETag so two contenders cannot both win.
type S3Backend struct {
	client S3API
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Backend loads AWS configuration and creates the backend
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 backend requires a bucket")
	}
	awsCfg, err := loadAWSConfig(ctx, cfg.Region, cfg.Profile)
	if err != nil {
		return nil, err
	}
	return NewS3BackendWithClient(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
}

// NewS3BackendWithClient creates the backend around an existing client
func NewS3BackendWithClient(client S3API, bucket, prefix string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

func (b *S3Backend) objectKey(key string) string {
	return b.prefix + key
}

// Get downloads an object
func (b *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer out.Body.Close()

	if expired(metadataExpiry(out.Metadata, objectExpiresMeta), b.now()) {
		return nil, ErrNotFound
	}
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", key, err)
	}
	return data, nil
}

// Put uploads an object unconditionally
func (b *S3Backend) Put(ctx context.Context, key string, value []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.objectKey(key)),
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

// PutIfAbsent uploads only when the object does not exist or has expired
func (b *S3Backend) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := b.now()
	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.objectKey(key)),
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	}
	if exp := expiryFor(ttl, now); !exp.IsZero() {
		input.Metadata = map[string]string{objectExpiresMeta: strconv.FormatInt(exp.Unix(), 10)}
	}

	_, err := b.client.PutObject(ctx, input)
	if err == nil {
		return true, nil
	}
	if !isS3PreconditionFailed(err) {
		return false, fmt.Errorf("s3 conditional put %s: %w", key, err)
	}

	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3 head %s: %w", key, err)
	}
	if !expired(metadataExpiry(head.Metadata, objectExpiresMeta), now) {
		return false, nil
	}

	input.IfNoneMatch = nil
	input.IfMatch = head.ETag
	input.Body = bytes.NewReader(value)
	if _, err := b.client.PutObject(ctx, input); err != nil {
		if isS3PreconditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3 replace expired %s: %w", key, err)
	}
	return true, nil
}

// Delete removes an object; S3 deletes are idempotent
func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}
	return nil
}

// List pages through ListObjectsV2. Expiry is not visible in listings, so
// expired TTL records may be listed; only lock records carry a TTL and
// those are never listed by the ledger.
func (b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.objectKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), b.prefix))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op
func (b *S3Backend) Close() error {
	return nil
}

func metadataExpiry(meta map[string]string, name string) time.Time {
	for k, v := range meta {
		if !strings.EqualFold(k, name) {
			continue
		}
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil || sec == 0 {
			return time.Time{}
		}
		return time.Unix(sec, 0)
	}
	return time.Time{}
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func isS3PreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}
