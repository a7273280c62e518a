package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config holds the settings for an S3-compatible object store.
type S3Config struct {
	BucketName string `json:"bucket_name"`
	Region     string `json:"region"`
	Endpoint   string `json:"endpoint"`
	AccessKey  string `json:"access_key"`
	SecretKey  string `json:"secret_key"`
	// Prefix is prepended to every key, so one bucket can host multiple
	// sync roots.
	Prefix string `json:"prefix"`
}

// S3Store implements Store against an S3-compatible bucket.
type S3Store struct {
	client *s3.Client
	cfg    *S3Config
}

func NewS3Store(client *s3.Client, cfg *S3Config) *S3Store {
	return &S3Store{client: client, cfg: cfg}
}

// NewS3StoreWithConfig builds the SDK client from config. The SDK's own retry
// is disabled; retry policy belongs to the sync engine's retry executor.
func NewS3StoreWithConfig(ctx context.Context, cfg *S3Config) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		config.WithRegion(cfg.Region),
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3Store(client, cfg), nil
}

func (s *S3Store) fullKey(key string) string {
	if s.cfg.Prefix == "" {
		return key
	}
	return path.Join(s.cfg.Prefix, key)
}

func (s *S3Store) relKey(fullKey string) string {
	if s.cfg.Prefix == "" {
		return fullKey
	}
	return strings.TrimPrefix(strings.TrimPrefix(fullKey, s.cfg.Prefix), "/")
}

func (s *S3Store) List(ctx context.Context, root string) ([]*Object, error) {
	prefix := s.fullKey(root)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var objects []*Object
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.cfg.BucketName,
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error(err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			objects = append(objects, &Object{
				Key:          strings.TrimPrefix(s.relKey(key), strings.Trim(root, "/")+"/"),
				ID:           key,
				Size:         aws.ToInt64(obj.Size),
				Checksum:     cleanETag(aws.ToString(obj.ETag)),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}

	return objects, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (*Object, error) {
	fullKey := s.fullKey(key)
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.cfg.BucketName,
		Key:    &fullKey,
	})
	if err != nil {
		return nil, mapS3Error(err)
	}

	return &Object{
		Key:          key,
		ID:           fullKey,
		Size:         aws.ToInt64(resp.ContentLength),
		Checksum:     cleanETag(aws.ToString(resp.ETag)),
		LastModified: aws.ToTime(resp.LastModified),
	}, nil
}

func (s *S3Store) Upload(ctx context.Context, key string, body io.Reader, size int64) (*Object, error) {
	fullKey := s.fullKey(key)
	resp, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.cfg.BucketName,
		Key:           &fullKey,
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return nil, mapS3Error(err)
	}

	// PutObjectOutput carries no LastModified
	return &Object{
		Key:          key,
		ID:           fullKey,
		Size:         size,
		Checksum:     cleanETag(aws.ToString(resp.ETag)),
		LastModified: time.Now().UTC(),
	}, nil
}

func (s *S3Store) Download(ctx context.Context, key string) (io.ReadCloser, *Object, error) {
	fullKey := s.fullKey(key)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket:       &s.cfg.BucketName,
		Key:          &fullKey,
		ChecksumMode: types.ChecksumModeEnabled,
	})
	if err != nil {
		return nil, nil, mapS3Error(err)
	}

	obj := &Object{
		Key:          key,
		ID:           fullKey,
		Size:         aws.ToInt64(resp.ContentLength),
		Checksum:     cleanETag(aws.ToString(resp.ETag)),
		LastModified: aws.ToTime(resp.LastModified),
	}
	return resp.Body, obj, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	fullKey := s.fullKey(key)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.cfg.BucketName,
		Key:    &fullKey,
	})
	if err != nil {
		err = mapS3Error(err)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func cleanETag(etag string) string {
	return strings.ToLower(strings.ReplaceAll(etag, `"`, ""))
}

// mapS3Error folds SDK errors into the package taxonomy.
func mapS3Error(err error) error {
	if err == nil {
		return nil
	}

	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, err)
		case http.StatusForbidden, http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrPermissionDenied, err)
		case http.StatusTooManyRequests:
			directive := ""
			if resp := respErr.HTTPResponse(); resp != nil {
				directive = resp.Header.Get("Retry-After")
			}
			return &RateLimitError{Directive: directive}
		case http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied":
			return fmt.Errorf("%w: %s", ErrPermissionDenied, err)
		case "SlowDown", "TooManyRequests":
			return &RateLimitError{}
		case "ServiceUnavailable", "InternalError":
			return fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
	}

	return fmt.Errorf("%w: %s", ErrUnknown, err)
}
