package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Options configures S3Store.
//
// Retries are owned by the store: the SDK client is built with
// RetryMaxAttempts=0 so the two retry layers never stack.
type S3Options struct {
	Region  string
	Bucket  string
	Key     string
	Timeout time.Duration // per attempt
	Retries int
}

// S3Store keeps the queue blob as a single S3 object. Hosts with ephemeral
// disks use it so pending reports survive a container replacement.
type S3Store struct {
	opts   S3Options
	client S3API
}

// NewS3Store loads the default AWS configuration for opts.Region.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	})
	return NewS3StoreWithClient(client, opts), nil
}

// NewS3StoreWithClient uses client as is.
func NewS3StoreWithClient(client S3API, opts S3Options) *S3Store {
	if opts.Key == "" {
		opts.Key = DefaultFileName
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	return &S3Store{opts: opts, client: client}
}

func (s *S3Store) Load(ctx context.Context) ([]byte, error) {
	ctx2, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	out, err := s.client.GetObject(ctx2, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.opts.Key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Save puts the blob with retry and exponential backoff capped at 2s.
func (s *S3Store) Save(ctx context.Context, data []byte) error {
	var lastErr error
	backoff := 200 * time.Millisecond

	for attempt := 1; attempt <= s.opts.Retries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.putObject(ctx, data); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt).Str("key", s.opts.Key).Msg("queue s3 put failed")
		}

		if attempt == s.opts.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
	}
	return lastErr
}

func (s *S3Store) putObject(ctx context.Context, data []byte) error {
	ctx2, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	_, err := s.client.PutObject(ctx2, &s3.PutObjectInput{
		Bucket:        aws.String(s.opts.Bucket),
		Key:           aws.String(s.opts.Key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	return err
}

func isNoSuchKey(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
