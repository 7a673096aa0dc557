package source

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/mediacache/mediacache/internal/config"
	"github.com/mediacache/mediacache/internal/logging"
	mcerrors "github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/retry"
	"github.com/mediacache/mediacache/pkg/types"
)

// S3API is the subset of the S3 client the source uses.
type S3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 browses a bucket prefix as if it were a directory tree, using "/" as
// the separator. It never writes.
type S3 struct {
	client  S3API
	bucket  string
	prefix  string
	retry   *retry.Retryer
	logger  *zap.Logger
	metrics types.MetricsCollector
}

var _ types.Source = (*S3)(nil)

// NewS3 builds an S3 client from cfg. Without static credentials the default
// AWS credential chain is used.
func NewS3(ctx context.Context, cfg config.S3Config, logger *zap.Logger, metrics types.MetricsCollector) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, mcerrors.Wrap(err, mcerrors.ErrCodeInvalidConfig, "failed to load AWS config").
			WithComponent("source").WithOperation("NewS3")
	}

	// Transient failures are retried by the source itself, see WithRetry.
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.Retryer = aws.NopRetryer{}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})
	src := NewS3WithClient(client, cfg.Bucket, cfg.Prefix, logger, metrics)
	if cfg.MaxAttempts > 0 {
		rc := retry.DefaultConfig()
		rc.MaxAttempts = cfg.MaxAttempts
		src.WithRetry(retry.New(rc))
	}
	return src, nil
}

// NewS3WithClient wraps an existing client.
func NewS3WithClient(client S3API, bucket, prefix string, logger *zap.Logger, metrics types.MetricsCollector) *S3 {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	s := &S3{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		logger:  logging.Component(logger, "source.s3").With(zap.String("bucket", bucket)),
		metrics: types.OrNop(metrics),
	}
	s.WithRetry(retry.New(retry.DefaultConfig()))
	return s
}

// WithRetry replaces the retry policy for transient S3 failures. Not found
// and permission errors are never retried.
func (s *S3) WithRetry(r *retry.Retryer) *S3 {
	s.retry = r.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		s.metrics.RecordError("s3_retry", err)
		s.logger.Warn("retrying S3 request",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			logging.Err(err))
	})
	return s
}

// ListDirectory lists one level under dir. Common prefixes become
// subdirectories; objects become media entries when their extension is known.
func (s *S3) ListDirectory(ctx context.Context, dir string) (*types.Listing, error) {
	start := time.Now()
	rel, err := cleanRel(dir)
	if err != nil {
		return nil, err
	}
	keyPrefix := s.keyFor(rel)
	if keyPrefix != "" {
		keyPrefix += "/"
	}

	listing := &types.Listing{
		Directory:      rel,
		Subdirectories: []types.Entry{},
		MediaEntries:   []types.Entry{},
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(keyPrefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := s.retry.Do(ctx, func(ctx context.Context) error {
			out, err := paginator.NextPage(ctx)
			if err != nil {
				return translateS3Error(err, "ListDirectory", keyPrefix)
			}
			page = out
			return nil
		})
		if err != nil {
			s.metrics.RecordOperation("list_directory", time.Since(start), 0, false)
			return nil, err
		}

		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), keyPrefix), "/")
			if name == "" || strings.HasPrefix(name, ".") {
				continue
			}
			listing.Subdirectories = append(listing.Subdirectories, types.Entry{
				Name: name,
				Kind: types.KindDirectory,
				Path: joinRel(rel, name),
			})
		}

		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), keyPrefix)
			if name == "" || strings.Contains(name, "/") || strings.HasPrefix(name, ".") {
				continue
			}
			mt := types.MediaTypeFromName(name)
			if mt == types.MediaOther {
				continue
			}
			listing.MediaEntries = append(listing.MediaEntries, types.Entry{
				Name:       name,
				Kind:       types.KindFile,
				Path:       joinRel(rel, name),
				Size:       aws.ToInt64(obj.Size),
				ModifiedAt: aws.ToTime(obj.LastModified),
				MediaType:  mt,
			})
		}
	}

	sortEntries(listing.Subdirectories)
	sortEntries(listing.MediaEntries)
	s.metrics.RecordOperation("list_directory", time.Since(start), 0, true)
	return listing, nil
}

// ReadFileBytes downloads the object behind entry.
func (s *S3) ReadFileBytes(ctx context.Context, entry types.Entry) ([]byte, error) {
	start := time.Now()
	rel, err := cleanRel(entry.Path)
	if err != nil {
		return nil, err
	}
	key := s.keyFor(rel)

	var data []byte
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return translateS3Error(err, "ReadFileBytes", key)
		}
		defer result.Body.Close()

		body, err := io.ReadAll(result.Body)
		if err != nil {
			return mcerrors.Wrap(err, mcerrors.ErrCodeStorageRead, "failed to read object body").
				WithComponent("source").WithOperation("ReadFileBytes").WithDetail("key", key)
		}
		data = body
		return nil
	})
	if err != nil {
		s.metrics.RecordOperation("read_file", time.Since(start), 0, false)
		return nil, err
	}
	s.metrics.RecordOperation("read_file", time.Since(start), int64(len(data)), true)
	s.logger.Debug("read object", zap.String("key", key), zap.Int("bytes", len(data)))
	return data, nil
}

func (s *S3) keyFor(rel string) string {
	if rel == "." {
		return strings.TrimSuffix(s.prefix, "/")
	}
	return s.prefix + rel
}

func translateS3Error(err error, operation, key string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	code := mcerrors.ErrCodeStorageRead
	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NoSuchBucket](err), isErrorType[*s3types.NotFound](err):
		code = mcerrors.ErrCodeFileNotFound
	default:
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "NoSuchKey", "NoSuchBucket", "NotFound":
				code = mcerrors.ErrCodeFileNotFound
			case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AllAccessDisabled":
				code = mcerrors.ErrCodePermissionDenied
			}
		}
	}
	return mcerrors.Wrap(err, code, operation+" failed").
		WithComponent("source").
		WithOperation(operation).
		WithDetail("key", key)
}

func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
