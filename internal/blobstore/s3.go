package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"chunkfs/internal/vfs"
)

// DefaultS3Limits follows the DeleteObjects request cap. S3 has no age rule.
var DefaultS3Limits = vfs.BulkLimits{MaxBatch: 1000}

// S3Config holds configuration for the S3 blob store.
type S3Config struct {
	Bucket string

	// Region is the AWS region (optional, uses SDK default if empty).
	Region string

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services).
	Endpoint string

	// KeyPrefix is prepended to every blob key. Should end with "/" if non-empty.
	KeyPrefix string

	// ForcePathStyle forces path-style addressing (required for MinIO).
	ForcePathStyle bool

	// Static credentials; empty uses the SDK default chain.
	AccessKeyID     string
	SecretAccessKey string
}

// s3API is the subset of the S3 client the store calls directly.
type s3API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Store keeps blobs as objects in one bucket.
type S3Store struct {
	client    s3API
	uploader  *manager.Uploader
	bucket    string
	keyPrefix string
	limits    vfs.BulkLimits
	clock     vfs.Clock
}

// NewS3Store creates a store over an existing client.
func NewS3Store(client s3API, cfg S3Config, limits vfs.BulkLimits, clock vfs.Clock) *S3Store {
	if clock == nil {
		clock = vfs.RealClock{}
	}
	return &S3Store{
		client:    client,
		uploader:  manager.NewUploader(client),
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		limits:    limits,
		clock:     clock,
	}
}

// NewS3StoreFromConfig builds the S3 client from cfg and wraps it.
func NewS3StoreFromConfig(ctx context.Context, cfg S3Config, limits vfs.BulkLimits, clock vfs.Clock) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
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
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return NewS3Store(client, cfg, limits, clock), nil
}

func (s *S3Store) key(ref vfs.BlobRef) string {
	return s.keyPrefix + string(ref)
}

// Put uploads data under a fresh reference. The name hint is kept as object
// metadata.
func (s *S3Store) Put(ctx context.Context, name string, data []byte) (vfs.BlobRef, error) {
	ref, err := newRef(s.clock.Now())
	if err != nil {
		return "", err
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(ref)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if name != "" {
		input.Metadata = map[string]string{"chunk-name": name}
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return "", fmt.Errorf("s3 upload: %w", err)
	}
	return ref, nil
}

// Get downloads the object behind ref.
func (s *S3Store) Get(ctx context.Context, ref vfs.BlobRef) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("blob %s: %w", ref, vfs.ErrBlobNotFound)
		}
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3 object body: %w", err)
	}
	return data, nil
}

// DeleteOne removes the object behind ref. S3 reports success for missing
// keys, so ErrBlobNotFound is never returned.
func (s *S3Store) DeleteOne(ctx context.Context, ref vfs.BlobRef) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
	}, noSDKRetries)
	if err != nil {
		if rl := asRateLimit(err); rl != nil {
			return rl
		}
		if isNotFound(err) {
			return fmt.Errorf("blob %s: %w", ref, vfs.ErrBlobNotFound)
		}
		return fmt.Errorf("s3 delete object: %w", err)
	}
	return nil
}

// DeleteBulk removes up to 1000 objects in one DeleteObjects call.
func (s *S3Store) DeleteBulk(ctx context.Context, refs []vfs.BlobRef) error {
	if len(refs) == 0 {
		return nil
	}
	if s.limits.MaxBatch > 0 && len(refs) > s.limits.MaxBatch {
		return fmt.Errorf("bulk delete of %d blobs exceeds limit %d", len(refs), s.limits.MaxBatch)
	}

	objects := make([]types.ObjectIdentifier, len(refs))
	for i, ref := range refs {
		objects[i] = types.ObjectIdentifier{Key: aws.String(s.key(ref))}
	}

	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	}, noSDKRetries)
	if err != nil {
		if rl := asRateLimit(err); rl != nil {
			return rl
		}
		return fmt.Errorf("s3 delete objects: %w", err)
	}

	var failed []string
	for _, e := range out.Errors {
		code := aws.ToString(e.Code)
		switch {
		case code == "NoSuchKey":
		case isThrottleCode(code):
			return &vfs.RateLimitError{}
		default:
			failed = append(failed, aws.ToString(e.Key)+": "+code)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("s3 delete objects: %d failed: %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

func (s *S3Store) BulkLimits() vfs.BulkLimits { return s.limits }

func (s *S3Store) CreatedAt(ref vfs.BlobRef) (time.Time, error) {
	return createdAt(ref)
}

// noSDKRetries leaves throttling to the deletion scheduler, which honors
// the service's wait hint.
func noSDKRetries(o *s3.Options) {
	o.RetryMaxAttempts = 1
}

func isThrottleCode(code string) bool {
	switch code {
	case "SlowDown", "TooManyRequests", "RequestLimitExceeded", "Throttling", "ThrottlingException":
		return true
	}
	return false
}

// asRateLimit converts a throttling response into *vfs.RateLimitError,
// carrying the Retry-After header when the service sent one.
func asRateLimit(err error) *vfs.RateLimitError {
	var apiErr smithy.APIError
	throttled := errors.As(err, &apiErr) && isThrottleCode(apiErr.ErrorCode())

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		throttled = true
	}
	if !throttled {
		return nil
	}

	rl := &vfs.RateLimitError{}
	if respErr != nil && respErr.Response != nil {
		if secs, perr := strconv.Atoi(respErr.Response.Header.Get("Retry-After")); perr == nil && secs > 0 {
			rl.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return rl
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

var _ vfs.BlobStore = (*S3Store)(nil)
