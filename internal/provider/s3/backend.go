// Package s3 implements the Provider capability (internal/provider) over an
// S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/repertory/repertory/internal/circuit"
	"github.com/repertory/repertory/internal/metrics"
	"github.com/repertory/repertory/internal/provider"
	apierrors "github.com/repertory/repertory/pkg/errors"
	"github.com/repertory/repertory/pkg/apitypes"
)

// Backend implements provider.Provider over an S3-compatible bucket,
// threading whole-object uploads through CargoShip's optimized transporter.
type Backend struct {
	client *s3.Client
	pool   *ConnectionPool
	config *Config
	logger *slog.Logger

	transporter *cargoships3.Transporter
	metrics     *metrics.Collector
	breaker     *circuit.CircuitBreaker
}

// isRetryableErr reports whether err carries the tagged taxonomy's retryable
// hint (comm_error does, item_not_found/decryption_error don't), so the
// breaker only trips on communication failures, not expected misses.
func isRetryableErr(err error) bool {
	var e *apierrors.Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return err != nil
}

var _ provider.Provider = (*Backend)(nil)

// NewBackend dials the configured bucket and verifies reachability.
func NewBackend(ctx context.Context, cfg *Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, apierrors.ErrInvalidOperation.WithContext("reason", "empty_bucket")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	)
	if err != nil {
		return nil, apierrors.ErrCommError.WithCause(err).WithOperation("load_aws_config")
	}

	newClient := func() *s3.Client {
		return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
			if cfg.UseAccelerate {
				o.UseAccelerate = true
			}
			if cfg.UseDualStack {
				o.UseDualstack = true
			}
		})
	}

	client := newClient()
	pool, err := NewConnectionPool(cfg.PoolSize, func() (*s3.Client, error) {
		return newClient(), nil
	})
	if err != nil {
		return nil, apierrors.ErrOSError.WithCause(err).WithOperation("create_connection_pool")
	}

	logger := slog.Default().With("component", "provider-s3", "bucket", cfg.Bucket)

	var transporter *cargoships3.Transporter
	if cfg.EnableCargoShipOptimization {
		cargoCfg := awsconfig.S3Config{
			Bucket:             cfg.Bucket,
			StorageClass:       awsconfig.StorageClassStandard,
			MultipartThreshold: 32 * 1024 * 1024,
			MultipartChunkSize: 16 * 1024 * 1024,
			Concurrency:        cfg.PoolSize,
		}
		transporter = cargoships3.NewTransporter(client, cargoCfg)
		logger.Info("cargoship upload optimization enabled", "concurrency", cfg.PoolSize)
	}

	breaker := circuit.NewCircuitBreaker("provider-s3:"+cfg.Bucket, circuit.Config{
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		IsSuccessful: func(err error) bool { return !isRetryableErr(err) },
	})

	b := &Backend{client: client, pool: pool, config: cfg, logger: logger, transporter: transporter, breaker: breaker}

	if !b.IsOnline(ctx) {
		return nil, apierrors.ErrCommError.WithOperation("health_check").WithContext("bucket", cfg.Bucket)
	}
	return b, nil
}

// WithMetrics attaches a metrics collector for read/replace timing and size
// observations; nil is safe and leaves metrics disabled.
func (b *Backend) WithMetrics(m *metrics.Collector) *Backend {
	b.metrics = m
	return b
}

func (b *Backend) recordOp(op string, start time.Time, size int64, success bool) {
	if b.metrics == nil {
		return
	}
	b.metrics.RecordOperation(op, time.Since(start), size, success)
}

func (b *Backend) ChunkSize() int64         { return b.config.ChunkSizeBytes }
func (b *Backend) EncryptionToken() string  { return b.config.EncryptionToken }
func (b *Backend) IsDirectOnly() bool       { return false }
func (b *Backend) IsRenameSupported() bool  { return false }

func (b *Backend) IsOnline(ctx context.Context) bool {
	client := b.pool.Get()
	if client == nil {
		return false
	}
	defer b.pool.Put(client)
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.config.Bucket)})
	return err == nil
}

func (b *Backend) TotalSpace(ctx context.Context) (int64, error) {
	// S3 buckets have no fixed quota by default; synthesise a large
	// constant rather than claim an unbounded value FUSE callers must
	// special-case.
	return 1 << 50, nil
}

func (b *Backend) UsedSpace(ctx context.Context) (int64, error) {
	client := b.pool.Get()
	if client == nil {
		return 0, apierrors.ErrCommError.WithOperation("used_space")
	}
	defer b.pool.Put(client)

	var total int64
	var token *string
	for {
		out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.config.Bucket),
			ContinuationToken: token,
		})
		if err != nil {
			return 0, b.translateError(err, "used_space", "")
		}
		for _, obj := range out.Contents {
			total += aws.ToInt64(obj.Size)
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return total, nil
}

func (b *Backend) ListDirectory(ctx context.Context, apiPath apitypes.ApiPath) ([]apitypes.DirectoryEntry, error) {
	client := b.pool.Get()
	if client == nil {
		return nil, apierrors.ErrCommError.WithOperation("list_directory")
	}
	defer b.pool.Put(client)

	prefix := keyForPrefix(apiPath)
	out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.config.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	if err != nil {
		return nil, b.translateError(err, "list_directory", string(apiPath))
	}

	if len(out.Contents) == 0 && len(out.CommonPrefixes) == 0 && apiPath != apitypes.RootPath {
		// Disambiguate "no such directory" from "is a file": a HEAD on the
		// object stored at apiPath's own key tells us which.
		if _, err := client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.config.Bucket), Key: aws.String(string(apiPath)[1:]),
		}); err == nil {
			return nil, apierrors.ErrItemExists.WithContext("reason", "is_a_file")
		}
		return nil, apierrors.ErrDirectoryNotFound
	}

	entries := make([]apitypes.DirectoryEntry, 0, len(out.Contents)+len(out.CommonPrefixes))
	for _, cp := range out.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
		if name == "" {
			continue
		}
		entries = append(entries, apitypes.DirectoryEntry{Name: name, Directory: true})
	}
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		name := strings.TrimPrefix(key, prefix)
		if name == "" || strings.HasSuffix(name, "/.dirmarker") {
			continue
		}
		entries = append(entries, apitypes.DirectoryEntry{Name: name, Directory: false, Size: aws.ToInt64(obj.Size), Key: key})
	}
	return entries, nil
}

func (b *Backend) Stat(ctx context.Context, apiPath apitypes.ApiPath) (apitypes.ApiFile, error) {
	client := b.pool.Get()
	if client == nil {
		return apitypes.ApiFile{}, apierrors.ErrCommError.WithOperation("stat")
	}
	defer b.pool.Put(client)

	key := keyForPath(apiPath)
	out, err := client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.config.Bucket), Key: aws.String(key)})
	if err != nil {
		if isErrorType[*s3types.NotFound](err) {
			return apitypes.ApiFile{}, apierrors.ErrItemNotFound
		}
		return apitypes.ApiFile{}, b.translateError(err, "stat", string(apiPath))
	}

	item := apitypes.NewFilesystemItem(apiPath, false, aws.ToInt64(out.ContentLength), "")
	modified := apitypes.UnixNanoToTicks(aws.ToTime(out.LastModified).UnixNano())
	return apitypes.ApiFile{
		FilesystemItem: item,
		Created:        modified,
		Modified:       modified,
		Accessed:       modified,
		Changed:        modified,
		Key:            key,
	}, nil
}

func (b *Backend) ReadRange(ctx context.Context, apiPath apitypes.ApiPath, key string, offset, length int64, out []byte, stop provider.StopSignal) (int, error) {
	start := time.Now()
	var n int
	err := b.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		var rerr error
		n, rerr = b.readRange(ctx, apiPath, key, offset, length, out, stop)
		return rerr
	})
	err = wrapBreakerErr(err, "read_range")
	b.recordOp("read_range", start, int64(n), err == nil)
	return n, err
}

// wrapBreakerErr translates the circuit package's own open/half-open
// sentinels into the tagged taxonomy so callers above Provider never see a
// bare stdlib error; any other error (already tagged by readRange/replace)
// passes through unchanged.
func wrapBreakerErr(err error, operation string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, circuit.ErrOpenState) || errors.Is(err, circuit.ErrTooManyRequests) {
		return apierrors.ErrCommError.WithCause(err).WithOperation(operation)
	}
	return err
}

func (b *Backend) readRange(ctx context.Context, apiPath apitypes.ApiPath, key string, offset, length int64, out []byte, stop provider.StopSignal) (int, error) {
	if stop != nil && stop.Stopped() {
		return 0, apierrors.ErrDownloadStopped
	}
	if key == "" {
		key = keyForPath(apiPath)
	}

	client := b.pool.Get()
	if client == nil {
		return 0, apierrors.ErrCommError.WithOperation("read_range")
	}
	defer b.pool.Put(client)

	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(key),
		Range:  aws.String(rng),
	})
	if err != nil {
		if isErrorType[*s3types.NoSuchKey](err) {
			return 0, apierrors.ErrItemNotFound
		}
		return 0, b.translateError(err, "read_range", string(apiPath))
	}
	defer result.Body.Close()

	total := 0
	for total < len(out) {
		if stop != nil && stop.Stopped() {
			return total, apierrors.ErrDownloadStopped
		}
		n, err := result.Body.Read(out[total:])
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, apierrors.ErrCommError.WithCause(err).WithOperation("read_range")
		}
	}
	return total, nil
}

func (b *Backend) CreateObject(ctx context.Context, apiPath apitypes.ApiPath, meta apitypes.MetaMap) error {
	client := b.pool.Get()
	if client == nil {
		return apierrors.ErrCommError.WithOperation("create_object")
	}
	defer b.pool.Put(client)

	key := keyForPath(apiPath)
	if _, err := client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.config.Bucket), Key: aws.String(key)}); err == nil {
		return apierrors.ErrItemExists
	}

	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.config.Bucket), Key: aws.String(key), Body: bytes.NewReader(nil),
	})
	if err != nil {
		return b.translateError(err, "create_object", string(apiPath))
	}
	return nil
}

func (b *Backend) CreatePseudoDirectory(ctx context.Context, apiPath apitypes.ApiPath, meta apitypes.MetaMap) error {
	client := b.pool.Get()
	if client == nil {
		return apierrors.ErrCommError.WithOperation("create_pseudo_directory")
	}
	defer b.pool.Put(client)

	key := keyForPrefix(apiPath) + ".dirmarker"
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.config.Bucket), Key: aws.String(key), Body: bytes.NewReader(nil),
	})
	if err != nil {
		return b.translateError(err, "create_pseudo_directory", string(apiPath))
	}
	return nil
}

func (b *Backend) Remove(ctx context.Context, apiPath apitypes.ApiPath, key string) error {
	client := b.pool.Get()
	if client == nil {
		return apierrors.ErrCommError.WithOperation("remove")
	}
	defer b.pool.Put(client)

	if key == "" {
		key = keyForPath(apiPath)
	}
	_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(b.config.Bucket), Key: aws.String(key)})
	if err != nil && !isErrorType[*s3types.NoSuchKey](err) {
		return b.translateError(err, "remove", string(apiPath))
	}
	return nil
}

func (b *Backend) Rename(ctx context.Context, from, to apitypes.ApiPath) error {
	return apierrors.ErrNotSupported
}

// Replace uploads data as the whole new content of apiPath, preferring the
// CargoShip transporter for its multipart/BBR tuning.
func (b *Backend) Replace(ctx context.Context, apiPath apitypes.ApiPath, key string, data []byte, meta apitypes.MetaMap) error {
	start := time.Now()
	err := b.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return b.replace(ctx, apiPath, key, data, meta)
	})
	err = wrapBreakerErr(err, "replace")
	b.recordOp("replace", start, int64(len(data)), err == nil)
	return err
}

func (b *Backend) replace(ctx context.Context, apiPath apitypes.ApiPath, key string, data []byte, meta apitypes.MetaMap) error {
	if key == "" {
		key = keyForPath(apiPath)
	}

	if b.transporter != nil {
		archive := cargoships3.Archive{
			Key:          key,
			Reader:       bytes.NewReader(data),
			Size:         int64(len(data)),
			StorageClass: awsconfig.StorageClassStandard,
		}
		if _, err := b.transporter.Upload(ctx, archive); err == nil {
			return nil
		} else {
			b.logger.Warn("cargoship upload failed, falling back to plain PutObject", "key", key, "error", err)
		}
	}

	client := b.pool.Get()
	if client == nil {
		return apierrors.ErrCommError.WithOperation("replace")
	}
	defer b.pool.Put(client)

	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.config.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return b.translateError(err, "replace", string(apiPath))
	}
	return nil
}

func (b *Backend) translateError(err error, operation, apiPath string) error {
	switch {
	case isErrorType[*s3types.NoSuchKey](err):
		return apierrors.ErrItemNotFound.WithCause(err).WithOperation(operation).WithContext("api_path", apiPath)
	case isErrorType[*s3types.NoSuchBucket](err):
		return apierrors.ErrDirectoryNotFound.WithCause(err).WithOperation(operation).WithContext("api_path", apiPath)
	default:
		return apierrors.ErrCommError.WithCause(err).WithOperation(operation).WithContext("api_path", apiPath)
	}
}

func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

func keyForPath(apiPath apitypes.ApiPath) string {
	return strings.TrimPrefix(string(apiPath), "/")
}

func keyForPrefix(apiPath apitypes.ApiPath) string {
	if apiPath == apitypes.RootPath {
		return ""
	}
	return strings.TrimPrefix(string(apiPath), "/") + "/"
}
