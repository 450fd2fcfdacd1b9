package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by read paths when the requested key does not
// exist in the bucket.
var ErrNotFound = errors.New("object not found")

// s3API is the slice of the S3 client the store uses. Tests substitute an
// in-memory implementation.
type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type s3Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// PutResult describes where a blob landed. AlreadyExists marks the
// content-addressed no-op: identical bytes were uploaded before.
type PutResult struct {
	SHA256        string
	Key           string
	SizeBytes     int64
	AlreadyExists bool
}

// Store is the content-addressed blob store. Safe for concurrent use.
type Store struct {
	api    s3API
	signer s3Presigner
	rdb    redis.UniversalClient
	bucket string
	quota  QuotaConfig
	log    *slog.Logger
}

// NewStore wires a store over an S3 client and the shared KV that holds
// the usage counters.
func NewStore(client *s3.Client, rdb redis.UniversalClient, bucket string, quota QuotaConfig) *Store {
	return &Store{
		api:    client,
		signer: s3.NewPresignClient(client),
		rdb:    rdb,
		bucket: bucket,
		quota:  quota,
		log:    slog.With("component", "storage", "bucket", bucket),
	}
}

// PutMedia stores one raw media blob under its content-addressed key.
// Re-putting identical bytes is a no-op returning the existing key.
func (s *Store) PutMedia(ctx context.Context, tenant string, data []byte, mimeType string) (PutResult, error) {
	sum := sha256.Sum256(data)
	shaHex := hex.EncodeToString(sum[:])
	return s.putObject(ctx, tenant, KindMedia, MediaKey(tenant, shaHex, mimeType), shaHex, data, mimeType)
}

// PutVisionResult gzips and stores a per-SHA vision result document.
func (s *Store) PutVisionResult(ctx context.Context, tenant, sourceSHA, provider, model, schemaVersion string, payload []byte) (PutResult, error) {
	gz, err := GzipBytes(payload)
	if err != nil {
		return PutResult{}, err
	}
	key := VisionKey(tenant, sourceSHA, provider, model, schemaVersion)
	sum := sha256.Sum256(gz)
	return s.putObject(ctx, tenant, KindVision, key, hex.EncodeToString(sum[:]), gz, "application/gzip")
}

// PutCrawl gzips and stores a crawled markdown document keyed by the
// canonical URL hash.
func (s *Store) PutCrawl(ctx context.Context, tenant, urlHash string, markdown []byte) (PutResult, error) {
	gz, err := GzipBytes(markdown)
	if err != nil {
		return PutResult{}, err
	}
	key := CrawlKey(tenant, urlHash)
	sum := sha256.Sum256(gz)
	return s.putObject(ctx, tenant, KindCrawl, key, hex.EncodeToString(sum[:]), gz, "application/gzip")
}

// PutAlbumSummary gzips and stores a whole-album vision summary.
func (s *Store) PutAlbumSummary(ctx context.Context, tenant string, albumID int64, payload []byte) (PutResult, error) {
	gz, err := GzipBytes(payload)
	if err != nil {
		return PutResult{}, err
	}
	key := AlbumSummaryKey(tenant, albumID)
	sum := sha256.Sum256(gz)
	return s.putObject(ctx, tenant, KindAlbum, key, hex.EncodeToString(sum[:]), gz, "application/gzip")
}

func (s *Store) putObject(ctx context.Context, tenant, kind, key, shaHex string, data []byte, contentType string) (PutResult, error) {
	start := time.Now()
	res := PutResult{SHA256: shaHex, Key: key, SizeBytes: int64(len(data))}

	exists, err := s.Exists(ctx, key)
	if err != nil {
		return res, err
	}
	if exists {
		res.AlreadyExists = true
		dedupHitsTotal.WithLabelValues(kind).Inc()
		return res, nil
	}

	decision, err := s.CheckQuota(ctx, tenant, int64(len(data)), kind)
	if err != nil {
		return res, err
	}
	if !decision.Allowed {
		return res, &QuotaDeniedError{Decision: decision}
	}

	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return res, fmt.Errorf("failed to put %s: %w", key, err)
	}

	s.addUsage(ctx, tenant, kind, int64(len(data)))
	opsTotal.WithLabelValues("put", kind).Inc()
	bytesTotal.WithLabelValues("in", kind).Add(float64(len(data)))
	objectSizeBytes.WithLabelValues(kind).Observe(float64(len(data)))
	opDuration.WithLabelValues("put").Observe(time.Since(start).Seconds())
	return res, nil
}

// GetBytes fetches a blob by key.
func (s *Store) GetBytes(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	opsTotal.WithLabelValues("get", kindOfKey(key)).Inc()
	bytesTotal.WithLabelValues("out", kindOfKey(key)).Add(float64(len(data)))
	opDuration.WithLabelValues("get").Observe(time.Since(start).Seconds())
	return data, nil
}

// GetGzipped fetches and decompresses a gzip-stored blob (vision, crawl,
// album summaries).
func (s *Store) GetGzipped(ctx context.Context, key string) ([]byte, error) {
	gz, err := s.GetBytes(ctx, key)
	if err != nil {
		return nil, err
	}
	return GunzipBytes(gz)
}

// Exists reports whether key is present in the bucket.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head %s: %w", key, err)
	}
	return true, nil
}

// Delete removes a blob. Deleting a missing key is not an error: eviction
// and reconciliation must be idempotent.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	opsTotal.WithLabelValues("delete", kindOfKey(key)).Inc()
	return nil
}

// SignedGetURL returns a presigned GET for key, valid for ttl. Used by
// API-side consumers that serve media without proxying bytes.
func (s *Store) SignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.signer.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return req.URL, nil
}

// RecalculateUsage rebuilds a tenant's usage counters from a bucket
// listing. Counter drift is possible when a process dies between an
// upload and the counter update; this is the reconciliation path.
func (s *Store) RecalculateUsage(ctx context.Context, tenant string) (int64, error) {
	var tenantTotal int64
	pipe := s.rdb.Pipeline()

	for _, kind := range []string{KindMedia, KindVision, KindCrawl, KindAlbum} {
		var kindTotal int64
		paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(TenantPrefix(kind, tenant)),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return 0, fmt.Errorf("failed to list %s/%s: %w", kind, tenant, err)
			}
			for _, obj := range page.Contents {
				kindTotal += aws.ToInt64(obj.Size)
			}
		}
		pipe.Set(ctx, usagePrefix+tenant+":"+kind, kindTotal, 0)
		tenantTotal += kindTotal
	}

	pipe.Set(ctx, usagePrefix+tenant, tenantTotal, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to store recalculated usage: %w", err)
	}

	s.log.Info("Recalculated tenant usage",
		"tenant", tenant,
		"bytes", tenantTotal)
	return tenantTotal, nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}

func isRedisNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

// kindOfKey extracts the content kind from a canonical key for metric
// labels.
func kindOfKey(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i]
		}
	}
	return "unknown"
}
