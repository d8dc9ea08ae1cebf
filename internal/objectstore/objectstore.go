// Package objectstore adapts an S3-compatible bucket into the engine's
// read/write/exists/list handle: the only storage primitive the sync
// engine, manifest writer, and chunk uploader depend on.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	"github.com/tummycrypt/tcfs/internal/errs"
	"github.com/tummycrypt/tcfs/internal/metrics"
)

// Entry describes a single object returned by List.
type Entry struct {
	Path string
	Size int64
}

// Store is the opaque handle the sync engine depends on: safe to share
// across goroutines, with transient failures retried underneath by the
// AWS SDK's default retryer.
type Store interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// Config describes how to reach an S3-compatible bucket: AWS itself, or a
// self-hosted MinIO/Garage/SeaweedFS deployment via a custom endpoint.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// PathStyle forces path-style addressing (bucket in the URL path
	// rather than the host), required by most self-hosted S3-compatible
	// servers.
	PathStyle bool
	// Metrics, when set, records per-call latency and error counters for
	// Read/Write/Exists/List under the s3_operations_* series. Nil is
	// valid and disables recording entirely.
	Metrics *metrics.Metrics
}

type store struct {
	client  *s3.Client
	bucket  string
	metrics *metrics.Metrics
}

// New builds a Store backed by aws-sdk-go-v2, configured for the given
// bucket and (optionally) a non-AWS endpoint.
func New(ctx context.Context, cfg Config) (Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: loading AWS config: %v", errs.ErrStorage, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &store{client: client, bucket: cfg.Bucket, metrics: cfg.Metrics}, nil
}

func (s *store) Read(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.recordError(ctx, "GetObject", err)
		return nil, fmt.Errorf("%w: reading %s: %v", errs.ErrStorage, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		s.recordError(ctx, "GetObject", err)
		return nil, fmt.Errorf("%w: draining %s: %v", errs.ErrIO, key, err)
	}
	s.record(ctx, "GetObject", start)
	return data, nil
}

func (s *store) Write(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		s.recordError(ctx, "PutObject", err)
		return fmt.Errorf("%w: writing %s: %v", errs.ErrStorage, key, err)
	}
	s.record(ctx, "PutObject", start)
	return nil
}

func (s *store) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		s.record(ctx, "HeadObject", start)
		return true, nil
	}
	if isNotFound(err) {
		s.record(ctx, "HeadObject", start)
		return false, nil
	}
	s.recordError(ctx, "HeadObject", err)
	return false, fmt.Errorf("%w: checking existence of %s: %v", errs.ErrStorage, key, err)
}

func (s *store) List(ctx context.Context, prefix string) ([]Entry, error) {
	start := time.Now()
	var entries []Entry
	var token *string

	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			s.recordError(ctx, "ListObjectsV2", err)
			return nil, fmt.Errorf("%w: listing %s: %v", errs.ErrStorage, prefix, err)
		}

		for _, obj := range out.Contents {
			entries = append(entries, Entry{Path: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)})
		}

		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}

	s.record(ctx, "ListObjectsV2", start)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (s *store) record(ctx context.Context, operation string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordS3Operation(ctx, operation, s.bucket, time.Since(start))
}

func (s *store) recordError(ctx context.Context, operation string, err error) {
	if s.metrics == nil {
		return
	}
	errType := "unknown"
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		errType = apiErr.ErrorCode()
	}
	s.metrics.RecordS3Error(ctx, operation, s.bucket, errType)
}

// isNotFound reports whether err represents an S3 "object not found"
// response, across both the typed NotFound error and the string-coded
// NoSuchKey variant some S3-compatible servers return instead.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return strings.Contains(err.Error(), "StatusCode: 404")
}
