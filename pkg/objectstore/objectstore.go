// Package objectstore wraps the S3-compatible blob store that holds raw
// transcript uploads and pipeline-produced parse backups.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/devstream-project/devstream/pkg/config"
)

// Store is the subset of object-store operations the pipeline and ingest
// paths need. Implemented by *Client; callers depend on the interface so
// tests can swap in a fake.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, body []byte) error
}

// Client is an S3-backed Store.
type Client struct {
	s3     *s3.Client
	bucket string
}

// NewClient builds a Client from ObjectStoreConfig. Endpoint is optional;
// when set, the client targets an S3-compatible service (e.g. MinIO) using
// path-style addressing instead of AWS's default virtual-hosted addressing.
func NewClient(ctx context.Context, cfg config.ObjectStoreConfig) (*Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Client{s3: client, bucket: cfg.Bucket}, nil
}

// Get downloads the object at key and returns its full contents.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("objectstore: read body for %s: %w", key, err)
	}
	return data, nil
}

// Put uploads body to key, overwriting any existing object.
func (c *Client) Put(ctx context.Context, key string, body []byte) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	return nil
}

// TranscriptKey is the canonical raw-transcript upload key for a session.
func TranscriptKey(canonicalID, sessionID string) string {
	return fmt.Sprintf("transcripts/%s/%s/raw.jsonl", canonicalID, sessionID)
}

// BackupKey is the derived key for a pipeline's serialized parse backup,
// stored alongside the raw transcript it was parsed from.
func BackupKey(canonicalID, sessionID string) string {
	return fmt.Sprintf("transcripts/%s/%s/parsed-backup.json", canonicalID, sessionID)
}

// BackupKeyFromTranscriptKey derives a parse-backup key from a session's
// raw transcript key, for callers (the pipeline) that only hold the raw
// key and not its canonical_id/session_id components.
func BackupKeyFromTranscriptKey(rawKey string) string {
	const suffix = "/raw.jsonl"
	if strings.HasSuffix(rawKey, suffix) {
		return strings.TrimSuffix(rawKey, suffix) + "/parsed-backup.json"
	}
	return rawKey + ".parsed-backup.json"
}
