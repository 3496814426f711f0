package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// DefaultS3Key is the object key used when none is configured.
const DefaultS3Key = "kbterm/terminal-sessions.json"

// s3API is the subset of *s3.Client used by S3Store.
type s3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store keeps the snapshot as a single JSON object in an S3 bucket, so a
// replacement host can pick up the session metadata of the previous one.
type S3Store struct {
	client s3API
	bucket string
	key    string
	mutex  sync.Mutex
}

// NewS3Store creates an S3Store and verifies that the bucket is reachable.
func NewS3Store(ctx context.Context, cfg *StorageConfig) (*S3Store, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}

	region := cfg.S3Region
	if region == "" {
		region = "us-east-1"
	}

	var awsCfg aws.Config
	var err error
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")),
		)
	} else {
		// Default credentials chain (IAM role, environment variables, etc.)
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(region))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var client *s3.Client
	if cfg.S3Endpoint != "" {
		// S3-compatible services
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	store, err := newS3StoreWithClient(ctx, client, cfg.S3Bucket, cfg.S3Key)
	if err != nil {
		return nil, err
	}
	log.Printf("S3 session store initialized: bucket=%s, region=%s, key=%s", cfg.S3Bucket, region, store.key)
	return store, nil
}

func newS3StoreWithClient(ctx context.Context, client s3API, bucket, key string) (*S3Store, error) {
	if key == "" {
		key = DefaultS3Key
	}
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("failed to access S3 bucket '%s': %w", bucket, err)
	}
	return &S3Store{
		client: client,
		bucket: bucket,
		key:    strings.TrimPrefix(key, "/"),
	}, nil
}

// Save uploads the snapshot, replacing the previous object.
func (s *S3Store) Save(ctx context.Context, records []Record) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if records == nil {
		records = []Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to marshal session snapshot: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to save session snapshot to S3: %w", err)
	}
	return nil
}

// Load downloads the snapshot. A missing object yields no records.
func (s *S3Store) Load(ctx context.Context) ([]Record, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return []Record{}, nil
		}
		return []Record{}, fmt.Errorf("failed to load session snapshot from S3: %w", err)
	}
	defer func() {
		_ = result.Body.Close()
	}()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return []Record{}, fmt.Errorf("failed to read S3 response: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return []Record{}, fmt.Errorf("%w: s3://%s/%s: %v", ErrCorruptSnapshot, s.bucket, s.key, err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// Close is a no-op; the S3 client holds no resources that need releasing.
func (s *S3Store) Close() error {
	return nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound")
}
