// Package s3 stores large job payloads and results in S3-compatible object
// storage. Clients upload and download through presigned URLs so payload
// bytes never pass through the API server.
package s3

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awss3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/jobvault/jobvault/pkg/observability/logger"
)

// Config defines payload store configuration.
type Config struct {
	Bucket           string
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	UsePathStyle     bool
	OperationTimeout time.Duration
	SignedURLTTL     time.Duration
}

// ResumableUpload tracks an in-progress multipart upload.
type ResumableUpload struct {
	Key      string `json:"key"`
	UploadID string `json:"uploadId"`
}

// UploadedPart is a completed part of a resumable upload.
type UploadedPart struct {
	PartNumber int32  `json:"partNumber"`
	ETag       string `json:"etag"`
}

// ObjectStat describes a stored payload object.
type ObjectStat struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType,omitempty"`
	LastModified time.Time `json:"lastModified"`
}

type s3API interface {
	HeadBucket(ctx context.Context, params *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *awss3.HeadObjectInput, optFns ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *awss3.CreateMultipartUploadInput, optFns ...func(*awss3.Options)) (*awss3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *awss3.CompleteMultipartUploadInput, optFns ...func(*awss3.Options)) (*awss3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *awss3.AbortMultipartUploadInput, optFns ...func(*awss3.Options)) (*awss3.AbortMultipartUploadOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignUploadPart(ctx context.Context, params *awss3.UploadPartInput, optFns ...func(*awss3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// PayloadStore issues presigned URLs for job payload objects and manages
// resumable multipart uploads.
type PayloadStore struct {
	client  s3API
	presign presignAPI
	logger  logger.Logger
	config  Config

	mu     sync.RWMutex
	closed bool
}

// NewPayloadStore creates a payload store and verifies bucket accessibility.
func NewPayloadStore(cfg Config, log logger.Logger) (*PayloadStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, errors.New("region is required")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = 15 * time.Minute
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	clientOptions := make([]func(*awss3.Options), 0, 2)
	if cfg.Endpoint != "" {
		clientOptions = append(clientOptions, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		clientOptions = append(clientOptions, func(o *awss3.Options) {
			o.UsePathStyle = true
		})
	}

	client := awss3.NewFromConfig(awsCfg, clientOptions...)
	store := &PayloadStore{
		client:  client,
		presign: awss3.NewPresignClient(client),
		logger:  log,
		config:  cfg,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return nil, err
	}

	log.Info("payload store initialized", "bucket", cfg.Bucket, "region", cfg.Region, "endpoint", cfg.Endpoint)
	return store, nil
}

// Ping verifies that the configured bucket is accessible.
func (s *PayloadStore) Ping(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err := s.client.HeadBucket(ctx, &awss3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	})
	if err != nil {
		return fmt.Errorf("bucket check failed: %w", err)
	}
	return nil
}

// SignedUploadURL generates a temporary URL the client PUTs payload bytes to.
func (s *PayloadStore) SignedUploadURL(ctx context.Context, key, contentType string) (string, error) {
	if err := s.ensureOpen(); err != nil {
		return "", err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("object key is required")
	}

	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	input := &awss3.PutObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	}
	if strings.TrimSpace(contentType) != "" {
		input.ContentType = aws.String(contentType)
	}

	resp, err := s.presign.PresignPutObject(opCtx, input, func(opts *awss3.PresignOptions) {
		opts.Expires = s.config.SignedURLTTL
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign upload for %q: %w", key, err)
	}
	return resp.URL, nil
}

// SignedReadURL generates a temporary download URL for a payload object.
func (s *PayloadStore) SignedReadURL(ctx context.Context, key string) (string, error) {
	if err := s.ensureOpen(); err != nil {
		return "", err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("object key is required")
	}

	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	resp, err := s.presign.PresignGetObject(opCtx, &awss3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	}, func(opts *awss3.PresignOptions) {
		opts.Expires = s.config.SignedURLTTL
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign download for %q: %w", key, err)
	}
	return resp.URL, nil
}

// Stat returns object metadata, or an error if the object does not exist.
func (s *PayloadStore) Stat(ctx context.Context, key string) (ObjectStat, error) {
	if err := s.ensureOpen(); err != nil {
		return ObjectStat{}, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return ObjectStat{}, errors.New("object key is required")
	}

	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	resp, err := s.client.HeadObject(opCtx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectStat{}, fmt.Errorf("failed to stat object %q: %w", key, err)
	}
	return ObjectStat{
		Key:          key,
		Size:         aws.ToInt64(resp.ContentLength),
		ContentType:  aws.ToString(resp.ContentType),
		LastModified: aws.ToTime(resp.LastModified),
	}, nil
}

// Delete removes a payload object by key.
func (s *PayloadStore) Delete(ctx context.Context, key string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("object key is required")
	}

	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	_, err := s.client.DeleteObject(opCtx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %q: %w", key, err)
	}
	return nil
}

// InitResumableUpload starts a multipart upload for a large payload.
func (s *PayloadStore) InitResumableUpload(ctx context.Context, key, contentType string) (ResumableUpload, error) {
	if err := s.ensureOpen(); err != nil {
		return ResumableUpload{}, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return ResumableUpload{}, errors.New("object key is required")
	}

	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	input := &awss3.CreateMultipartUploadInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	}
	if strings.TrimSpace(contentType) != "" {
		input.ContentType = aws.String(contentType)
	}

	resp, err := s.client.CreateMultipartUpload(opCtx, input)
	if err != nil {
		return ResumableUpload{}, fmt.Errorf("failed to start multipart upload for %q: %w", key, err)
	}
	return ResumableUpload{Key: key, UploadID: aws.ToString(resp.UploadId)}, nil
}

// ResumablePartURL generates a presigned URL for one part of a resumable
// upload. Part numbers start at 1.
func (s *PayloadStore) ResumablePartURL(ctx context.Context, upload ResumableUpload, partNumber int32) (string, error) {
	if err := s.ensureOpen(); err != nil {
		return "", err
	}
	if upload.Key == "" || upload.UploadID == "" {
		return "", errors.New("upload key and id are required")
	}
	if partNumber < 1 {
		return "", errors.New("part number must be positive")
	}

	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	resp, err := s.presign.PresignUploadPart(opCtx, &awss3.UploadPartInput{
		Bucket:     aws.String(s.config.Bucket),
		Key:        aws.String(upload.Key),
		UploadId:   aws.String(upload.UploadID),
		PartNumber: aws.Int32(partNumber),
	}, func(opts *awss3.PresignOptions) {
		opts.Expires = s.config.SignedURLTTL
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign part %d of %q: %w", partNumber, upload.Key, err)
	}
	return resp.URL, nil
}

// CompleteResumableUpload assembles uploaded parts into the final object.
func (s *PayloadStore) CompleteResumableUpload(ctx context.Context, upload ResumableUpload, parts []UploadedPart) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if upload.Key == "" || upload.UploadID == "" {
		return errors.New("upload key and id are required")
	}
	if len(parts) == 0 {
		return errors.New("at least one part is required")
	}

	completed := make([]awss3types.CompletedPart, 0, len(parts))
	for _, part := range parts {
		completed = append(completed, awss3types.CompletedPart{
			PartNumber: aws.Int32(part.PartNumber),
			ETag:       aws.String(part.ETag),
		})
	}

	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	_, err := s.client.CompleteMultipartUpload(opCtx, &awss3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.config.Bucket),
		Key:             aws.String(upload.Key),
		UploadId:        aws.String(upload.UploadID),
		MultipartUpload: &awss3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload for %q: %w", upload.Key, err)
	}
	return nil
}

// AbortResumableUpload discards an in-progress multipart upload.
func (s *PayloadStore) AbortResumableUpload(ctx context.Context, upload ResumableUpload) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if upload.Key == "" || upload.UploadID == "" {
		return errors.New("upload key and id are required")
	}

	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	_, err := s.client.AbortMultipartUpload(opCtx, &awss3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.config.Bucket),
		Key:      aws.String(upload.Key),
		UploadId: aws.String(upload.UploadID),
	})
	if err != nil {
		return fmt.Errorf("failed to abort multipart upload for %q: %w", upload.Key, err)
	}
	return nil
}

// HealthCheck verifies the bucket is reachable within a short timeout.
func (s *PayloadStore) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.Ping(hcCtx); err != nil {
		s.logger.Error("payload store health check failed", "error", err)
		return fmt.Errorf("payload store health check failed: %w", err)
	}
	return nil
}

// Close marks the store as closed.
func (s *PayloadStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *PayloadStore) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

func (s *PayloadStore) ensureOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("payload store is closed")
	}
	return nil
}
