package transcript

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// R2Config configures an S3-API-compatible bucket. Named for Cloudflare
// R2 but equally valid against plain S3: leave AccountID empty to use
// config.LoadDefaultConfig's normal endpoint resolution instead of the
// R2 endpoint override.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

// R2Archiver uploads a completed job's chunk stream to an R2/S3 bucket,
// gzip-compressed, as a single object.
type R2Archiver struct {
	client *s3.Client
	bucket string
	log    *slog.Logger
}

// NewR2Archiver creates an R2Archiver.
func NewR2Archiver(ctx context.Context, cfg R2Config, log *slog.Logger) (*R2Archiver, error) {
	if log == nil {
		log = slog.Default()
	}

	opts := []func(*config.LoadOptions) error{
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
		config.WithRegion("auto"),
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.AccountID != "" {
			o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID))
		}
	})

	return &R2Archiver{client: client, bucket: cfg.Bucket, log: log}, nil
}

// Archive gzip-compresses chunks (newline-joined) and uploads them as
// transcripts/{jobID}.ndjson.gz.
func (a *R2Archiver) Archive(ctx context.Context, jobID string, chunks [][]byte) error {
	if len(chunks) == 0 {
		return nil
	}

	var raw bytes.Buffer
	for _, c := range chunks {
		raw.Write(c)
		raw.WriteByte('\n')
	}

	var compressed bytes.Buffer
	gw := gzip.NewWriter(&compressed)
	if _, err := gw.Write(raw.Bytes()); err != nil {
		return fmt.Errorf("gzip compress: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("gzip close: %w", err)
	}

	key := fmt.Sprintf("transcripts/%s.ndjson.gz", jobID)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(compressed.Bytes()),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("upload transcript: %w", err)
	}

	a.log.Debug("archived job transcript", "job_id", jobID, "size", compressed.Len())
	return nil
}

// Close is a no-op; the S3 client holds no long-lived resources to
// release.
func (a *R2Archiver) Close() error {
	return nil
}
