// Package archive writes JSON snapshots of tie breakers to an S3 compatible
// bucket before they are deleted.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/icco/tiebreak"
	"github.com/icco/tiebreak/config"
	"github.com/icco/tiebreak/store"
)

// ObjectPutter is the part of the S3 client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 archives tie breakers as one object each.
type S3 struct {
	client ObjectPutter
	bucket string
	prefix string
	log    *zap.SugaredLogger
	now    func() time.Time
}

// New builds an archiver from the archive configuration. Static
// credentials are used when given, otherwise the default AWS chain.
func New(ctx context.Context, cfg config.Archive, log *zap.SugaredLogger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("ARCHIVE_BUCKET is empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix, log), nil
}

// NewWithClient returns an archiver writing through client.
func NewWithClient(client ObjectPutter, bucket, prefix string, log *zap.SugaredLogger) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix, log: tiebreak.NopIfNil(log), now: time.Now}
}

// Key is the object key for a snapshot of tb taken at t.
func (a *S3) Key(tb store.TieBreaker, t time.Time) string {
	return path.Join(a.prefix, tb.Period, tb.Mode, fmt.Sprintf("%s-%s.json", tb.ID, t.UTC().Format("20060102T150405Z")))
}

// Archive uploads every tie breaker. It stops at the first failure.
func (a *S3) Archive(ctx context.Context, tbs []store.TieBreaker) error {
	at := a.now()
	for _, tb := range tbs {
		body, err := json.Marshal(tb)
		if err != nil {
			return fmt.Errorf("encode tie breaker %s: %w", tb.ID, err)
		}

		key := a.Key(tb, at)
		_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
		a.log.Infow("tie breaker archived", "tie_breaker", tb.ID, "bucket", a.bucket, "key", key)
	}
	return nil
}
