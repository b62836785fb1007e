package pipelinestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"go.uber.org/zap"

	"github.com/relaypath/pipeflow/internal/config"
	"github.com/relaypath/pipeflow/internal/pipeline"
)

// S3Archiver is the optional best-effort off-box mirror of stored images.
// It is never consulted for reads and its failures never fail Store.
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *s3manager.Uploader
	log      *zap.Logger
}

// NewS3Archiver constructs an S3Archiver from configuration. Returns nil,
// nil if archival is disabled so callers can pass a nil Archiver to Store.
func NewS3Archiver(cfg config.S3Archive, log *zap.Logger) (*S3Archiver, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.Region)})
	if err != nil {
		return nil, fmt.Errorf("archiver: init aws session: %w", err)
	}
	return &S3Archiver{
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		uploader: s3manager.NewUploader(sess, func(u *s3manager.Uploader) { u.S3 = s3.New(sess) }),
		log:      log,
	}, nil
}

// Archive uploads the image's JSON encoding to s3://bucket/prefix/hash.json.
func (a *S3Archiver) Archive(ctx context.Context, img *pipeline.Image) error {
	if a == nil {
		return nil
	}
	data, err := json.Marshal(img)
	if err != nil {
		return err
	}
	key := a.prefix + img.StructuralHash + ".json"
	_, err = a.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}
