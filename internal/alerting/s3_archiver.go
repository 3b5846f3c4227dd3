package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sentinel-ops/platform/internal/model"
)

// S3Archiver writes alert audit entries to object storage at paths like:
//
//	s3://<bucket>/<prefix>/audit/YYYY/MM/DD/<entryID>.json
//
// Archival is best effort; the relational audit_log table remains the source
// of truth.
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region and credentials come from the
// standard AWS environment (AWS_REGION, AWS_PROFILE, key pair, etc.).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

func (a *S3Archiver) ArchiveEntry(ctx context.Context, entry model.AuditLogEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	ts := entry.CreatedAt.UTC()
	key := path.Join(a.prefix, "audit",
		ts.Format("2006"), ts.Format("01"), ts.Format("02"),
		fmt.Sprintf("%d.json", entry.ID))

	uploadCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err = a.uploader.Upload(uploadCtx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload audit entry %d: %w", entry.ID, err)
	}
	return nil
}
