// Package storage archives uploaded entity files to S3 so the raw input
// of a bulk action can be replayed or audited after ingestion.
package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchiveConfig configures the S3 archiver.
type ArchiveConfig struct {
	Bucket string
	Region string
	Prefix string
}

// Archiver stores uploaded CSV files in S3, keyed by bulk action id. A nil
// *Archiver is valid and archives nothing, so callers never need an
// enabled check.
type Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewArchiver builds an archiver from the ambient AWS credential chain.
func NewArchiver(ctx context.Context, cfg ArchiveConfig) (*Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &Archiver{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// ArchiveUpload stores the raw file under <prefix>/<date>/<actionID>.csv.
// Failures are logged, not returned: a lost archive never fails an intake
// that already succeeded.
func (a *Archiver) ArchiveUpload(ctx context.Context, actionID string, file io.Reader) {
	if a == nil {
		return
	}
	key := path.Join(a.prefix, time.Now().UTC().Format("2006-01-02"), actionID+".csv")
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		log.Printf("[Archiver] Upload of %s failed: %v", key, err)
		return
	}
	log.Printf("[Archiver] Stored s3://%s/%s", a.bucket, key)
}
