package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// S3Archiver ships completed extraction results to long-term storage.
// Archiving is best effort: failures are logged, never surfaced to the
// task.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver loads the default AWS config chain.
func NewS3Archiver(ctx context.Context, bucket string) (*S3Archiver, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

func (a *S3Archiver) key(taskID string) string {
	return fmt.Sprintf("results/%s.json", taskID)
}

// Archive uploads the result JSON under results/<taskId>.json.
func (a *S3Archiver) Archive(ctx context.Context, taskID string, result json.RawMessage) {
	key := a.key(taskID)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(result),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		log.Error().Err(err).Str("task", taskID).Str("key", key).Msg("result archive failed")
		return
	}
	log.Debug().Str("task", taskID).Str("key", key).Int("bytes", len(result)).Msg("result archived")
}
