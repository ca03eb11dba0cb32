// Package archive copies finalized call records to object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"intake-assistant/pkg"
)

// Config configures the S3 bucket call records are written to.
type Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

type putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes one JSON object per call.
type S3Archiver struct {
	client putter
	bucket string
	prefix string
}

// NewS3Archiver loads AWS configuration and creates an archiver.
func NewS3Archiver(ctx context.Context, cfg Config) (*S3Archiver, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Archiver(client, bucket, cfg.Prefix), nil
}

func newS3Archiver(client putter, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// ObjectKey is where a call record is stored:
// {prefix}/{firm}/{yyyy}/{mm}/{dd}/{conversation}.json, dated by call start.
func (a *S3Archiver) ObjectKey(call *pkg.CallRecord) string {
	firm := call.FirmID
	if firm == "" {
		firm = "unassigned"
	}
	return path.Join(a.prefix, firm, call.StartedAt.UTC().Format("2006/01/02"), call.ConversationID+".json")
}

// Archive stores the call record and returns its s3:// location.
func (a *S3Archiver) Archive(ctx context.Context, call *pkg.CallRecord) (string, error) {
	body, err := json.Marshal(call)
	if err != nil {
		return "", fmt.Errorf("encode call record: %w", err)
	}
	key := a.ObjectKey(call)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"call-status": string(call.Status),
			"urgency":     string(call.Urgency),
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3 put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}
