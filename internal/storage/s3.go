package storage

import (
	"bytes"
	"context"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Conceptual-Machines/nativeads-api/internal/media"
)

// objectPutter is the subset of the S3 client we use
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type s3Backend struct {
	client        objectPutter
	bucket        string
	publicBaseURL string
}

// NewS3Mirror creates a Mirror that uploads to an S3 bucket.
// publicBaseURL defaults to the bucket's virtual-hosted URL.
func NewS3Mirror(ctx context.Context, bucket, region, publicBaseURL string, loader Loader) (Mirror, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	if publicBaseURL == "" {
		publicBaseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, region)
	}

	log.Printf("🪣 S3 mirror: bucket=%s public=%s", bucket, publicBaseURL)
	return newS3Mirror(s3.NewFromConfig(cfg), bucket, publicBaseURL, loader), nil
}

func newS3Mirror(client objectPutter, bucket, publicBaseURL string, loader Loader) Mirror {
	return &mirror{
		backend: &s3Backend{client: client, bucket: bucket, publicBaseURL: publicBaseURL},
		loader:  loader,
	}
}

func (b *s3Backend) put(ctx context.Context, key string, img *media.Image) (string, error) {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(img.Data),
		ContentType: aws.String(img.MIMEType),
		// Generated images never change once written
		CacheControl: aws.String("public, max-age=31536000, immutable"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return joinURL(b.publicBaseURL, key), nil
}
