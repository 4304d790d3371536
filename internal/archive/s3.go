package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Store implements ObjectStore against aws-sdk-go.
type S3Store struct {
	client *s3.S3
}

// NewS3Store constructs a store from an AWS session.
func NewS3Store(sess *session.Session) *S3Store {
	return &S3Store{client: s3.New(sess)}
}

func (s *S3Store) PutObject(ctx context.Context, bucket, key string, body []byte) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put object %s/%s: %w", bucket, key, err)
	}
	return nil
}
