package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/stewardvault/recovery-backend/interfaces"
)

// S3Store is a Persistence implementation over Amazon S3 or a compatible
// object store. Records live under "<prefix>/<namespace>/<key>".
type S3Store struct {
	client     *s3.S3
	bucketName string
	prefix     string
	log        *slog.Logger
}

// NewS3Store creates an S3-backed store. Endpoint is optional and
// supports S3-compatible services.
func NewS3Store(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Store, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("s3 store requires a bucket name")
	}
	if log == nil {
		log = slog.Default()
	}

	cfg := aws.Config{Region: aws.String(region)}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Store{
		client:     s3.New(sess),
		bucketName: bucketName,
		prefix:     strings.Trim(prefix, "/"),
		log:        log,
	}, nil
}

// Name returns an identifier for logging.
func (s *S3Store) Name() string {
	return "s3:" + s.bucketName
}

func (s *S3Store) objectKey(namespace, key string) string {
	return path.Join(s.prefix, namespace, key)
}

// Get retrieves the value stored under (namespace, key).
func (s *S3Store) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.objectKey(namespace, key)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, interfaces.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get s3 object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3 object: %w", err)
	}
	return data, nil
}

// Put stores the value under (namespace, key).
func (s *S3Store) Put(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.objectKey(namespace, key)),
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return fmt.Errorf("failed to put s3 object: %w", err)
	}
	return nil
}

// Delete removes the value under (namespace, key).
func (s *S3Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.objectKey(namespace, key)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete s3 object: %w", err)
	}
	return nil
}

// List returns the keys in the namespace with the given prefix, sorted
// by S3's native key ordering.
func (s *S3Store) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	nsPrefix := path.Join(s.prefix, namespace) + "/"

	var keys []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(nsPrefix + prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.StringValue(obj.Key), nsPrefix))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list s3 objects: %w", err)
	}

	return keys, nil
}
