package storage

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/appforge/internal/apperr"
)

// s3API is the slice of the S3 client the provider uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Provider stores blobs in one bucket.
type S3Provider struct {
	client s3API
	bucket string
}

// NewS3Provider builds the provider from the ambient AWS config.
func NewS3Provider(ctx context.Context, bucket, region string) (*S3Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, apperr.New(apperr.CodeStorageFailed, "loading aws config: %v", err)
	}
	return &S3Provider{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// StoreBytes uploads the blob and returns its digest and size.
func (p *S3Provider) StoreBytes(ctx context.Context, key string, data []byte) (*Blob, error) {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return nil, apperr.New(apperr.CodeStorageFailed, "s3 put %s: %v", key, err)
	}
	sha, size := digest(data)
	return &Blob{Key: key, SHA256: sha, Size: size}, nil
}

// ReadBytes downloads the blob.
func (p *S3Provider) ReadBytes(ctx context.Context, key string) ([]byte, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, apperr.New(apperr.CodeStorageFailed, "s3 get %s: %v", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, apperr.New(apperr.CodeStorageFailed, "s3 read %s: %v", key, err)
	}
	return data, nil
}

// DeleteBytes removes the blob.
func (p *S3Provider) DeleteBytes(ctx context.Context, key string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return apperr.New(apperr.CodeStorageFailed, "s3 delete %s: %v", key, err)
	}
	return nil
}
