package storage

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

type S3MirrorOpts struct {
	Bucket         string
	Region         string
	Endpoint       string
	Prefix         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

type S3Mirror struct {
	svc    *s3.Client
	bucket string
	prefix string
}

func NewS3Mirror(ctx context.Context, opts S3MirrorOpts) (*S3Mirror, error) {
	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")

	if opts.AccessKey != "" && opts.SecretKey != "" {
		accessKey = opts.AccessKey
		secretKey = opts.SecretKey
	}

	cfg, err := getAWSConfig(ctx, accessKey, secretKey, opts.Region, opts.Endpoint)
	if err != nil {
		return nil, err
	}

	svc := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	// Check to see if we have access to the bucket
	_, err = svc.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(opts.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot access bucket <%s>: %v", opts.Bucket, err)
	}

	return &S3Mirror{
		svc:    svc,
		bucket: opts.Bucket,
		prefix: opts.Prefix,
	}, nil
}

func getAWSConfig(ctx context.Context, accessKey string, secretKey string, region string, endpoint string) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	opts = append(opts, config.WithRegion(region))

	if endpoint != "" {
		endpointResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: endpoint}, nil
		})
		opts = append(opts, config.WithEndpointResolverWithOptions(endpointResolver))
	}

	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	return config.LoadDefaultConfig(ctx, opts...)
}

func (m *S3Mirror) objectKey(key string) string {
	return path.Join(m.prefix, key)
}

func (m *S3Mirror) Upload(ctx context.Context, key string, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("opening layer file: %w", err)
	}
	defer f.Close()

	uploader := manager.NewUploader(m.svc)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.objectKey(key)),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("uploading layer to s3://%s/%s: %w", m.bucket, m.objectKey(key), err)
	}

	log.Info().Str("bucket", m.bucket).Str("key", m.objectKey(key)).Msg("mirrored layer to s3")
	return nil
}

func (m *S3Mirror) Delete(ctx context.Context, key string) error {
	_, err := m.svc.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("deleting layer s3://%s/%s: %w", m.bucket, m.objectKey(key), err)
	}
	return nil
}
