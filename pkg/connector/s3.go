package connector

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3Store lists and reads objects from an S3 bucket. Static keys come from
// the injected credential fields; without them the default provider chain
// applies (instance role, env).
type s3Store struct {
	bucket        string
	prefix        string
	region        string
	accessKey     string
	secretKey     string
	endpoint      string
	archivePrefix string

	client *s3.Client
}

func newS3Store(b *Base) (*s3Store, error) {
	bucket := b.configString("bucket", "")
	if bucket == "" {
		return nil, &ConfigurationError{Field: "bucket", Reason: "required"}
	}
	return &s3Store{
		bucket:        bucket,
		prefix:        b.configString("prefix", ""),
		region:        b.configString("region", "us-east-1"),
		accessKey:     b.configString("aws_access_key", ""),
		secretKey:     b.configString("aws_secret_key", ""),
		endpoint:      b.configString("endpoint", ""),
		archivePrefix: b.configString("archive_prefix", ""),
	}, nil
}

func (s *s3Store) Connect(ctx context.Context) error {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(s.region),
	}
	if s.accessKey != "" && s.secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.accessKey, s.secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return err
	}
	s.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.endpoint != "" {
			o.BaseEndpoint = aws.String(s.endpoint)
			o.UsePathStyle = true
		}
	})
	return nil
}

func (s *s3Store) Close() error {
	s.client = nil
	return nil
}

func (s *s3Store) List(ctx context.Context) ([]ObjectInfo, error) {
	if s.client == nil {
		return nil, errors.New("not connected")
	}
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix)
	}

	var objects []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			info := ObjectInfo{Key: key, Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				info.ModTime = *obj.LastModified
			}
			objects = append(objects, info)
		}
	}
	return objects, nil
}

func (s *s3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if s.client == nil {
		return nil, errors.New("not connected")
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

// Archive copies the object under the archive prefix then deletes the
// original. S3 has no rename.
func (s *s3Store) Archive(ctx context.Context, key string) error {
	if s.archivePrefix == "" {
		return nil
	}
	if s.client == nil {
		return errors.New("not connected")
	}
	dest := strings.TrimSuffix(s.archivePrefix, "/") + "/" + path.Base(key)
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(s.bucket + "/" + key),
		Key:        aws.String(dest),
	})
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err
}
