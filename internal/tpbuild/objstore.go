package tpbuild

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStoreDownloader fetches s3://bucket/key URLs. The client is created
// on first use so runs that never touch the object store need no credentials.
type ObjectStoreDownloader struct {
	settings Settings

	once   sync.Once
	client *s3.Client
	err    error
}

func NewObjectStoreDownloader(s Settings) *ObjectStoreDownloader {
	return &ObjectStoreDownloader{settings: s}
}

func (d *ObjectStoreDownloader) getClient(ctx context.Context) (*s3.Client, error) {
	d.once.Do(func() {
		d.client, d.err = newS3Client(ctx, d.settings)
	})
	return d.client, d.err
}

func newS3Client(ctx context.Context, s Settings) (*s3.Client, error) {
	var options []func(*config.LoadOptions) error
	if s.S3Region != "" {
		options = append(options, config.WithRegion(s.S3Region))
	} else if s.S3Endpoint != "" {
		options = append(options, config.WithRegion("auto"))
	}
	if s.S3AccessKey != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.S3AccessKey, s.S3SecretKey, "")))
	}
	if Debug {
		options = append(options, config.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load object store config: %v", ErrConfiguration, err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(s.S3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// parseObjectURL splits s3://bucket/key.
func parseObjectURL(url string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(url, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%w: not an s3 url: %s", ErrConfiguration, url)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: s3 url needs a bucket and key: %s", ErrConfiguration, url)
	}
	return bucket, key, nil
}

func (d *ObjectStoreDownloader) Download(ctx context.Context, url, dest string) error {
	bucket, key, err := parseObjectURL(url)
	if err != nil {
		return err
	}
	client, err := d.getClient(ctx)
	if err != nil {
		return err
	}

	output, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDownload, url, err)
	}
	defer output.Body.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("%w: failed to create %s: %v", ErrFilesystem, dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, output.Body); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDownload, url, err)
	}
	return out.Close()
}
