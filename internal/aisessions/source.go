package aisessions

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"command-center/internal/config"
)

// localSource reads export JSON files from a directory.
type localSource struct {
	dir      string
	maxBytes int64
}

func (l *localSource) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read export dir: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		keys = append(keys, e.Name())
	}
	return keys, nil
}

func (l *localSource) Fetch(_ context.Context, key string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(l.dir, filepath.Base(key)))
	if err != nil {
		return nil, err
	}
	if l.maxBytes > 0 && int64(len(raw)) > l.maxBytes {
		return nil, fmt.Errorf("export %s too large (>%d bytes)", key, l.maxBytes)
	}
	return raw, nil
}

// s3Source reads export JSON objects from a bucket.
type s3Source struct {
	client   *s3.Client
	bucket   string
	maxBytes int64
}

func newS3Source(ctx context.Context, cfg config.Config) (*s3Source, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.SessionS3Region),
	}
	if cfg.SessionS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.SessionS3Endpoint,
					HostnameImmutable: cfg.SessionS3PathStyle,
					SigningRegion:     cfg.SessionS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.SessionS3PathStyle
	})
	return &s3Source{client: client, bucket: cfg.SessionS3Bucket, maxBytes: cfg.SessionMaxExportBytes}, nil
}

func (s *s3Source) List(ctx context.Context) ([]string, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("list bucket %s: %w", s.bucket, err)
	}
	var keys []string
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if strings.HasSuffix(key, ".json") {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *s3Source) Fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	limit := s.maxBytes
	if limit == 0 {
		limit = 10 * 1024 * 1024
	}
	raw, err := io.ReadAll(io.LimitReader(out.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("export %s too large (>%d bytes)", key, limit)
	}
	return raw, nil
}
