// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
)

// S3Options configures NewS3. Region and Bucket are required; the rest are
// overrides for S3-compatible endpoints (MinIO, Ceph RGW, R2).
type S3Options struct {
	Region          string
	Bucket          string
	Endpoint        string // non-empty for S3-compatible providers
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

type s3Store struct {
	client *s3.Client
	bucket string
}

// NewS3 returns a Store backed by an S3-compatible bucket, the remote blob
// store production deployments use (the columnar files and overflow raw
// objects this package serves go here).
func NewS3(ctx context.Context, opts S3Options) (Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("casobj/blobstore: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return &s3Store{client: client, bucket: opts.Bucket}, nil
}

func (s *s3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	var token *string
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("casobj/blobstore: list %q: %w", prefix, err)
		}
		for _, obj := range resp.Contents {
			out = append(out, ObjectInfo{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)})
		}
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		token = resp.NextContinuationToken
	}
	return out, nil
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey"
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	return s.getRange(ctx, key, "")
}

func (s *s3Store) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	var rangeHeader string
	switch {
	case length > 0:
		rangeHeader = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	case offset > 0:
		rangeHeader = fmt.Sprintf("bytes=%d-", offset)
	}
	return s.getRange(ctx, key, rangeHeader)
}

func (s *s3Store) getRange(ctx context.Context, key, rangeHeader string) ([]byte, error) {
	input := &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}
	if rangeHeader != "" {
		input.Range = aws.String(rangeHeader)
	}
	resp, err := s.client.GetObject(ctx, input)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("casobj/blobstore: get %q: %w", key, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, fmt.Errorf("casobj/blobstore: read %q: %w", key, err)
	}
	return buf.Bytes(), nil
}

func (s *s3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("casobj/blobstore: put %q: %w", key, err)
	}
	return nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("casobj/blobstore: delete %q: %w", key, err)
	}
	return nil
}
