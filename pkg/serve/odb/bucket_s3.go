// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package odb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/keelscm/keel/modules/oss"
)

// S3Options selects an S3 or S3-compatible endpoint for the cold tier.
// Empty credentials fall back to the SDK's default chain (environment,
// shared config, instance role).
type S3Options struct {
	Region          string
	Bucket          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

type s3Bucket struct {
	client *s3.Client
	name   string
}

var (
	_ BucketClient = &s3Bucket{}
)

func NewS3Bucket(ctx context.Context, opts *S3Options) (BucketClient, error) {
	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if len(opts.AccessKeyID) != 0 {
		loadOptions = append(loadOptions,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if len(opts.Endpoint) != 0 {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return &s3Bucket{client: client, name: opts.Bucket}, nil
}

func (b *s3Bucket) Stat(ctx context.Context, resourcePath string) (*oss.Stat, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(resourcePath),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	return &oss.Stat{
		Size: aws.ToInt64(out.ContentLength),
		Mime: aws.ToString(out.ContentType),
	}, nil
}

// rangeHeader mirrors the in-tree oss client's interpretation of
// (start, length); the two drivers must answer range reads alike.
func rangeHeader(start, length int64) string {
	switch {
	case start < 0:
		return fmt.Sprintf("bytes=%d", start)
	case start >= 0 && length > 0:
		return fmt.Sprintf("bytes=%d-%d", start, start+length-1)
	case start > 0:
		return fmt.Sprintf("bytes=%d-", start)
	}
	return ""
}

func (b *s3Bucket) Open(ctx context.Context, resourcePath string, start, length int64) (oss.RangeReader, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(resourcePath),
	}
	if hdr := rangeHeader(start, length); len(hdr) != 0 {
		input.Range = aws.String(hdr)
	}
	out, err := b.client.GetObject(ctx, input)
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	return oss.NewRangeReader(out.Body, aws.ToInt64(out.ContentLength), aws.ToString(out.ContentRange)), nil
}

func (b *s3Bucket) Delete(ctx context.Context, resourcePath string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(resourcePath),
	})
	return err
}

func (b *s3Bucket) Put(ctx context.Context, resourcePath string, r io.Reader, mime string) error {
	return b.PutWithMetadata(ctx, resourcePath, r, mime, nil)
}

func (b *s3Bucket) PutWithMetadata(ctx context.Context, resourcePath string, r io.Reader, mime string, metadata map[string]string) error {
	input := &s3.PutObjectInput{
		Bucket:   aws.String(b.name),
		Key:      aws.String(resourcePath),
		Body:     r,
		Metadata: metadata,
	}
	if len(mime) != 0 {
		input.ContentType = aws.String(mime)
	}
	// The SDK signs streaming uploads chunk by chunk only for seekable
	// bodies; buffer everything else so retries can rewind.
	if _, ok := r.(io.ReadSeeker); !ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		input.Body = bytes.NewReader(data)
	}
	_, err := b.client.PutObject(ctx, input)
	return err
}

func (b *s3Bucket) DeleteMultipleObjects(ctx context.Context, objectKeys []string) error {
	if len(objectKeys) == 0 {
		return nil
	}
	identifiers := make([]types.ObjectIdentifier, 0, len(objectKeys))
	for _, key := range objectKeys {
		identifiers = append(identifiers, types.ObjectIdentifier{Key: aws.String(key)})
	}
	_, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(b.name),
		Delete: &types.Delete{
			Objects: identifiers,
			Quiet:   aws.Bool(true),
		},
	})
	return err
}

func (b *s3Bucket) ListObjects(ctx context.Context, prefix, continuationToken string) ([]*oss.Object, string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.name),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(oss.MaxKeys),
	}
	if len(continuationToken) != 0 {
		input.ContinuationToken = aws.String(continuationToken)
	}
	out, err := b.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, "", err
	}
	objects := make([]*oss.Object, 0, len(out.Contents))
	for _, o := range out.Contents {
		objects = append(objects, &oss.Object{
			Key:  aws.ToString(o.Key),
			Size: aws.ToInt64(o.Size),
			ETag: aws.ToString(o.ETag),
		})
	}
	var next string
	if aws.ToBool(out.IsTruncated) {
		next = aws.ToString(out.NextContinuationToken)
	}
	return objects, next, nil
}
