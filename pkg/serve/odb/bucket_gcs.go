// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package odb

import (
	"context"
	"errors"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"github.com/keelscm/keel/modules/oss"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSOptions selects a Google Cloud Storage bucket for the cold tier.
// Endpoint exists for emulators (fake-gcs-server and friends).
type GCSOptions struct {
	Bucket          string
	Endpoint        string
	CredentialsFile string
	Anonymous       bool
}

type gcsBucket struct {
	bucket *storage.BucketHandle
	name   string
}

var (
	_ BucketClient = &gcsBucket{}
)

func NewGCSBucket(ctx context.Context, opts *GCSOptions) (BucketClient, error) {
	var clientOptions []option.ClientOption
	if opts.Anonymous {
		clientOptions = append(clientOptions, option.WithoutAuthentication())
	}
	if len(opts.CredentialsFile) != 0 {
		clientOptions = append(clientOptions, option.WithCredentialsFile(opts.CredentialsFile))
	}
	if len(opts.Endpoint) != 0 {
		clientOptions = append(clientOptions, option.WithEndpoint(opts.Endpoint))
	}
	client, err := storage.NewClient(ctx, clientOptions...)
	if err != nil {
		return nil, err
	}
	return &gcsBucket{bucket: client.Bucket(opts.Bucket), name: opts.Bucket}, nil
}

func (b *gcsBucket) Stat(ctx context.Context, resourcePath string) (*oss.Stat, error) {
	attrs, err := b.bucket.Object(resourcePath).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	return &oss.Stat{
		Size: attrs.Size,
		Mime: attrs.ContentType,
	}, nil
}

func (b *gcsBucket) Open(ctx context.Context, resourcePath string, start, length int64) (oss.RangeReader, error) {
	offset, size := start, length
	if size == 0 {
		size = -1 // to the end
	}
	rr, err := b.bucket.Object(resourcePath).NewRangeReader(ctx, offset, size)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	return oss.NewRangeReader(rr, rr.Attrs.Size, ""), nil
}

func (b *gcsBucket) Delete(ctx context.Context, resourcePath string) error {
	if err := b.bucket.Object(resourcePath).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return err
	}
	return nil
}

func (b *gcsBucket) Put(ctx context.Context, resourcePath string, r io.Reader, mime string) error {
	return b.PutWithMetadata(ctx, resourcePath, r, mime, nil)
}

func (b *gcsBucket) PutWithMetadata(ctx context.Context, resourcePath string, r io.Reader, mime string, metadata map[string]string) error {
	w := b.bucket.Object(resourcePath).NewWriter(ctx)
	w.ContentType = mime
	if len(metadata) != 0 {
		w.Metadata = metadata
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (b *gcsBucket) DeleteMultipleObjects(ctx context.Context, objectKeys []string) error {
	// GCS has no bulk delete call; issue them one by one.
	for _, key := range objectKeys {
		if err := b.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (b *gcsBucket) ListObjects(ctx context.Context, prefix, continuationToken string) ([]*oss.Object, string, error) {
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var attrs []*storage.ObjectAttrs
	pager := iterator.NewPager(it, oss.MaxKeys, continuationToken)
	next, err := pager.NextPage(&attrs)
	if err != nil {
		return nil, "", err
	}
	objects := make([]*oss.Object, 0, len(attrs))
	for _, a := range attrs {
		objects = append(objects, &oss.Object{
			Key:  a.Name,
			Size: a.Size,
			ETag: a.Etag,
		})
	}
	return objects, next, nil
}
