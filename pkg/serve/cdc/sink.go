// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package cdc

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
)

const batchMIME = "application/vnd.apache.parquet"

// Sink persists one serialized batch under a slash-separated name.
// Writes must be atomic: a reader may never observe a partial batch.
type Sink interface {
	Write(ctx context.Context, name string, data []byte) error
}

// SpoolSink lands batches in a local directory, for single-node
// deployments and as a dead-simple staging area for loaders that
// tail the filesystem.
type SpoolSink struct {
	root string
}

func NewSpoolSink(root string) (*SpoolSink, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	return &SpoolSink{root: root}, nil
}

func (s *SpoolSink) Write(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := filepath.Join(s.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	fd, err := os.CreateTemp(filepath.Dir(target), ".batch-*")
	if err != nil {
		return err
	}
	if _, err := fd.Write(data); err != nil {
		_ = fd.Close()
		_ = os.Remove(fd.Name())
		return err
	}
	if err := fd.Close(); err != nil {
		_ = os.Remove(fd.Name())
		return err
	}
	if err := os.Rename(fd.Name(), target); err != nil {
		_ = os.Remove(fd.Name())
		return err
	}
	return nil
}

// BucketUploader is the slice of bucket behavior the bucket sink
// needs. The in-tree oss client and the cloud bucket adapters
// satisfy it.
type BucketUploader interface {
	Put(ctx context.Context, resourcePath string, r io.Reader, mime string) error
}

// BucketSink uploads batches to a remote bucket under an optional
// key prefix.
type BucketSink struct {
	bucket BucketUploader
	prefix string
}

func NewBucketSink(bucket BucketUploader, prefix string) *BucketSink {
	return &BucketSink{bucket: bucket, prefix: prefix}
}

func (s *BucketSink) Write(ctx context.Context, name string, data []byte) error {
	key := name
	if len(s.prefix) != 0 {
		key = s.prefix + "/" + name
	}
	return s.bucket.Put(ctx, key, bytes.NewReader(data), batchMIME)
}
