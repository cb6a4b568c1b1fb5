// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package odb

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/keelscm/keel/modules/oss"
	"github.com/keelscm/keel/modules/plumbing"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
)

const coldBlobMIME = "application/vnd.keel-blob"

// BucketClient is the slice of bucket behavior the cold tier relies
// on. The in-tree oss client satisfies it natively; NewS3Bucket and
// NewGCSBucket adapt the cloud SDKs to the same shape.
type BucketClient interface {
	Stat(ctx context.Context, resourcePath string) (*oss.Stat, error)
	Open(ctx context.Context, resourcePath string, start, length int64) (oss.RangeReader, error)
	Delete(ctx context.Context, resourcePath string) error
	Put(ctx context.Context, resourcePath string, r io.Reader, mime string) error
	PutWithMetadata(ctx context.Context, resourcePath string, r io.Reader, mime string, metadata map[string]string) error
	DeleteMultipleObjects(ctx context.Context, objectKeys []string) error
	ListObjects(ctx context.Context, prefix, continuationToken string) ([]*oss.Object, string, error)
}

func coldJoin(rid int64, oid plumbing.Hash) string {
	h := oid.String()
	return fmt.Sprintf("keel/%03d/%d/%s/%s/%s", rid%1000, rid, h[0:2], h[2:4], h)
}

func coldPrefix(rid int64) string {
	return fmt.Sprintf("keel/%03d/%d/", rid%1000, rid)
}

// coldStore archives payloads in a remote bucket. Every upload carries
// BLAKE3 and SHA-256 digests as object metadata and re-derives the
// object id in flight; a mismatch deletes the uploaded copy instead of
// leaving a lie in the archive.
type coldStore struct {
	bucket BucketClient
	rid    int64
}

func newColdStore(bucket BucketClient, rid int64) *coldStore {
	return &coldStore{bucket: bucket, rid: rid}
}

func (s *coldStore) Get(ctx context.Context, oid plumbing.Hash) ([]byte, error) {
	rr, err := s.bucket.Open(ctx, coldJoin(s.rid, oid), 0, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, plumbing.NoSuchObject(oid)
		}
		return nil, err
	}
	defer rr.Close() // nolint:errcheck
	return io.ReadAll(rr)
}

func (s *coldStore) Put(ctx context.Context, oid plumbing.Hash, payload []byte) error {
	key := coldJoin(s.rid, oid)
	if _, err := s.bucket.Stat(ctx, key); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	b3 := blake3.Sum256(payload)
	s2 := sha256.Sum256(payload)
	metadata := map[string]string{
		"blake3": hex.EncodeToString(b3[:]),
		"sha256": hex.EncodeToString(s2[:]),
	}
	pr, pw := io.Pipe()

	var got plumbing.Hash
	g, newCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h := sha1.New()
		if _, err := io.Copy(h, pr); err != nil {
			return err
		}
		copy(got[:], h.Sum(nil))
		return nil
	})
	g.Go(func() error {
		defer pw.Close()
		if err := s.bucket.PutWithMetadata(newCtx, key, io.TeeReader(bytes.NewReader(payload), pw), coldBlobMIME, metadata); err != nil {
			pw.CloseWithError(err)
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if got != oid {
		cleanupCtx, cancelCtx := context.WithTimeout(context.Background(), time.Minute)
		defer cancelCtx()
		_ = s.bucket.Delete(cleanupCtx, key)
		return fmt.Errorf("unexpected payload oid got '%s' want '%s'", got, oid)
	}
	return nil
}

func (s *coldStore) Delete(ctx context.Context, oid plumbing.Hash) error {
	if err := s.bucket.Delete(ctx, coldJoin(s.rid, oid)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *coldStore) Has(ctx context.Context, oid plumbing.Hash) (bool, error) {
	_, err := s.bucket.Stat(ctx, coldJoin(s.rid, oid))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// List pages through the repository prefix. Sizes are bucket object
// sizes, which for this tier equal the payload sizes.
func (s *coldStore) List(ctx context.Context, fn func(oid plumbing.Hash, size int64) error) error {
	prefix := coldPrefix(s.rid)
	var continuationToken string
	for {
		objects, nextContinuationToken, err := s.bucket.ListObjects(ctx, prefix, continuationToken)
		if err != nil {
			return err
		}
		continuationToken = nextContinuationToken
		for _, o := range objects {
			oid, err := plumbing.NewHashEx(path.Base(o.Key))
			if err != nil {
				continue
			}
			if err := fn(oid, o.Size); err != nil {
				return err
			}
		}
		if len(continuationToken) == 0 {
			break
		}
	}
	return nil
}

// RemoveRepositoryObjects drops every archived object under the
// repository prefix, used when a repository is destroyed.
func RemoveRepositoryObjects(ctx context.Context, b BucketClient, rid int64) error {
	prefix := coldPrefix(rid)
	var continuationToken string
	for {
		objects, nextContinuationToken, err := b.ListObjects(ctx, prefix, continuationToken)
		if err != nil {
			return err
		}
		continuationToken = nextContinuationToken
		objectKeys := make([]string, 0, len(objects))
		for _, o := range objects {
			objectKeys = append(objectKeys, o.Key)
		}
		if err := b.DeleteMultipleObjects(ctx, objectKeys); err != nil {
			return err
		}
		if len(continuationToken) == 0 {
			break
		}
	}
	return nil
}
