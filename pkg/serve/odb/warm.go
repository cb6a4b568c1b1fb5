// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package odb

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/keelscm/keel/modules/plumbing"
	"github.com/keelscm/keel/modules/streamio"
)

// warmStore keeps zstd compressed payloads under <root>/packed/. Warm
// objects are cheap to hold and a decompression away from hot, the
// natural parking spot for history nobody fetched lately.
type warmStore struct {
	root string
}

func newWarmStore(root string) *warmStore {
	return &warmStore{root: filepath.Join(root, "packed")}
}

func (s *warmStore) path(oid plumbing.Hash) string {
	h := oid.String()
	return filepath.Join(s.root, h[0:2], h[2:4], h)
}

func (s *warmStore) Get(ctx context.Context, oid plumbing.Hash) ([]byte, error) {
	fd, err := os.Open(s.path(oid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, plumbing.NoSuchObject(oid)
		}
		return nil, err
	}
	defer fd.Close() // nolint:errcheck
	zr, err := streamio.GetZstdReader(fd)
	if err != nil {
		return nil, err
	}
	defer streamio.PutZstdReader(zr)
	return io.ReadAll(zr)
}

func (s *warmStore) Put(ctx context.Context, oid plumbing.Hash, payload []byte) error {
	name := s.path(oid)
	if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return err
	}
	fd, err := os.CreateTemp(filepath.Dir(name), "tmp-*")
	if err != nil {
		return err
	}
	zw := streamio.GetZstdWriter(fd)
	if _, err := zw.Write(payload); err != nil {
		streamio.PutZstdWriter(zw)
		_ = fd.Close()
		_ = os.Remove(fd.Name())
		return err
	}
	if err := zw.Close(); err != nil {
		streamio.PutZstdWriter(zw)
		_ = fd.Close()
		_ = os.Remove(fd.Name())
		return err
	}
	streamio.PutZstdWriter(zw)
	if err := fd.Close(); err != nil {
		_ = os.Remove(fd.Name())
		return err
	}
	return os.Rename(fd.Name(), name)
}

func (s *warmStore) Delete(ctx context.Context, oid plumbing.Hash) error {
	if err := os.Remove(s.path(oid)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *warmStore) Has(ctx context.Context, oid plumbing.Hash) (bool, error) {
	if _, err := os.Stat(s.path(oid)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List visits every packed object. Sizes are the compressed on-disk
// sizes; callers that need logical sizes must Get.
func (s *warmStore) List(ctx context.Context, fn func(oid plumbing.Hash, size int64) error) error {
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		oid, err := plumbing.NewHashEx(d.Name())
		if err != nil {
			return nil
		}
		si, err := d.Info()
		if err != nil {
			return nil
		}
		return fn(oid, si.Size())
	})
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
